package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/penguin"
)

const readLimit = 8000

// registerBuiltinTools installs the baseline tool set, passing each
// spec through the optional wrappers first. Deployments with richer
// sandboxes replace these before the first dispatch.
func registerBuiltinTools(r *penguin.ToolRegistry, wrap ...func(penguin.ToolSpec) penguin.ToolSpec) {
	workspace, err := os.Getwd()
	if err != nil {
		workspace = os.TempDir()
	}
	reg := func(spec penguin.ToolSpec) {
		for _, w := range wrap {
			spec = w(spec)
		}
		r.Register(spec)
	}

	reg(penguin.ToolSpec{
		Name:        "file_read",
		Description: "Read a file from the workspace. Returns the content, truncated to 8000 chars if large.",
		Params:      map[string]string{"path": "string"},
		Invoke: func(_ context.Context, _ penguin.ToolContext, payload string, args json.RawMessage) (string, error) {
			path, err := resolveArg(payload, args, "path")
			if err != nil {
				return "", err
			}
			resolved, err := insideWorkspace(workspace, path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", err
			}
			if len(data) > readLimit {
				return string(data[:readLimit]) + "\n... (truncated)", nil
			}
			return string(data), nil
		},
	})

	reg(penguin.ToolSpec{
		Name:        "file_write",
		Description: "Write content to a workspace file, creating parent directories if needed. Payload: first line is the path, the rest is content.",
		Params:      map[string]string{"path": "string", "content": "string"},
		Invoke: func(_ context.Context, _ penguin.ToolContext, payload string, args json.RawMessage) (string, error) {
			path, content, err := writeArgs(payload, args)
			if err != nil {
				return "", err
			}
			resolved, err := insideWorkspace(workspace, path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	})

	reg(penguin.ToolSpec{
		Name:        "code_execution",
		Description: "Execute a shell command in the workspace. Returns stdout + stderr.",
		Params:      map[string]string{"command": "string"},
		MaxDuration: 60 * time.Second,
		Invoke: func(ctx context.Context, _ penguin.ToolContext, payload string, args json.RawMessage) (string, error) {
			command, err := resolveArg(payload, args, "command")
			if err != nil {
				return "", err
			}
			lower := strings.ToLower(command)
			for _, blocked := range []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="} {
				if strings.Contains(lower, blocked) {
					return "", fmt.Errorf("command blocked for safety: %s", blocked)
				}
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = workspace
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			runErr := cmd.Run()
			if out.Len() > readLimit {
				out.Truncate(readLimit)
				out.WriteString("\n... (truncated)")
			}
			if runErr != nil {
				return "", fmt.Errorf("%w\n%s", runErr, out.String())
			}
			return out.String(), nil
		},
	})

	reg(penguin.ToolSpec{
		Name:        "pattern_search",
		Description: "Search workspace files for a pattern. Payload: the pattern, optionally followed by ':' and a subdirectory.",
		Params:      map[string]string{"pattern": "string", "dir": "string"},
		MaxDuration: 30 * time.Second,
		Invoke: func(ctx context.Context, _ penguin.ToolContext, payload string, args json.RawMessage) (string, error) {
			pattern, dir := payload, "."
			if i := strings.LastIndex(payload, ":"); i > 0 {
				pattern, dir = payload[:i], payload[i+1:]
			}
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			resolved, err := insideWorkspace(workspace, dir)
			if err != nil {
				return "", err
			}
			cmd := exec.CommandContext(ctx, "grep", "-rn", "--binary-files=without-match", pattern, resolved)
			out, err := cmd.Output()
			if err != nil {
				// grep exits 1 on no matches
				if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
					return "no matches", nil
				}
				return "", err
			}
			if len(out) > readLimit {
				out = append(out[:readLimit], []byte("\n... (truncated)")...)
			}
			return string(out), nil
		},
	})
}

// resolveArg reads a named argument from provider-native JSON args,
// falling back to the raw tag payload.
func resolveArg(payload string, args json.RawMessage, key string) (string, error) {
	if len(args) > 0 {
		var m map[string]string
		if err := json.Unmarshal(args, &m); err == nil && m[key] != "" {
			return m[key], nil
		}
	}
	v := strings.TrimSpace(payload)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func writeArgs(payload string, args json.RawMessage) (path, content string, err error) {
	if len(args) > 0 {
		var m map[string]string
		if jsonErr := json.Unmarshal(args, &m); jsonErr == nil && m["path"] != "" {
			return m["path"], m["content"], nil
		}
	}
	path, content, ok := strings.Cut(payload, "\n")
	if !ok || strings.TrimSpace(path) == "" {
		return "", "", fmt.Errorf("payload must be: path newline content")
	}
	return strings.TrimSpace(path), content, nil
}

// insideWorkspace resolves rel against root and refuses escapes.
func insideWorkspace(root, rel string) (string, error) {
	resolved := filepath.Clean(filepath.Join(root, rel))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return resolved, nil
}
