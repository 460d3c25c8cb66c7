package penguin

import (
	"encoding/json"
	"strings"
)

// ActionKind is the closed vocabulary of tags an assistant may emit.
// Text that does not match one of these kinds is plain narration.
type ActionKind string

const (
	ActionExecute         ActionKind = "execute"
	ActionSearch          ActionKind = "search"
	ActionPerplexity      ActionKind = "perplexity_search"
	ActionWorkspaceSearch ActionKind = "workspace_search"
	ActionMemorySearch    ActionKind = "memory_search"
	ActionRead            ActionKind = "read"
	ActionWrite           ActionKind = "write"
	ActionDeclarativeNote ActionKind = "add_declarative_note"
	ActionSummaryNote     ActionKind = "add_summary_note"

	ActionProcessStart  ActionKind = "process_start"
	ActionProcessStop   ActionKind = "process_stop"
	ActionProcessStatus ActionKind = "process_status"
	ActionProcessList   ActionKind = "process_list"
	ActionProcessEnter  ActionKind = "process_enter"
	ActionProcessSend   ActionKind = "process_send"
	ActionProcessExit   ActionKind = "process_exit"

	ActionBrowserNavigate   ActionKind = "browser_navigate"
	ActionBrowserInteract   ActionKind = "browser_interact"
	ActionBrowserScreenshot ActionKind = "browser_screenshot"

	ActionProjectCreate ActionKind = "project_create"
	ActionProjectList   ActionKind = "project_list"
	ActionProjectUpdate ActionKind = "project_update"
	ActionTaskCreate    ActionKind = "task_create"
	ActionTaskList      ActionKind = "task_list"
	ActionTaskUpdate    ActionKind = "task_update"

	ActionFinishResponse ActionKind = "finish_response"
	ActionFinishTask     ActionKind = "finish_task"
	ActionDelegate       ActionKind = "delegate"
	ActionSendMessage    ActionKind = "send_message"
	ActionSpawnSubAgent  ActionKind = "spawn_sub_agent"
)

// kindToTool maps each action kind to the registered tool that serves it.
// The finish_* kinds map to no tool: the engine consumes them as
// termination markers.
var kindToTool = map[ActionKind]string{
	ActionExecute:         "code_execution",
	ActionSearch:          "pattern_search",
	ActionPerplexity:      "web_search",
	ActionWorkspaceSearch: "code_search",
	ActionMemorySearch:    "memory_search",
	ActionRead:            "file_read",
	ActionWrite:           "file_write",
	ActionDeclarativeNote: "notes_add",
	ActionSummaryNote:     "notes_add",

	ActionProcessStart:  "interactive_process_start",
	ActionProcessStop:   "interactive_process_stop",
	ActionProcessStatus: "interactive_process_status",
	ActionProcessList:   "interactive_process_list",
	ActionProcessEnter:  "interactive_process_enter",
	ActionProcessSend:   "interactive_process_send",
	ActionProcessExit:   "interactive_process_exit",

	ActionBrowserNavigate:   "browser_navigate",
	ActionBrowserInteract:   "browser_interact",
	ActionBrowserScreenshot: "browser_screenshot",

	ActionProjectCreate: "project_create",
	ActionProjectList:   "project_list",
	ActionProjectUpdate: "project_update",
	ActionTaskCreate:    "task_create",
	ActionTaskList:      "task_list",
	ActionTaskUpdate:    "task_update",

	ActionDelegate:      "delegate",
	ActionSendMessage:   "send_message",
	ActionSpawnSubAgent: "spawn_sub_agent",
}

// KnownKinds returns the full recognized vocabulary, including the
// finish_* marker kinds.
func KnownKinds() map[ActionKind]bool {
	kinds := make(map[ActionKind]bool, len(kindToTool)+2)
	for k := range kindToTool {
		kinds[k] = true
	}
	kinds[ActionFinishResponse] = true
	kinds[ActionFinishTask] = true
	return kinds
}

// ToolForKind resolves an action kind to its tool name.
// Returns "" for the finish_* marker kinds and unknown kinds.
func ToolForKind(kind ActionKind) string {
	return kindToTool[kind]
}

// IsFinishKind reports whether kind is a termination marker rather than
// a real tool invocation.
func IsFinishKind(kind ActionKind) bool {
	return kind == ActionFinishResponse || kind == ActionFinishTask
}

// TaskStatus is the machine-readable outcome embedded in a finish_task payload.
type TaskStatus string

const (
	TaskStatusDone    TaskStatus = "done"
	TaskStatusPartial TaskStatus = "partial"
	TaskStatusBlocked TaskStatus = "blocked"
)

const finishStatusMarker = "[FINISH_STATUS:"

// ParseFinishStatus extracts the task outcome from a finish_task payload.
// The literal marker [FINISH_STATUS:done|partial|blocked] is authoritative;
// keyword inspection of the free-form summary is only a fallback, because
// narration like "the remaining work is blocked on X" must not flip the
// status when a marker is present.
func ParseFinishStatus(payload string) TaskStatus {
	if i := strings.Index(payload, finishStatusMarker); i >= 0 {
		rest := payload[i+len(finishStatusMarker):]
		if j := strings.IndexByte(rest, ']'); j >= 0 {
			switch TaskStatus(strings.TrimSpace(rest[:j])) {
			case TaskStatusDone:
				return TaskStatusDone
			case TaskStatusPartial:
				return TaskStatusPartial
			case TaskStatusBlocked:
				return TaskStatusBlocked
			}
		}
	}

	// JSON form: {"summary": "...", "status": "done"}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &body); err == nil {
		switch TaskStatus(body.Status) {
		case TaskStatusDone, TaskStatusPartial, TaskStatusBlocked:
			return TaskStatus(body.Status)
		}
	}

	// Keyword fallback for bare summaries.
	lower := strings.ToLower(payload)
	switch {
	case strings.Contains(lower, "blocked"):
		return TaskStatusBlocked
	case strings.Contains(lower, "partial"):
		return TaskStatusPartial
	default:
		return TaskStatusDone
	}
}
