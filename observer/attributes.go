package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrBusChannel = attribute.Key("bus.channel")
	AttrBusKind    = attribute.Key("bus.kind")
)
