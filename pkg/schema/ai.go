package schema

import "time"

// OutputSchema is the structured-output contract for ai_task steps.
// A deliberately small subset of JSON Schema: required fields, primitive
// property types, and enum constraints.
type OutputSchema struct {
	Type       string                 `json:"type,omitempty"` // always "object"
	Properties map[string]PropertyDef `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`
}

// PropertyDef declares one field of an OutputSchema.
type PropertyDef struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// AIRequest is what the ai_task executor sends to a provider.
type AIRequest struct {
	SystemPrompt  string
	UserPrompt    string
	OutputSchema  *OutputSchema
	Model         string
	Timeout       time.Duration
	PromptVersion string
}

// AIResponse is a provider's parsed reply.
type AIResponse struct {
	Data    map[string]any
	RawText string
	Meta    AIResponseMeta
}

// AIResponseMeta carries per-call observability metadata.
type AIResponseMeta struct {
	Model            string `json:"model"`
	PromptVersion    string `json:"promptVersion"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	LatencyMs        int64  `json:"latencyMs"`
	FinishReason     string `json:"finishReason"`
}
