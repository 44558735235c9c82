package schema

import "encoding/json"

// StepType enumerates the kinds of steps in a workflow. The set is closed:
// the engine rejects anything else at dispatch time.
type StepType string

const (
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
	StepTypeAITask    StepType = "ai_task"
	StepTypeEnd       StepType = "end"
)

// ValidStepTypes lists every step type the engine can execute.
var ValidStepTypes = []StepType{StepTypeCondition, StepTypeAction, StepTypeAITask, StepTypeEnd}

// IsValidStepType reports whether t belongs to the closed step-type set.
func IsValidStepType(t StepType) bool {
	for _, v := range ValidStepTypes {
		if v == t {
			return true
		}
	}
	return false
}

// EndOverrideKey is the sentinel next-step override that routes directly to the
// workflow's end step (condition false branch default).
const EndOverrideKey = "__end__"

// StepDefinition describes a single step in a published workflow.
// Key is unique within the workflow; Config is type-specific.
type StepDefinition struct {
	Key    string         `json:"key"`
	Type   StepType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Steps is the ordered step list of a workflow definition.
type Steps []StepDefinition

// Find returns the step with the given key, or nil.
func (s Steps) Find(key string) *StepDefinition {
	for i := range s {
		if s[i].Key == key {
			return &s[i]
		}
	}
	return nil
}

// FindEnd returns the first step of type end, or nil.
func (s Steps) FindEnd() *StepDefinition {
	for i := range s {
		if s[i].Type == StepTypeEnd {
			return &s[i]
		}
	}
	return nil
}

// After returns the step following the given key in list order, or nil when the
// key is absent or last.
func (s Steps) After(key string) *StepDefinition {
	for i := range s {
		if s[i].Key == key && i < len(s)-1 {
			return &s[i+1]
		}
	}
	return nil
}

// DecodeConfig unmarshals a step's config map into a typed config struct by
// round-tripping through JSON. Unknown keys are ignored.
func DecodeConfig(config map[string]any, out any) error {
	b, err := json.Marshal(config)
	if err != nil {
		return NewError(ErrCodeConfig, "step config is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return NewError(ErrCodeConfig, "step config does not match expected shape").WithCause(err)
	}
	return nil
}

// ConditionConfig is the config block for condition steps. Rule holds either a
// structured rule object or a plain expression string; Language selects the
// string-rule engine (expr, cel, jq) and is ignored for structured rules.
type ConditionConfig struct {
	Rule     any    `json:"rule"`
	Language string `json:"language,omitempty"`
	OnFalse  string `json:"onFalse,omitempty"`
}

// ActionConfig is the config block for action steps. A webhook URL makes the
// action a real outbound call; otherwise it is a logged dry run.
type ActionConfig struct {
	Type        string `json:"type,omitempty"`
	Channel     string `json:"channel,omitempty"`
	URL         string `json:"url,omitempty"`
	Method      string `json:"method,omitempty"`
	Description string `json:"description,omitempty"`
}

// ActionType resolves the configured action type, preferring Type over the
// legacy Channel alias, defaulting to "log".
func (c ActionConfig) ActionType() string {
	if c.Type != "" {
		return c.Type
	}
	if c.Channel != "" {
		return c.Channel
	}
	return "log"
}

// AITaskConfig is the config block for ai_task steps.
type AITaskConfig struct {
	SystemPrompt  string         `json:"systemPrompt,omitempty"`
	UserPrompt    string         `json:"userPrompt,omitempty"`
	OutputSchema  *OutputSchema  `json:"outputSchema,omitempty"`
	Model         string         `json:"model,omitempty"`
	TimeoutMs     int            `json:"timeoutMs,omitempty"`
	PromptVersion string         `json:"promptVersion,omitempty"`
	Fallback      string         `json:"fallback,omitempty"`
	FallbackData  map[string]any `json:"fallbackData,omitempty"`
}
