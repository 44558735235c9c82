package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/orkestr/orkestr/internal/ai"
	"github.com/orkestr/orkestr/pkg/schema"
)

const (
	fallbackDefault         = "default"
	fallbackDefaultTemplate = "use_default_template"
	fallbackPassthrough     = "passthrough"
)

// AITaskExecutor runs an ai_task step: interpolate prompts, generate, validate
// the structured output, and when the output cannot be used, run exactly one
// repair retry before falling back. Only parse and schema failures are
// repairable; provider outages, timeouts, and transport errors skip repair and
// fall back directly. Fallback is a degraded success, never a step failure.
type AITaskExecutor struct {
	handle  *ai.Handle
	timeout time.Duration
	log     *slog.Logger
}

// NewAITaskExecutor creates an ai_task executor over a resolved provider handle.
func NewAITaskExecutor(handle *ai.Handle, timeout time.Duration, log *slog.Logger) *AITaskExecutor {
	return &AITaskExecutor{handle: handle, timeout: timeout, log: log}
}

func (e *AITaskExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	var cfg schema.AITaskConfig
	if err := schema.DecodeConfig(sc.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.UserPrompt == "" {
		return e.fallback(sc, &cfg, schema.NewError(schema.ErrCodeConfig,
			"ai_task step has no userPrompt").WithStep(sc.StepKey)), nil
	}

	provider, err := e.handle.Provider()
	if err != nil {
		return e.fallback(sc, &cfg, err), nil
	}

	req := &schema.AIRequest{
		SystemPrompt:  ai.Interpolate(cfg.SystemPrompt, sc.Input),
		UserPrompt:    ai.Interpolate(cfg.UserPrompt, sc.Input),
		OutputSchema:  cfg.OutputSchema,
		Model:         cfg.Model,
		Timeout:       e.timeout,
		PromptVersion: cfg.PromptVersion,
	}
	if cfg.TimeoutMs > 0 {
		req.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	resp, reasons, err := e.generate(ctx, provider, req, cfg.OutputSchema)
	if err != nil {
		// Timeouts and transport failures are not repairable: straight to fallback.
		return e.fallback(sc, &cfg, err), nil
	}

	if len(reasons) > 0 {
		// One repair attempt: re-ask with the violation list appended.
		e.log.Warn("ai output rejected, attempting repair",
			"step_key", sc.StepKey, "reasons", reasons)

		repairReq := *req
		repairReq.UserPrompt = repairPrompt(req.UserPrompt, resp, reasons)

		resp, reasons, err = e.generate(ctx, provider, &repairReq, cfg.OutputSchema)
		if err != nil {
			return e.fallback(sc, &cfg, err), nil
		}
		if len(reasons) > 0 {
			return e.fallback(sc, &cfg, schema.NewErrorf(schema.ErrCodeAISchema,
				"ai output failed validation after repair: %s", strings.Join(reasons, "; "))), nil
		}
	}

	output := map[string]any{"aiGenerated": true}
	for k, v := range resp.Data {
		output[k] = v
	}
	if resp.Data == nil && resp.RawText != "" {
		output["text"] = resp.RawText
	}
	output["_meta"] = resp.Meta

	return &StepResult{Output: output}, nil
}

// generate calls the provider and validates the reply. The reasons slice is
// non-empty for repairable rejections; hard failures come back as err.
func (e *AITaskExecutor) generate(ctx context.Context, provider ai.Provider, req *schema.AIRequest, outputSchema *schema.OutputSchema) (*schema.AIResponse, []string, error) {
	resp, err := provider.Generate(ctx, req)
	if err != nil {
		var parseErr *ai.ParseError
		if errors.As(err, &parseErr) {
			return resp, parseErr.Reasons, nil
		}
		return nil, nil, err
	}

	if outputSchema != nil {
		if reasons := ai.ValidateOutput(resp.Data, outputSchema); len(reasons) > 0 {
			return resp, reasons, nil
		}
	}
	return resp, nil, nil
}

// fallback applies the configured fallback strategy. It always succeeds: the
// step degrades instead of failing, and the output is marked aiGenerated=false
// so downstream consumers can tell synthetic data from model output.
func (e *AITaskExecutor) fallback(sc *StepContext, cfg *schema.AITaskConfig, cause error) *StepResult {
	strategy := cfg.Fallback
	output := map[string]any{}
	switch strategy {
	case fallbackDefaultTemplate:
		for k, v := range cfg.FallbackData {
			output[k] = v
		}
		fields := make([]string, 0, len(sc.Input))
		for k := range sc.Input {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		output["inputFields"] = fields
	case fallbackPassthrough:
		output["input"] = sc.Input
	default:
		// Absent or unrecognized strategy: static fallback data verbatim.
		strategy = fallbackDefault
		for k, v := range cfg.FallbackData {
			output[k] = v
		}
	}

	e.log.Warn("ai_task fell back",
		"step_key", sc.StepKey, "strategy", strategy, "cause", cause.Error())

	output["aiGenerated"] = false
	output["fallback"] = strategy
	output["fallbackReason"] = cause.Error()
	return &StepResult{Output: output}
}

// repairPrompt builds the follow-up prompt for the single repair attempt.
func repairPrompt(original string, resp *schema.AIResponse, reasons []string) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nYour previous reply was rejected:\n")
	for _, r := range reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if resp != nil && resp.RawText != "" {
		b.WriteString("\nPrevious reply:\n")
		b.WriteString(resp.RawText)
	}
	b.WriteString("\nReply again with a single valid JSON object.")
	return b.String()
}
