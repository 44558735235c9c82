package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orkestr/orkestr/pkg/schema"
)

const (
	actionTimeout      = 10 * time.Second
	idempotencyHeader  = "X-Idempotency-Key"
	providerRefHeader  = "X-Request-Id"
	dryRunRefPrefix    = "dry-run-"
	maxResponsePreview = 512
)

// webhookBody is the payload delivered to a webhook action target.
type webhookBody struct {
	StepRunID string         `json:"stepRunId"`
	RunID     string         `json:"runId"`
	StepKey   string         `json:"stepKey"`
	Input     map[string]any `json:"input"`
	Attempt   int            `json:"attempt"`
}

// ActionExecutor performs a step's external side effect. A configured URL
// makes it a webhook call; anything else is a logged dry run. Either way the
// result carries a provider ref, the idempotency marker that makes redelivery
// skip re-execution.
type ActionExecutor struct {
	client *http.Client
	log    *slog.Logger
}

// NewActionExecutor creates an action executor.
func NewActionExecutor(log *slog.Logger) *ActionExecutor {
	return &ActionExecutor{
		client: &http.Client{Timeout: actionTimeout},
		log:    log,
	}
}

func (e *ActionExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	var cfg schema.ActionConfig
	if err := schema.DecodeConfig(sc.Config, &cfg); err != nil {
		return nil, err
	}

	if cfg.URL == "" {
		return e.dryRun(sc, &cfg), nil
	}
	return e.webhook(ctx, sc, &cfg)
}

// dryRun logs the action instead of calling out, producing a synthetic
// provider ref so the idempotency path behaves identically.
func (e *ActionExecutor) dryRun(sc *StepContext, cfg *schema.ActionConfig) *StepResult {
	ref := dryRunRefPrefix + uuid.New().String()
	e.log.Info("action executed (dry run)",
		"action_type", cfg.ActionType(),
		"step_key", sc.StepKey,
		"provider_ref", ref,
		"description", cfg.Description,
	)
	return &StepResult{
		Output: map[string]any{
			"actionType": cfg.ActionType(),
			"dryRun":     true,
		},
		ProviderRef: ref,
	}
}

func (e *ActionExecutor) webhook(ctx context.Context, sc *StepContext, cfg *schema.ActionConfig) (*StepResult, error) {
	body, err := json.Marshal(webhookBody{
		StepRunID: sc.StepRunID,
		RunID:     sc.RunID,
		StepKey:   sc.StepKey,
		Input:     sc.Input,
		Attempt:   sc.Attempt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid webhook request").
			WithCause(err).WithStep(sc.StepKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, sc.StepRunID)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"webhook timed out after %s", actionTimeout).WithStep(sc.StepKey)
		}
		return nil, schema.NewError(schema.ErrCodeExecution, "webhook call failed").
			WithCause(err).WithStep(sc.StepKey)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponsePreview))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"webhook returned %d", resp.StatusCode).
			WithStep(sc.StepKey).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(preview)})
	}

	// The target's request id is the durable side-effect marker; fall back to
	// a generated one when the target does not echo any.
	ref := resp.Header.Get(providerRefHeader)
	if ref == "" {
		ref = uuid.New().String()
	}

	return &StepResult{
		Output: map[string]any{
			"actionType": cfg.ActionType(),
			"status":     resp.StatusCode,
			"response":   string(preview),
		},
		ProviderRef: ref,
	}, nil
}
