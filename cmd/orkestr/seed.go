package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orkestr/orkestr/internal/config"
	"github.com/orkestr/orkestr/internal/logging"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/pkg/schema"
)

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo tenant, workflow, and sample events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed()
		},
	}
}

func runSeed() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel)
	ctx := context.Background()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	tenant := &store.Tenant{ID: uuid.New().String(), Name: "demo"}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	wf := &store.Workflow{
		ID:          uuid.New().String(),
		TenantID:    tenant.ID,
		Name:        "order-review",
		Description: "Review incoming orders: large ones get an AI risk assessment.",
		TriggerType: "order.created",
		IsActive:    true,
		Version:     1,
		Steps: schema.Steps{
			{Key: "check-amount", Type: schema.StepTypeCondition, Config: map[string]any{
				"rule": map[string]any{"field": "amount", "operator": "gt", "value": 100},
			}},
			{Key: "notify-ops", Type: schema.StepTypeAction, Config: map[string]any{
				"type":        "log",
				"description": "notify operations about a large order",
			}},
			{Key: "assess-risk", Type: schema.StepTypeAITask, Config: map[string]any{
				"systemPrompt": "You are a fraud analyst for an online shop.",
				"userPrompt":   "Assess the risk of this order: amount={{amount}}, customer={{customer}}",
				"outputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"risk":   map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
						"reason": map[string]any{"type": "string"},
					},
					"required": []any{"risk"},
				},
				"fallback":     "default",
				"fallbackData": map[string]any{"risk": "medium", "reason": "assessment unavailable"},
			}},
			{Key: "done", Type: schema.StepTypeEnd, Config: map[string]any{}},
		},
	}
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	if err := st.PublishWorkflow(ctx, wf.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("publish workflow: %w", err)
	}

	payloads := []map[string]any{
		{"amount": 250.0, "currency": "EUR", "customer": map[string]any{"name": "Ada", "tier": "gold"}},
		{"amount": 50.0, "currency": "EUR", "customer": map[string]any{"name": "Grace", "tier": "silver"}},
	}
	for _, p := range payloads {
		event := &store.Event{
			ID:       uuid.New().String(),
			TenantID: tenant.ID,
			Type:     "order.created",
			Source:   "seed",
			Payload:  p,
		}
		if err := st.CreateEvent(ctx, event); err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		log.Info("seeded event", "event_id", event.ID, "amount", p["amount"])
	}

	log.Info("seed complete", "tenant_id", tenant.ID, "workflow_id", wf.ID)
	fmt.Printf("tenant: %s\nworkflow: %s\n", tenant.ID, wf.ID)
	return nil
}
