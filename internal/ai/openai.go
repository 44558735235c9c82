package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/orkestr/orkestr/pkg/schema"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

// OpenAIProvider generates structured output through the OpenAI chat API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider with the given API key and default model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultModel
	}
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		defaultModel: model,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate sends the prompt pair to the chat API and parses the reply.
// When the request carries an output schema, JSON mode is requested and the
// schema is appended to the system prompt so the model knows the contract.
// An undecodable reply is returned as a *ParseError so the caller can run the
// repair retry.
func (p *OpenAIProvider) Generate(ctx context.Context, req *schema.AIRequest) (*schema.AIResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessage
	systemPrompt := req.SystemPrompt
	if req.OutputSchema != nil {
		systemPrompt = appendSchemaContract(systemPrompt, req.OutputSchema)
	}
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
	if req.OutputSchema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"ai generation timed out after %s", req.Timeout).WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeExecution, "ai generation failed").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "ai provider returned no choices")
	}

	choice := resp.Choices[0]
	out := &schema.AIResponse{
		RawText: choice.Message.Content,
		Meta: schema.AIResponseMeta{
			Model:            resp.Model,
			PromptVersion:    req.PromptVersion,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			LatencyMs:        latency,
			FinishReason:     string(choice.FinishReason),
		},
	}

	if req.OutputSchema != nil {
		data, perr := decodeObject(choice.Message.Content)
		if perr != nil {
			return out, perr
		}
		out.Data = data
	}

	return out, nil
}

// decodeObject parses the reply text as a JSON object, tolerating markdown
// code fences around the payload.
func decodeObject(text string) (map[string]any, *ParseError) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, &ParseError{
			Code:    schema.ErrCodeAIParse,
			Reasons: []string{fmt.Sprintf("reply is not a JSON object: %s", err)},
			RawText: text,
		}
	}
	return data, nil
}

// appendSchemaContract adds the expected output shape to the system prompt.
func appendSchemaContract(systemPrompt string, s *schema.OutputSchema) string {
	contract, err := json.Marshal(s)
	if err != nil {
		return systemPrompt
	}
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON object matching this schema:\n")
	b.Write(contract)
	return b.String()
}
