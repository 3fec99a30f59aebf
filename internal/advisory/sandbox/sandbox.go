// Package sandbox is the AI Sandbox: an advisory-only producer backed by
// the Anthropic Claude Messages API. It generates human-readable
// explanations and previews attached via the advisory subsystem, never
// authoritative pipeline state.
//
// Isolation is structural, not just documented: this package imports only
// github.com/rmos/core/internal/advisory (for the Producer interface it
// implements) and the Anthropic SDK. It never imports internal/artifact or
// internal/pipeline, so an AI Sandbox producer has no code path to the
// artifact store or the orchestrator. It can only return bytes for the
// advisory subsystem to attach.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rmos/core/internal/advisory"
)

// MessagesClient captures the subset of the Anthropic SDK used by Producer,
// satisfied by *sdk.MessageService so callers can substitute a mock in
// tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the sandbox producer.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// SystemPrompt frames every advisory request; it must make explicit
	// that the model's output is advisory-only and carries no authority
	// over the manufacturing pipeline.
	SystemPrompt string
}

// Producer implements advisory.Producer using the Anthropic Messages API.
type Producer struct {
	msg   MessagesClient
	model string
	maxTokens int
	temp  float64
	system string
}

var _ advisory.Producer = (*Producer)(nil)

const defaultSystemPrompt = "You are an advisory annotator for a CNC/CAM manufacturing pipeline. " +
	"You never approve, reject, or alter any plan, decision, or execution. " +
	"Respond only with a short JSON object: {\"explanation\": string, \"confidence\": number between 0 and 1}."

// New constructs a Producer. msg must not be nil; model must be set.
func New(msg MessagesClient, opts Options) (*Producer, error) {
	if msg == nil {
		return nil, errors.New("sandbox: anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("sandbox: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system := opts.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &Producer{msg: msg, model: opts.Model, maxTokens: maxTokens, temp: opts.Temperature, system: system}, nil
}

// NewFromAPIKey constructs a Producer using the default Anthropic HTTP
// client, reading credentials from apiKey.
func NewFromAPIKey(apiKey, model string) (*Producer, error) {
	if apiKey == "" {
		return nil, errors.New("sandbox: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{Model: model})
}

// Produce implements advisory.Producer. request is marshaled into the user
// turn verbatim so the model sees the same SPEC/PLAN fields an operator
// would; the response is returned as the canonical JSON payload to attach.
func (p *Producer) Produce(ctx context.Context, runID string, request map[string]any) ([]byte, string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, "", fmt.Errorf("sandbox: marshal request: %w", err)
	}

	msg, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		System:    []sdk.TextBlockParam{{Text: p.system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(fmt.Sprintf("run_id=%s\ninputs=%s", runID, string(body)))),
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("sandbox: anthropic messages.new: %w", err)
	}

	text := extractText(msg)
	payload := map[string]any{
		"run_id":      runID,
		"producer":    "ai_sandbox",
		"model":       p.model,
		"explanation": text,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("sandbox: marshal advisory payload: %w", err)
	}
	return out, "application/json", nil
}

func extractText(msg *sdk.Message) string {
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
