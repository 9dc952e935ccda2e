// Package claude implements memory extraction and interest classification
// with Claude.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultModel is a small, fast model; extraction needs no reasoning depth.
const DefaultModel = "claude-3-5-haiku-latest"

const extractPrompt = `You maintain long-term memory about a user for an AI assistant.
Given one exchange between the user and the assistant, write ONE short sentence
stating a durable fact about the user, in the third person, starting with "The user".
Only restate what the user explicitly said. Do not infer, guess or add detail.
Never describe the assistant. If there is nothing worth remembering, reply with exactly NO_UPDATE.
Reply with the sentence only.`

const forcePrompt = `The user explicitly asked the assistant to remember something in this exchange.
Write ONE short sentence, in the third person, starting with "The user", stating exactly
what the user asked to be remembered. Do not reply NO_UPDATE. Reply with the sentence only.`

const classifyPrompt = `Decide whether the user shows genuine personal interest or excitement
about a topic in this exchange (a hobby, goal, plan, preference or ongoing project).
Routine questions and small talk do not count. Reply with exactly YES or NO.`

// Config configures the extractor.
type Config struct {
	// Model defaults to DefaultModel.
	Model string

	// MaxTokens bounds each reply (default: 120).
	MaxTokens int64

	Logger *zap.Logger
}

// Extractor implements memory.Extractor and memory.InterestClassifier.
type Extractor struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

var (
	_ memory.Extractor          = (*Extractor)(nil)
	_ memory.InterestClassifier = (*Extractor)(nil)
)

// New creates an extractor.
func New(client *anthropic.Client, cfg Config) *Extractor {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 120
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger.Named("extractor"),
	}
}

// ExtractMemory returns a one-sentence memory or memory.NoUpdate.
func (x *Extractor) ExtractMemory(ctx context.Context, question, answer string, forceRequest bool) (string, error) {
	system := extractPrompt
	if forceRequest {
		system = forcePrompt
	}
	text, err := x.complete(ctx, system, exchange(question, answer))
	if err != nil {
		return "", fmt.Errorf("extract memory: %w", err)
	}
	if text == "" {
		return memory.NoUpdate, nil
	}
	return text, nil
}

// ClassifyInterest reports whether the user shows genuine interest.
func (x *Extractor) ClassifyInterest(ctx context.Context, question, answer string) (bool, error) {
	text, err := x.complete(ctx, classifyPrompt, exchange(question, answer))
	if err != nil {
		return false, fmt.Errorf("classify interest: %w", err)
	}
	return strings.HasPrefix(strings.ToUpper(text), "YES"), nil
}

func (x *Extractor) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := x.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(x.model),
		MaxTokens: x.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	x.logger.Debug("Completion",
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return strings.TrimSpace(sb.String()), nil
}

func exchange(question, answer string) string {
	return "User: " + strings.TrimSpace(question) + "\n\nAssistant: " + strings.TrimSpace(answer)
}
