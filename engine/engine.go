package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Defaults applied when neither the engine nor the input sets a value.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

// Memory is the memory system as seen by the engine. *memory.Manager
// implements it.
type Memory interface {
	Retrieve(ctx context.Context, userMessage string) (string, error)
	RecordConversation(ctx context.Context, question, answer string) (memory.Outcome, error)
}

// ConversationStore keeps conversation history between turns.
// *reconcile.Store implements it.
type ConversationStore interface {
	Conversation(id string) (core.Conversation, bool)
	PutConversation(ctx context.Context, c core.Conversation)
}

// Engine runs chat turns against Claude with long-term memory.
type Engine struct {
	client        *anthropic.Client
	memory        Memory
	conversations ConversationStore
	logger        *zap.Logger
	recorder      *recorder
	now           func() time.Time

	model        string
	maxTokens    int64
	systemPrompt string
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory sets the memory system. Without it turns run statelessly.
func WithMemory(m Memory) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithConversations sets where conversation history is kept.
func WithConversations(s ConversationStore) Option {
	return func(e *Engine) {
		e.conversations = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(e *Engine) {
		if model != "" {
			e.model = model
		}
	}
}

// WithMaxTokens sets the default response limit.
func WithMaxTokens(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithSystemPrompt sets the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

// NewEngine creates an engine on the given Anthropic client.
func NewEngine(client *anthropic.Client, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		logger:       zap.NewNop(),
		now:          time.Now,
		model:        DefaultModel,
		maxTokens:    DefaultMaxTokens,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	e.recorder = newRecorder(e.logger)
	return e
}

// Input is one user turn.
type Input struct {
	// ConversationID keys history and orders memory recording. Turns
	// without one are recorded in a shared queue.
	ConversationID string

	// UserMessage is the user's message to process.
	UserMessage string

	// History overrides the stored history of the conversation.
	History []core.Message

	// SystemPrompt, Model and MaxTokens override the engine defaults.
	SystemPrompt string
	Model        string
	MaxTokens    int64

	// StreamCallback receives text as it arrives, then ("", true).
	StreamCallback func(chunk string, done bool)
}

// TokenUsage tracks Claude API token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Output is the result of a turn.
type Output struct {
	// Text is the assistant's reply. On a cancelled stream it holds what
	// arrived before cancellation.
	Text string

	// MemoryContext is the block added to the system prompt, if any.
	MemoryContext string

	TokensUsed TokenUsage

	// Cancelled is set when the turn stopped because ctx was cancelled.
	Cancelled bool
}

// Run executes one turn: retrieve memories, enrich the system prompt, call
// Claude and queue the exchange for memory recording. Recording happens in
// the background and is not interrupted when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, input *Input) (*Output, error) {
	if strings.TrimSpace(input.UserMessage) == "" {
		return nil, fmt.Errorf("user message is required")
	}

	// Retrieve memories
	var enrichment string
	if e.memory != nil {
		var err error
		enrichment, err = e.memory.Retrieve(ctx, input.UserMessage)
		if err != nil {
			e.logger.Warn("Memory retrieval failed", zap.Error(err))
			enrichment = "" // Non-fatal, continue without memories
		}
	}

	model := input.Model
	if model == "" {
		model = e.model
	}
	maxTokens := input.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.maxTokens
	}
	systemPrompt := input.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = e.systemPrompt
	}

	// Enrich system prompt
	if enrichment != "" {
		systemPrompt += "\n\n" + enrichment
	}

	conv := e.conversation(input)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(conv.History, input.UserMessage),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	var resp *anthropic.Message
	var err error
	if input.StreamCallback != nil {
		resp, err = e.createMessageStreaming(ctx, params, input.StreamCallback)
	} else {
		resp, err = e.client.Messages.New(ctx, params)
	}
	out := &Output{MemoryContext: enrichment}
	if resp != nil {
		out.Text = responseText(resp)
		out.TokensUsed = TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		}
	}
	if err != nil {
		out.Cancelled = errors.Is(err, context.Canceled)
		return out, fmt.Errorf("claude API error: %w", err)
	}

	if input.StreamCallback != nil {
		input.StreamCallback("", true)
	}

	e.logger.Debug("Turn complete",
		zap.String("conversation", input.ConversationID),
		zap.Int("input_tokens", out.TokensUsed.InputTokens),
		zap.Int("output_tokens", out.TokensUsed.OutputTokens),
		zap.Bool("memory_context", enrichment != ""),
	)

	if e.conversations != nil && input.ConversationID != "" {
		now := e.now()
		conv.History = append(conv.History,
			core.Message{Role: core.RoleUser, Content: input.UserMessage, CreatedAt: now},
			core.Message{Role: core.RoleAssistant, Content: out.Text, CreatedAt: now},
		)
		conv.Model = model
		conv.UpdatedAt = now
		e.conversations.PutConversation(ctx, conv)
	}

	// Record conversation
	if e.memory != nil && out.Text != "" {
		question, answer := input.UserMessage, out.Text
		recordCtx := context.WithoutCancel(ctx)
		e.recorder.enqueue(input.ConversationID, func() {
			outcome, err := e.memory.RecordConversation(recordCtx, question, answer)
			if err != nil {
				e.logger.Warn("Failed to record conversation", zap.Error(err))
				return
			}
			e.logger.Debug("Recorded conversation",
				zap.Bool("stored", outcome.Stored),
				zap.String("reason", string(outcome.Reason)),
			)
		})
	}

	return out, nil
}

// Wait blocks until every queued memory recording has finished.
func (e *Engine) Wait() {
	e.recorder.wait()
}

func (e *Engine) conversation(input *Input) core.Conversation {
	conv := core.Conversation{ID: input.ConversationID}
	if e.conversations != nil && input.ConversationID != "" {
		if stored, ok := e.conversations.Conversation(input.ConversationID); ok {
			conv = stored
		}
	}
	if input.History != nil {
		conv.History = input.History
	}
	conv.History = append([]core.Message(nil), conv.History...)
	return conv
}

func toMessageParams(history []core.Message, userMessage string) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == core.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))
}

// createMessageStreaming handles streaming API calls. On error the message
// accumulated so far is returned with it.
func (e *Engine) createMessageStreaming(ctx context.Context, params anthropic.MessageNewParams, callback func(string, bool)) (*anthropic.Message, error) {
	stream := e.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	// Accumulate the message from events
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			e.logger.Debug("Stream accumulation error", zap.Error(err))
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				callback(delta.Text, false)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return &message, err
	}
	if err := ctx.Err(); err != nil {
		return &message, err
	}
	return &message, nil
}

func responseText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// DefaultSystemPrompt is the base system prompt for chat turns.
const DefaultSystemPrompt = `You are a helpful, friendly assistant.

You may be given notes about the user from earlier conversations and excerpts
from their documents. Use them when they are relevant to the question, and do
not mention them otherwise. Never invent facts about the user.

Be concise. Use plain language and short paragraphs.`
