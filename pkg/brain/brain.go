// Package brain is the reasoning layer: it owns conversation memory,
// builds the chat context, and generates replies with a sticky
// primary/fallback model pair.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"voicesdr/pkg/config"
	"voicesdr/pkg/memory"
	"voicesdr/pkg/retry"
)

// ErrModelsExhausted means both the primary and fallback model failed to
// produce a reply for one request.
var ErrModelsExhausted = errors.New("all reasoning models exhausted")

// Brain generates conversational replies grounded in per-sender history.
type Brain struct {
	client      osdk.Client
	selector    *modelSelector
	persona     string
	temperature float64
	maxTokens   int
	memory      *memory.Store
	policy      retry.Policy
	log         *slog.Logger
}

// New builds the reasoning layer. The persona falls back to the built-in
// sales persona when cfg leaves it empty.
func New(cfg config.LLMConfig, persona string, mem *memory.Store, policy retry.Policy, log *slog.Logger) (*Brain, error) {
	apiKey := resolveAPIKey(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("llm.api_key_env is required or OPENAI_API_KEY must be set")
	}
	if cfg.PrimaryModel == "" {
		return nil, errors.New("llm.primary_model is required")
	}
	if mem == nil {
		return nil, errors.New("memory store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(persona) == "" {
		persona = defaultPersona
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.RequestTimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second))
	}

	return &Brain{
		client:      osdk.NewClient(opts...),
		selector:    newModelSelector(cfg.PrimaryModel, cfg.FallbackModel),
		persona:     persona,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		memory:      mem,
		policy:      policy,
		log:         log.With("component", "brain"),
	}, nil
}

// ActiveModel returns the model new requests will use.
func (b *Brain) ActiveModel() string {
	return b.selector.current()
}

// Degraded reports whether the fallback model has been engaged.
func (b *Brain) Degraded() bool {
	return b.selector.degraded()
}

// RecordAssistant stores a reply produced outside the model, such as a
// canned refusal, so later turns see it in context.
func (b *Brain) RecordAssistant(senderID string, reply string) {
	b.memory.Append(senderID, memory.RoleAssistant, reply)
}

// Reply appends userText to the sender's history, generates a response
// with the active model, and stores the sanitized reply.
//
// A failing model is retried per the configured policy; when the active
// model stays down the fallback gets one retried attempt, and a fallback
// success makes it the active model from then on. Both failing ends the
// request with ErrModelsExhausted.
func (b *Brain) Reply(ctx context.Context, senderID string, userText string) (string, error) {
	b.memory.Append(senderID, memory.RoleUser, userText)
	messages := b.buildMessages(senderID)

	model := b.selector.current()
	reply, err := b.completeWithRetry(ctx, model, messages)
	if err != nil {
		fallback := b.selector.alternate()
		if fallback == "" {
			return "", fmt.Errorf("%w: %s: %w", ErrModelsExhausted, model, err)
		}

		b.log.Warn("Active model failed, trying fallback",
			"failed_model", model,
			"fallback_model", fallback,
			"error", err,
		)

		reply, err = b.completeWithRetry(ctx, fallback, messages)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrModelsExhausted, fallback, err)
		}

		b.selector.commitFallback()
		b.log.Warn("Fallback model engaged for the rest of this process", "model", fallback)
	}

	reply = sanitizeReply(reply)
	if reply == "" {
		return "", errors.New("model returned an empty reply")
	}

	b.memory.Append(senderID, memory.RoleAssistant, reply)
	return reply, nil
}

func (b *Brain) buildMessages(senderID string) []osdk.ChatCompletionMessageParamUnion {
	history := b.memory.History(senderID)

	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, osdk.SystemMessage(b.persona))
	for _, turn := range history {
		switch turn.Role {
		case memory.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(turn.Content))
		default:
			messages = append(messages, osdk.UserMessage(turn.Content))
		}
	}
	return messages
}

func (b *Brain) completeWithRetry(ctx context.Context, model string, messages []osdk.ChatCompletionMessageParamUnion) (string, error) {
	return retry.Do(ctx, b.policy, "chat_completion", func(ctx context.Context) (string, error) {
		return b.completeOnce(ctx, model, messages)
	})
}

func (b *Brain) completeOnce(ctx context.Context, model string, messages []osdk.ChatCompletionMessageParamUnion) (string, error) {
	startedAt := time.Now()
	completion, err := b.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		Temperature: osdk.Float(b.temperature),
		MaxTokens:   osdk.Int(int64(b.maxTokens)),
	})
	if err != nil {
		return "", classifyAPIError(fmt.Errorf("chat completion (%s): %w", model, err))
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion (%s) returned no choices", model)
	}

	b.log.Debug("Chat completion finished",
		"model", model,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	return completion.Choices[0].Message.Content, nil
}

// sanitizeReply strips formatting the TTS voice would read out loud.
func sanitizeReply(reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.ReplaceAll(reply, `"`, "")
	reply = strings.ReplaceAll(reply, "*", "")
	return reply
}

func resolveAPIKey(apiKeyEnv string) string {
	if name := strings.TrimSpace(apiKeyEnv); name != "" {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

// classifyAPIError marks provider errors transient when another attempt
// can plausibly succeed: rate limits, server errors, network failures.
func classifyAPIError(err error) error {
	var apiErr *osdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return retry.MarkTransient(err)
		}
		return err
	}
	return retry.MarkTransient(err)
}
