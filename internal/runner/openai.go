package runner

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// generateOpenAI calls an OpenAI-compatible chat completions endpoint. SDK
// retries are disabled: the engine's retry policy is the single authority.
func (r *Runner) generateOpenAI(ctx context.Context, entry *ModelEntry, req *engine.GenerateRequest, params map[string]any) (*engine.GenerateResult, error) {
	client, err := r.client(ctx, entry)
	if err != nil {
		return nil, err
	}

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(entry.UpstreamModel()),
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openai.SystemMessage(req.System))
	}
	body.Messages = append(body.Messages, openai.UserMessage(req.Prompt))
	extra := applyParams(&body, params)

	start := time.Now()
	completion, err := client.Chat.Completions.New(ctx, body, extra...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "model %q interrupted", entry.ID).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q: %v", entry.ID, err).WithCause(err)
	}
	if len(completion.Choices) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q returned no choices", entry.ID)
	}

	return &engine.GenerateResult{
		Text:  completion.Choices[0].Message.Content,
		Model: entry.ID,
		Usage: &schema.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// client returns a cached SDK client for the entry, building it on first
// use so credential errors surface per model, not at startup.
func (r *Runner) client(ctx context.Context, entry *ModelEntry) (openai.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[entry.ID]; ok {
		return c, nil
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if entry.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(entry.BaseURL))
	}
	key, err := r.apiKey(ctx, entry)
	if err != nil {
		return openai.Client{}, err
	}
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}

	c := openai.NewClient(opts...)
	r.clients[entry.ID] = c
	return c, nil
}

func (r *Runner) apiKey(ctx context.Context, entry *ModelEntry) (string, error) {
	switch {
	case entry.APIKeyEnv != "":
		key := os.Getenv(entry.APIKeyEnv)
		if key == "" {
			return "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: environment variable %s is not set", entry.ID, entry.APIKeyEnv)
		}
		return key, nil
	case entry.APIKeySecret != "":
		if r.secrets == nil {
			return "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: no secret vault configured for %s", entry.ID, entry.APIKeySecret)
		}
		val, err := r.secrets.Resolve(ctx, entry.APIKeySecret)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeConfig, "model %q: resolving secret %s", entry.ID, entry.APIKeySecret).WithCause(err)
		}
		return strings.TrimSpace(string(val)), nil
	}
	return "", nil
}

// applyParams maps known sampling params onto typed request fields. Anything
// else is passed through as a raw body field, so compatible servers can
// receive their extensions (num_ctx, stop arrays) untouched.
func applyParams(body *openai.ChatCompletionNewParams, params map[string]any) []option.RequestOption {
	var extra []option.RequestOption
	for key, val := range params {
		switch key {
		case "temperature":
			if f, ok := floatParam(val); ok {
				body.Temperature = openai.Float(f)
				continue
			}
		case "top_p":
			if f, ok := floatParam(val); ok {
				body.TopP = openai.Float(f)
				continue
			}
		case "frequency_penalty":
			if f, ok := floatParam(val); ok {
				body.FrequencyPenalty = openai.Float(f)
				continue
			}
		case "presence_penalty":
			if f, ok := floatParam(val); ok {
				body.PresencePenalty = openai.Float(f)
				continue
			}
		case "max_tokens":
			if n, ok := intParam(val); ok {
				body.MaxTokens = openai.Int(n)
				continue
			}
		case "max_completion_tokens":
			if n, ok := intParam(val); ok {
				body.MaxCompletionTokens = openai.Int(n)
				continue
			}
		case "seed":
			if n, ok := intParam(val); ok {
				body.Seed = openai.Int(n)
				continue
			}
		}
		extra = append(extra, option.WithJSONSet(key, val))
	}
	return extra
}

func floatParam(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func intParam(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
