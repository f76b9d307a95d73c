package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftbridge/observability"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o"

	task   = "Task: Check if the tweet adheres to the provided policy."
	output = `Provide your safety assessment for the above tweet as one word: either "safe" or "unsafe".`
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("moderation: empty model response")

// Config controls the moderation client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// MaxRetries is passed to the API client; zero disables retries.
	MaxRetries int
}

// Moderator asks a chat model whether content complies with a policy.
type Moderator struct {
	client  openai.Client
	model   string
	logger  *slog.Logger
	metrics *observability.BridgeMetrics
}

// Option configures a Moderator.
type Option func(*Moderator)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Moderator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records verdicts.
func WithMetrics(metrics *observability.BridgeMetrics) Option {
	return func(m *Moderator) {
		m.metrics = metrics
	}
}

// New builds a moderator from cfg.
func New(cfg Config, opts ...Option) (*Moderator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("moderation: api key required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	requestOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		requestOpts = append(requestOpts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	m := &Moderator{
		client: openai.NewClient(requestOpts...),
		model:  model,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Prompt renders the moderation prompt for content under policy.
func Prompt(content, policy string) string {
	return fmt.Sprintf("%s\n<BEGIN POLICY>\n%s\n<END POLICY>\n<BEGIN TWEET>\n%s\n<END TWEET>\n%s\n",
		task, policy, content, output)
}

// Check reports whether content is safe under policy. Any answer mentioning "unsafe" is a
// rejection; everything else is accepted.
func (m *Moderator) Check(ctx context.Context, content, policy string) (bool, error) {
	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(Prompt(content, policy)),
		},
	})
	if err != nil {
		m.metrics.RecordModeration("error")
		return false, fmt.Errorf("moderation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		m.metrics.RecordModeration("error")
		return false, ErrEmptyResponse
	}
	answer := resp.Choices[0].Message.Content
	safe := Verdict(answer)
	verdict := "safe"
	if !safe {
		verdict = "unsafe"
	}
	m.metrics.RecordModeration(verdict)
	m.logger.DebugContext(ctx, "moderation verdict",
		slog.String("model", m.model),
		slog.String("verdict", verdict))
	return safe, nil
}

// Verdict interprets a model answer.
func Verdict(answer string) bool {
	return !strings.Contains(strings.ToLower(answer), "unsafe")
}
