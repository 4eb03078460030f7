// Package llm streams chat completions from an OpenAI-compatible endpoint.
// It backs the local pipeline's text generation and the delegated-request
// gateway, both of which speak the same chat-completions dialect.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Defaults for phone-call generation: short answers, low latency.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second

	// historyWindow bounds how many conversation entries are sent with each
	// request. Older context matters little on a phone call and inflates
	// first-token latency.
	historyWindow = 20
)

// Message is one conversation entry. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Chunk is one streamed fragment of a completion. A non-nil Err terminates
// the stream.
type Chunk struct {
	Text string
	Err  error
}

// Client talks to a chat-completions endpoint.
type Client struct {
	client      oai.Client
	model       string
	maxTokens   int64
	temperature float64
}

type config struct {
	baseURL     string
	timeout     time.Duration
	maxTokens   int64
	temperature float64
}

// Option configures a [Client].
type Option func(*config)

// WithBaseURL overrides the endpoint, e.g. for a local llama.cpp server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout. Default 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxTokens caps completion length. Default 256.
func WithMaxTokens(n int64) Option {
	return func(c *config) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature. Default 0.7.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// New constructs a chat-completions client.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &config{
		timeout:     DefaultTimeout,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Client{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
	}, nil
}

// Stream requests a completion for the system prompt plus the most recent
// conversation entries and returns a channel of text fragments. The channel
// is closed when the completion finishes or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, system string, history []Message) (<-chan Chunk, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(system, history))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case ch <- Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- Chunk{Err: fmt.Errorf("llm: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete requests a full completion in one round trip.
func (c *Client) Complete(ctx context.Context, system string, history []Message) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(system, history))
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) params(system string, history []Message) oai.ChatCompletionNewParams {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	for _, m := range history {
		if m.Role == "assistant" {
			messages = append(messages, oai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            messages,
		Temperature:         param.NewOpt(c.temperature),
		MaxCompletionTokens: param.NewOpt(c.maxTokens),
	}
}
