// Package openai talks to OpenAI-compatible chat completion servers.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel   = goopenai.GPT3Dot5Turbo
	defaultTimeout = 2 * time.Minute
)

// Options configures a Client. An empty BaseURL means api.openai.com; any
// OpenAI-compatible server (llama.cpp, vLLM) can be used instead.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client implements client.TextClient over the chat completions API.
type Client struct {
	api  *goopenai.Client
	opts Options
}

// NewClient creates a new chat completion client
func NewClient(opts Options) (*Client, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, errors.New("openai: api key required when no base url is set")
	}

	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), opts: opts}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.opts.Model }

// Complete sends prompt as a single user message and returns the first
// choice.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	// Add timeout if context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	// the request field is omitempty, so a literal zero would fall back to
	// the server default
	temperature := c.opts.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	req := goopenai.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
