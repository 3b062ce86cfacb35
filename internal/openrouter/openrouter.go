// Package openrouter relays one-shot prompts to the OpenRouter chat
// completions API.
package openrouter

import (
	"context"
	"errors"
	"net/http"
	"strings"

	orerrors "github.com/rizome-dev/go-openrouter/pkg/errors"
	"github.com/rizome-dev/go-openrouter/pkg/models"
	"github.com/rizome-dev/go-openrouter/pkg/openrouter"

	"github.com/r9s-ai/keyrelay/internal/relay"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "mistralai/mistral-7b-instruct:free"

	msgGeneric  = "Internal server error"
	msgUpstream = "Failed to fetch from OpenRouter API"
)

var errNoContent = errors.New("response has no choices[0].message.content")

type Client struct {
	BaseURL string
	Model   string
	// Referer and Title identify the calling app to OpenRouter.
	Referer string
	Title   string
	HTTP    *http.Client
}

// Complete sends prompt as a single user message. The SDK client is built
// per call since it binds the key at construction.
func (c *Client) Complete(ctx context.Context, apiKey, prompt string) (*models.ChatCompletionResponse, error) {
	client := openrouter.NewClient(apiKey,
		openrouter.WithBaseURL(c.baseURL()),
		openrouter.WithHTTPClient(c.httpClient()),
		openrouter.WithHTTPReferer(strings.TrimSpace(c.Referer)),
		openrouter.WithXTitle(strings.TrimSpace(c.Title)),
	)
	return client.CreateChatCompletion(ctx, models.ChatCompletionRequest{
		Model:    c.model(),
		Messages: []models.Message{models.NewTextMessage(models.RoleUser, prompt)},
	})
}

func (c *Client) baseURL() string {
	if s := strings.TrimSpace(c.BaseURL); s != "" {
		return strings.TrimRight(s, "/")
	}
	return DefaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) model() string {
	if s := strings.TrimSpace(c.Model); s != "" {
		return s
	}
	return DefaultModel
}

// textOf returns the first choice's string content.
func textOf(r *models.ChatCompletionResponse) (string, bool) {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return "", false
	}
	s, err := r.Choices[0].Message.GetTextContent()
	if err != nil {
		return "", false
	}
	return s, s != ""
}

// Provider wires the client into the relay pipeline. Upstream statuses are
// passed through with a fixed message; the provider's error body is only
// logged.
func Provider(c *Client, apiKey string) relay.Provider[string, *models.ChatCompletionResponse] {
	return relay.Provider[string, *models.ChatCompletionResponse]{
		Name:   "openrouter",
		Label:  "OpenRouter",
		Secret: apiKey,
		Decode: relay.DecodePrompt,
		Call: func(ctx context.Context, secret, prompt string) (*models.ChatCompletionResponse, error) {
			out, err := c.Complete(ctx, secret, prompt)
			var apiErr *orerrors.APIError
			if errors.As(err, &apiErr) {
				return nil, relay.Upstream(int(apiErr.Code), msgUpstream, err)
			}
			if err != nil {
				return nil, relay.Internal(msgGeneric, err)
			}
			return out, nil
		},
		Shape: func(out *models.ChatCompletionResponse) (*relay.Response, error) {
			text, ok := textOf(out)
			if !ok {
				return nil, relay.Internal(msgGeneric, errNoContent)
			}
			return &relay.Response{Status: http.StatusOK, JSON: map[string]string{"text": text}}, nil
		},
		Fallback: msgGeneric,
	}
}
