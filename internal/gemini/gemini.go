// Package gemini relays one-shot prompts to the Google Gemini
// generateContent API.
package gemini

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/r9s-ai/keyrelay/internal/relay"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.5-flash"

	msgNoText  = "Failed to get a valid response from the AI model."
	msgGeneric = "An unexpected server error occurred."
)

type Client struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

// GenerateContent submits prompt as a single user turn. A genai client is
// built per call because the key is only known at request time.
func (c *Client) GenerateContent(ctx context.Context, apiKey, prompt string) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient(),
		HTTPOptions: genai.HTTPOptions{BaseURL: c.baseURL()},
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	resp, err := client.Models.GenerateContent(ctx, c.model(), genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	return resp, nil
}

func (c *Client) baseURL() string {
	if s := strings.TrimSpace(c.BaseURL); s != "" {
		return s
	}
	return DefaultBaseURL
}

func (c *Client) model() string {
	if s := strings.TrimSpace(c.Model); s != "" {
		return s
	}
	return DefaultModel
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// feedback summarizes why a response carried no text. It is only logged.
func feedback(r *genai.GenerateContentResponse) string {
	if r == nil {
		return "empty response"
	}
	parts := []string{fmt.Sprintf("candidates=%d", len(r.Candidates))}
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		parts = append(parts, "block_reason="+string(r.PromptFeedback.BlockReason))
	}
	if len(r.Candidates) > 0 && r.Candidates[0] != nil && r.Candidates[0].FinishReason != "" {
		parts = append(parts, "finish_reason="+string(r.Candidates[0].FinishReason))
	}
	return strings.Join(parts, " ")
}

func textOf(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	return r.Text()
}

// Provider wires the client into the relay pipeline. Every upstream failure
// collapses to a generic 500 so provider feedback never reaches the caller.
func Provider(c *Client, apiKey string) relay.Provider[string, *genai.GenerateContentResponse] {
	return relay.Provider[string, *genai.GenerateContentResponse]{
		Name:   "gemini",
		Label:  "Gemini",
		Secret: apiKey,
		Decode: relay.DecodePrompt,
		Call: func(ctx context.Context, secret, prompt string) (*genai.GenerateContentResponse, error) {
			out, err := c.GenerateContent(ctx, secret, prompt)
			if err != nil {
				return nil, relay.Internal(msgGeneric, err)
			}
			return out, nil
		},
		Shape: func(out *genai.GenerateContentResponse) (*relay.Response, error) {
			text := textOf(out)
			if text == "" {
				log.Printf("gemini: response did not contain text: %s", feedback(out))
				return nil, relay.Internal(msgNoText, nil)
			}
			return &relay.Response{Status: http.StatusOK, JSON: map[string]string{"text": text}}, nil
		},
		Fallback: msgGeneric,
	}
}
