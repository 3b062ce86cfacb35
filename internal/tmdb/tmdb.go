// Package tmdb relays GET calls to The Movie Database v3 REST API.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/r9s-ai/keyrelay/internal/relay"
	"github.com/r9s-ai/keyrelay/internal/upstream"
)

const (
	DefaultBaseURL = "https://api.themoviedb.org/3"

	msgGeneric = "Internal server error"
)

// Request is a validated TMDB relay request.
type Request struct {
	Endpoint string
	Params   map[string]string
}

// Result is the raw upstream answer.
type Result struct {
	Status int
	Body   []byte
}

func (r *Result) UpstreamStatus() int {
	if r == nil {
		return 0
	}
	return r.Status
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// BuildURL returns the upstream URL for req. Client params are applied
// first and api_key last, so the server key always wins.
func (c *Client) BuildURL(apiKey string, req Request) (string, error) {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(req.Endpoint, "/"))
	if err != nil {
		// not wrapped: a *url.Error here is a caller mistake, not a network failure
		return "", fmt.Errorf("invalid endpoint %q: %v", req.Endpoint, err)
	}
	q := url.Values{}
	for k, v := range req.Params {
		q.Set(k, v)
	}
	q.Set("api_key", apiKey)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Get performs the single upstream call. Any HTTP status is a Result; only
// connectivity problems are errors.
func (c *Client) Get(ctx context.Context, apiKey string, req Request) (*Result, error) {
	u, err := c.BuildURL(apiKey, req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{Status: resp.StatusCode, Body: body}, nil
}

// Provider wires the client into the relay pipeline. Upstream statuses are
// passed through; connectivity failures become 503.
func Provider(c *Client, apiKey string) relay.Provider[Request, *Result] {
	return relay.Provider[Request, *Result]{
		Name:   "tmdb",
		Label:  "TMDB",
		Secret: apiKey,
		Decode: DecodeRequest,
		Call: func(ctx context.Context, secret string, req Request) (*Result, error) {
			res, err := c.Get(ctx, secret, req)
			if err != nil {
				if upstream.IsTransport(err) {
					return nil, relay.Transport("Network error connecting to TMDB: "+upstream.Detail(err, secret), err)
				}
				return nil, relay.Internal(msgGeneric, err)
			}
			if res.Status < 200 || res.Status > 299 {
				return res, relay.Upstream(res.Status, upstreamMessage(res), nil)
			}
			return res, nil
		},
		Shape: func(res *Result) (*relay.Response, error) {
			if !json.Valid(res.Body) {
				return nil, relay.Internal(msgGeneric, fmt.Errorf("upstream returned non-JSON body (%d bytes)", len(res.Body)))
			}
			return &relay.Response{Status: http.StatusOK, Raw: res.Body}, nil
		},
		Fallback: msgGeneric,
	}
}

// upstreamMessage describes a TMDB error answer using its status_message
// field when present.
func upstreamMessage(res *Result) string {
	msg := fmt.Sprintf("TMDB request failed with %d", res.Status)
	var body struct {
		StatusMessage string `json:"status_message"`
	}
	if err := json.Unmarshal(res.Body, &body); err == nil {
		if s := strings.TrimSpace(body.StatusMessage); s != "" {
			msg += ": " + s
		}
	}
	return msg
}

// DecodeRequest validates a {"endpoint": "...", "params": {...}} body.
func DecodeRequest(body []byte) (Request, error) {
	obj, err := relay.DecodeObject(body)
	if err != nil {
		return Request{}, err
	}
	endpoint, err := relay.RequiredString(obj, "endpoint", "No endpoint provided")
	if err != nil {
		return Request{}, err
	}
	endpoint = strings.TrimLeft(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return Request{}, relay.InvalidInput("No endpoint provided")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return Request{}, relay.InvalidInput("Invalid endpoint")
	}
	params, err := relay.StringMap(obj["params"], "params must be a JSON object.")
	if err != nil {
		return Request{}, err
	}
	return Request{Endpoint: endpoint, Params: params}, nil
}
