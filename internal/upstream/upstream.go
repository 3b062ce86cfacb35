// Package upstream builds the HTTP client shared by all provider callers.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/r9s-ai/keyrelay/internal/trafficdump"
)

type Options struct {
	Timeout time.Duration
	// HTTPSProxy and NoProxy override the HTTPS_PROXY / NO_PROXY environment
	// when set.
	HTTPSProxy string
	NoProxy    string
}

// NewClient returns an http.Client with a fixed overall timeout whose
// transport records upstream exchanges into the request's traffic dump.
func NewClient(opts Options) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	proxyFunc := proxyConfig(opts).ProxyFunc()
	base.Proxy = func(r *http.Request) (*url.URL, error) { return proxyFunc(r.URL) }
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: &dumpTransport{base: base},
	}
}

func proxyConfig(opts Options) *httpproxy.Config {
	cfg := httpproxy.FromEnvironment()
	if v := strings.TrimSpace(opts.HTTPSProxy); v != "" {
		cfg.HTTPSProxy = v
	}
	if v := strings.TrimSpace(opts.NoProxy); v != "" {
		cfg.NoProxy = v
	}
	return cfg
}

type dumpTransport struct {
	base http.RoundTripper
}

func (t *dumpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := trafficdump.FromContext(req.Context())
	if rec == nil {
		return t.base.RoundTrip(req)
	}

	var reqBody []byte
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			reqBody, _ = io.ReadAll(io.LimitReader(rc, int64(rec.CaptureLimit())))
			_ = rc.Close()
		}
	}
	rec.AppendUpstreamRequest(req.Method, req.URL.String(), req.Header, reqBody)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		rec.AppendUpstreamError(err)
		return nil, err
	}
	body, rerr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	rec.AppendUpstreamResponse(resp.Status, resp.Header, body)
	if rerr != nil {
		return nil, rerr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// IsTransport reports whether err is a connectivity failure (dial, DNS,
// TLS, timeout) rather than a protocol-level problem.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Detail returns a caller-safe description of a client error: the request
// URL (which may carry credentials) is stripped and secret is redacted.
func Detail(err error, secret string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		msg = ue.Err.Error()
	}
	if secret != "" {
		msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
	}
	return msg
}
