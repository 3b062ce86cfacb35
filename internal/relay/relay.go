// Package relay implements the request pipeline shared by every provider
// endpoint: credential guard, request validation, one upstream call and
// response normalization.
//
// A provider is a Provider value; Handler turns it into a gin handler. All
// failures are converted to a JSON error body at the handler boundary.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/keyrelay/internal/requestid"
)

// Context keys read by the access log middleware.
const (
	CtxProvider       = "relay.provider"
	CtxOutcome        = "relay.outcome"
	CtxUpstreamMs     = "relay.upstream_ms"
	CtxUpstreamStatus = "relay.upstream_status"
)

// MaxBodyBytes caps inbound request bodies.
const MaxBodyBytes = 16 << 20

const defaultFallback = "Internal server error"

// Response is a shaped success response. Exactly one of JSON or Raw is used;
// Raw is written verbatim as application/json.
type Response struct {
	Status int
	JSON   any
	Raw    []byte
}

// Provider describes one upstream API.
type Provider[In, Out any] struct {
	// Name is the short machine name used in logs and metrics.
	Name string
	// Label is the human name used in the missing-key error.
	Label string
	// Secret is injected into every outbound call. Empty means not configured.
	Secret string

	Decode func(body []byte) (In, error)
	Call   func(ctx context.Context, secret string, in In) (Out, error)
	Shape  func(out Out) (*Response, error)

	// Fallback is the client message for untagged errors and panics.
	Fallback string
}

// Observer receives one event per handled request.
type Observer interface {
	ObserveRelay(provider string, outcome string, status int, elapsed time.Duration)
}

// upstreamStatusReporter is implemented by call results that know the
// upstream HTTP status.
type upstreamStatusReporter interface {
	UpstreamStatus() int
}

// Handler returns the gin handler for p. obs may be nil.
func Handler[In, Out any](p Provider[In, Out], obs Observer) gin.HandlerFunc {
	if strings.TrimSpace(p.Fallback) == "" {
		p.Fallback = defaultFallback
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(CtxProvider, p.Name)

		resp, rerr := run(c, p)

		var status int
		outcome := "ok"
		if rerr != nil {
			status = StatusOf(rerr)
			outcome = rerr.Kind.String()
			logFailure(c, p.Name, status, rerr, p.Secret)
			writeError(c, status, rerr, p.Secret)
		} else {
			status = resp.Status
			if status == 0 {
				status = http.StatusOK
			}
			writeResponse(c, status, resp, p.Secret)
		}
		c.Set(CtxOutcome, outcome)
		if obs != nil {
			obs.ObserveRelay(p.Name, outcome, status, time.Since(start))
		}
	}
}

func run[In, Out any](c *gin.Context, p Provider[In, Out]) (resp *Response, rerr *Error) {
	defer func() {
		if v := recover(); v != nil {
			resp = nil
			rerr = Internal(p.Fallback, fmt.Errorf("panic: %v", v))
		}
	}()

	if strings.TrimSpace(p.Secret) == "" {
		return nil, ConfigMissing(p.Label)
	}

	body, err := readBody(c.Request)
	if err != nil {
		return nil, AsError(err, p.Fallback)
	}
	in, err := p.Decode(body)
	if err != nil {
		return nil, AsError(err, p.Fallback)
	}

	callStart := time.Now()
	out, err := p.Call(c.Request.Context(), p.Secret, in)
	c.Set(CtxUpstreamMs, time.Since(callStart).Milliseconds())
	if r, ok := any(out).(upstreamStatusReporter); ok && r != nil {
		if st := r.UpstreamStatus(); st > 0 {
			c.Set(CtxUpstreamStatus, st)
		}
	}
	if err != nil {
		rerr := AsError(err, p.Fallback)
		if rerr.Kind == KindUpstream && rerr.Status > 0 {
			c.Set(CtxUpstreamStatus, rerr.Status)
		}
		return nil, rerr
	}

	resp, err = p.Shape(out)
	if err != nil {
		return nil, AsError(err, p.Fallback)
	}
	if resp == nil {
		return nil, Internal(p.Fallback, errors.New("provider returned no response"))
	}
	return resp, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	b, err := ioReadAllLimit(r.Body, MaxBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		return nil, InvalidInput("Request body too large.")
	}
	if err != nil {
		return nil, InvalidInput(msgBodyNotObject)
	}
	return b, nil
}

var errBodyTooLarge = errors.New("request body too large")

func ioReadAllLimit(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, rc, limit+1); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}

func writeResponse(c *gin.Context, status int, resp *Response, secret string) {
	if resp.Raw != nil {
		c.Data(status, "application/json; charset=utf-8", Redact(resp.Raw, secret))
		return
	}
	writeJSON(c, status, resp.JSON, secret)
}

func writeError(c *gin.Context, status int, e *Error, secret string) {
	body := gin.H{"error": RedactString(e.Message, secret)}
	if e.Kind == KindUpstream {
		body["status_code"] = status
	}
	writeJSON(c, status, body, secret)
	c.Abort()
}

func writeJSON(c *gin.Context, status int, v any, secret string) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// keep the secret's bytes literal so Redact can find them
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Printf("relay: encode response failed: %v", err)
		c.Data(http.StatusInternalServerError, "application/json; charset=utf-8", []byte(`{"error":"`+defaultFallback+`"}`))
		return
	}
	c.Data(status, "application/json; charset=utf-8", Redact(bytes.TrimRight(buf.Bytes(), "\n"), secret))
}

func logFailure(c *gin.Context, provider string, status int, e *Error, secret string) {
	rid := strings.TrimSpace(c.GetString(requestid.HeaderKey))
	log.Printf("relay %s failed: request_id=%s kind=%s status=%d: %s",
		provider, rid, e.Kind, status, RedactString(e.Error(), secret))
}

// Redact replaces every occurrence of secret in b.
func Redact(b []byte, secret string) []byte {
	if secret == "" || len(b) == 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte(secret), []byte(redacted))
}

func RedactString(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redacted)
}

const redacted = "[REDACTED]"
