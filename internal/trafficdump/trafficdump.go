// Package trafficdump writes one debug file per request containing the
// origin request, the upstream exchange and the proxy response.
//
// Secrets are always masked: credential headers, credential query
// parameters and every configured secret value are replaced before anything
// reaches disk.
package trafficdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/keyrelay/internal/requestid"
)

type recorderCtxKey struct{}

const redacted = "[REDACTED]"

// DefaultMaxBytes caps each dumped body when Config.MaxBytes is zero.
const DefaultMaxBytes = 1 << 20

type Config struct {
	Dir      string
	FilePath string
	// MaxBytes caps each dumped body. Zero means DefaultMaxBytes.
	MaxBytes int
	// Secrets are raw values to scrub from every dumped line.
	Secrets []string
}

type Recorder struct {
	mu       sync.Mutex
	f        *os.File
	maxBytes int
	secrets  []string
	closed   bool
}

// Start opens the dump file for the request in c and attaches the recorder
// to the request context.
//
// Template variables for cfg.FilePath:
//   - {{.request_id}}
func Start(c *gin.Context, cfg Config) (*Recorder, error) {
	if c == nil || c.Request == nil {
		return nil, errors.New("context is nil")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("traffic_dump.dir is empty")
	}
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, errors.New("traffic_dump.file_path is empty")
	}
	if cfg.MaxBytes < 0 {
		return nil, errors.New("traffic_dump.max_bytes must be non-negative")
	}

	rid := strings.TrimSpace(c.GetString(requestid.HeaderKey))
	if rid == "" {
		rid = requestid.Gen()
		c.Set(requestid.HeaderKey, rid)
		c.Header(requestid.HeaderKey, rid)
	}

	tmpl, err := template.New("path").Parse(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string{"request_id": rid}); err != nil {
		return nil, err
	}

	dir := strings.TrimSpace(cfg.Dir)
	path := filepath.Join(dir, buf.String())
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from configured dump dir and template.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	r := &Recorder{
		f:        f,
		maxBytes: maxBytes,
		secrets:  nonEmpty(cfg.Secrets),
	}
	c.Request = c.Request.WithContext(WithRecorder(c.Request.Context(), r))

	r.writeLine("=== META ===")
	r.writeLine(fmt.Sprintf("time=%s", time.Now().Format(time.RFC3339)))
	r.writeLine(fmt.Sprintf("request_id=%s", rid))
	r.writeLine(fmt.Sprintf("method=%s", c.Request.Method))
	r.writeLine(fmt.Sprintf("path=%s", maskURL(c.Request.URL.String())))
	r.writeLine(fmt.Sprintf("client_ip=%s", c.ClientIP()))
	r.writeHeaders(c.Request.Header)
	r.writeLine("")
	return r, nil
}

func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderCtxKey{}, r)
}

// FromContext returns the recorder attached to ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(recorderCtxKey{}).(*Recorder)
	return r
}

func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	_ = r.f.Close()
}

// CaptureLimit is how many body bytes a caller should hand to the recorder:
// MaxBytes plus room for the longest secret, so a secret crossing the
// MaxBytes boundary is still seen whole and scrubbed.
func (r *Recorder) CaptureLimit() int {
	if r == nil {
		return 0
	}
	longest := 0
	for _, sec := range r.secrets {
		longest = max(longest, len(sec))
	}
	return r.maxBytes + longest
}

func (r *Recorder) AppendOriginRequest(body []byte) {
	if r == nil {
		return
	}
	r.writeBlock("=== ORIGIN REQUEST ===", body)
}

func (r *Recorder) AppendUpstreamRequest(method, rawURL string, headers map[string][]string, body []byte) {
	if r == nil {
		return
	}
	r.writeLine("=== UPSTREAM REQUEST ===")
	r.writeLine(fmt.Sprintf("%s %s", method, maskURL(rawURL)))
	r.writeHeaders(headers)
	r.writeLine("")
	r.writeBlock("", body)
}

func (r *Recorder) AppendUpstreamResponse(statusLine string, headers map[string][]string, body []byte) {
	if r == nil {
		return
	}
	r.writeLine("=== UPSTREAM RESPONSE ===")
	r.writeLine(statusLine)
	r.writeHeaders(headers)
	r.writeLine("")
	r.writeBlock("", body)
}

func (r *Recorder) AppendUpstreamError(err error) {
	if r == nil || err == nil {
		return
	}
	r.writeLine("=== UPSTREAM ERROR ===")
	r.writeLine(err.Error())
	r.writeLine("")
}

func (r *Recorder) AppendProxyResponse(status int, body []byte) {
	if r == nil {
		return
	}
	r.writeLine("=== PROXY RESPONSE ===")
	r.writeLine(fmt.Sprintf("status=%d", status))
	r.writeBlock("", body)
}

func (r *Recorder) writeHeaders(headers map[string][]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.writeLine("headers:")
	for _, k := range keys {
		for _, v := range headers[k] {
			r.writeLine(fmt.Sprintf("  %s: %s", k, maskHeader(k, v)))
		}
	}
}

func (r *Recorder) writeLine(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_, _ = r.f.WriteString(r.scrub(s))
	_, _ = r.f.WriteString("\n")
}

func (r *Recorder) writeBlock(title string, content []byte) {
	truncated := false
	if r.maxBytes > 0 && len(content) > r.maxBytes {
		content = content[:r.cutPoint(content, r.maxBytes)]
		truncated = true
	}
	s := r.scrub(string(content))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if title != "" {
		_, _ = r.f.WriteString(title)
		_, _ = r.f.WriteString("\n")
	}
	_, _ = r.f.WriteString(s)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		_, _ = r.f.WriteString("\n")
	}
	if truncated {
		_, _ = r.f.WriteString("[truncated]\n")
	}
	_, _ = r.f.WriteString("\n")
}

// cutPoint returns the largest offset <= n that does not split an
// occurrence of a secret in b.
func (r *Recorder) cutPoint(b []byte, n int) int {
	for moved := true; moved; {
		moved = false
		for _, sec := range r.secrets {
			lo := max(n-len(sec)+1, 0)
			hi := min(n+len(sec)-1, len(b))
			if lo >= hi {
				continue
			}
			if i := bytes.Index(b[lo:hi], []byte(sec)); i >= 0 && lo+i < n {
				n = lo + i
				moved = true
			}
		}
	}
	return n
}

func (r *Recorder) scrub(s string) string {
	for _, sec := range r.secrets {
		s = strings.ReplaceAll(s, sec, redacted)
	}
	return s
}

func maskHeader(key, val string) string {
	lk := strings.ToLower(key)
	if strings.Contains(lk, "authorization") ||
		strings.Contains(lk, "api-key") ||
		lk == "cookie" ||
		strings.Contains(lk, "token") {
		return redacted
	}
	return val
}

func maskURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if len(q) == 0 {
		return rawURL
	}
	changed := false
	for k := range q {
		if !isSecretParam(k) {
			continue
		}
		q.Set(k, redacted)
		changed = true
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isSecretParam(k string) bool {
	lk := strings.ToLower(strings.TrimSpace(k))
	if lk == "" {
		return false
	}
	// TMDB uses api_key, Gemini accepts key.
	if lk == "key" || lk == "api_key" || lk == "apikey" {
		return true
	}
	return strings.Contains(lk, "token") || strings.Contains(lk, "secret")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
