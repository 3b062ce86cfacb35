package server

import (
	"bytes"
	"io"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/logx"
	"github.com/r9s-ai/keyrelay/internal/relay"
	"github.com/r9s-ai/keyrelay/internal/requestid"
	"github.com/r9s-ai/keyrelay/internal/trafficdump"
)

func requestLoggerWithColor(l *log.Logger, color bool) gin.HandlerFunc {
	if l == nil {
		l = log.New(os.Stdout, "", log.LstdFlags)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]any{}
		if v := c.GetString(requestid.HeaderKey); v != "" {
			fields["request_id"] = v
		}
		if v, ok := c.Get(relay.CtxProvider); ok {
			fields["provider"] = v
		}
		if v, ok := c.Get(relay.CtxOutcome); ok {
			fields["outcome"] = v
		}
		if v, ok := c.Get(relay.CtxUpstreamStatus); ok {
			fields["upstream_status"] = v
		}
		if v, ok := c.Get(relay.CtxUpstreamMs); ok {
			fields["upstream_ms"] = v
		}

		l.Println(logx.FormatRequestLineWithColor(logx.Line{
			Time:     time.Now(),
			Status:   c.Writer.Status(),
			Latency:  time.Since(start),
			ClientIP: c.ClientIP(),
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Fields:   fields,
		}, color))
	}
}

func trafficDumpMiddleware(cfg *config.Config) gin.HandlerFunc {
	tdcfg := trafficdump.Config{
		Dir:      cfg.TrafficDump.Dir,
		FilePath: cfg.TrafficDump.FilePath,
		MaxBytes: cfg.TrafficDump.MaxBytes,
		Secrets:  cfg.Secrets(),
	}
	return func(c *gin.Context) {
		rec, err := trafficdump.Start(c, tdcfg)
		if err != nil {
			log.Printf("traffic dump: %v", err)
			c.Next()
			return
		}
		defer rec.Close()
		limit := rec.CaptureLimit()

		if c.Request.Body != nil {
			head, _ := io.ReadAll(io.LimitReader(c.Request.Body, int64(limit)))
			// the relay still sees the whole body and enforces its own limit
			c.Request.Body = readCloser{
				Reader: io.MultiReader(bytes.NewReader(head), c.Request.Body),
				Closer: c.Request.Body,
			}
			rec.AppendOriginRequest(head)
		}

		cw := &captureWriter{ResponseWriter: c.Writer, limit: limit}
		c.Writer = cw
		c.Next()
		rec.AppendProxyResponse(cw.Status(), cw.buf.Bytes())
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// captureWriter keeps the first limit bytes of the response body.
type captureWriter struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) capture(b []byte) {
	room := w.limit - w.buf.Len()
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	w.buf.Write(b)
}
