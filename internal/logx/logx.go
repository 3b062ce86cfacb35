// Package logx formats the one-line access log.
package logx

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

var enableColor = isatty.IsTerminal(os.Stdout.Fd()) && strings.TrimSpace(os.Getenv("NO_COLOR")) == ""

func ColorEnabled() bool { return enableColor }

func ColorizeStatus(status int) string {
	return ColorizeStatusWith(status, enableColor)
}

func ColorizeStatusWith(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	// ANSI colors
	const (
		reset  = "\x1b[0m"
		red    = "\x1b[31m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		cyan   = "\x1b[36m"
	)
	switch {
	case status >= 200 && status < 300:
		return green + s + reset
	case status >= 300 && status < 400:
		return cyan + s + reset
	case status >= 400 && status < 500:
		return yellow + s + reset
	default:
		return red + s + reset
	}
}

// Line is one finished request.
type Line struct {
	Time     time.Time
	Status   int
	Latency  time.Duration
	ClientIP string
	Method   string
	Path     string
	Fields   map[string]any
}

// FormatRequestLine prints a single line request log.
//
// Example:
// [KEYRELAY] 2026/01/26 - 17:44:22 | 200 | 312ms | 127.0.0.1 | POST "/api/tmdb" | provider=tmdb outcome=ok upstream_status=200 upstream_ms=298 request_id=...
func FormatRequestLine(l Line) string {
	return FormatRequestLineWithColor(l, enableColor)
}

func FormatRequestLineWithColor(l Line, color bool) string {
	base := fmt.Sprintf(
		`[KEYRELAY] %s | %s | %s | %s | %s %q`,
		l.Time.Format("2006/01/02 - 15:04:05"),
		ColorizeStatusWith(l.Status, color),
		l.Latency.Round(time.Microsecond).String(),
		strings.TrimSpace(l.ClientIP),
		strings.TrimSpace(l.Method),
		l.Path,
	)
	extra := formatFields(l.Fields)
	if extra == "" {
		return base
	}
	return base + " | " + extra
}

// leading keys are printed first in this order, request_id always last.
var leading = []string{"provider", "outcome", "upstream_status", "upstream_ms"}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	pinned := map[string]struct{}{"request_id": {}}
	for _, k := range leading {
		pinned[k] = struct{}{}
	}

	rest := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := pinned[k]; ok {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)

	parts := make([]string, 0, len(fields))
	appendIfPresent := func(k string) {
		v, ok := fields[k]
		if !ok || v == nil {
			return
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			s = strings.TrimRight(strings.TrimRight(strconv.FormatFloat(t, 'f', 6, 64), "0"), ".")
			if s == "" || s == "-" {
				s = "0"
			}
		default:
			s = strings.TrimSpace(fmt.Sprintf("%v", v))
			if s == "<nil>" {
				s = ""
			}
		}
		if s == "" {
			return
		}
		parts = append(parts, k+"="+s)
	}

	for _, k := range leading {
		appendIfPresent(k)
	}
	for _, k := range rest {
		appendIfPresent(k)
	}
	appendIfPresent("request_id")
	return strings.Join(parts, " ")
}
