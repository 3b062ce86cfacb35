package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type echoIn struct{ Prompt string }

type echoOut struct {
	text   string
	status int
}

func (o *echoOut) UpstreamStatus() int {
	if o == nil {
		return 0
	}
	return o.status
}

type recordingObserver struct {
	provider string
	outcome  string
	status   int
	calls    int
}

func (o *recordingObserver) ObserveRelay(provider, outcome string, status int, _ time.Duration) {
	o.provider, o.outcome, o.status = provider, outcome, status
	o.calls++
}

func newEchoProvider(secret string, calls *int) Provider[echoIn, *echoOut] {
	return Provider[echoIn, *echoOut]{
		Name:   "echo",
		Label:  "Echo",
		Secret: secret,
		Decode: func(body []byte) (echoIn, error) {
			obj, err := DecodeObject(body)
			if err != nil {
				return echoIn{}, err
			}
			p, err := RequiredString(obj, "prompt", "No prompt provided")
			if err != nil {
				return echoIn{}, err
			}
			return echoIn{Prompt: p}, nil
		},
		Call: func(_ context.Context, secret string, in echoIn) (*echoOut, error) {
			*calls++
			switch in.Prompt {
			case "fail-upstream":
				return nil, Upstream(http.StatusNotFound, "upstream said no", nil)
			case "fail-transport":
				return nil, Transport("network down", errors.New("dial tcp: key="+secret))
			case "fail-untagged":
				return nil, errors.New("boom " + secret)
			case "panic":
				panic("kaboom")
			case "leak":
				return &echoOut{text: "the key is " + secret, status: 200}, nil
			}
			return &echoOut{text: "echo: " + in.Prompt, status: 200}, nil
		},
		Shape: func(out *echoOut) (*Response, error) {
			return &Response{Status: http.StatusOK, JSON: gin.H{"text": out.text}}, nil
		},
		Fallback: "An unexpected server error occurred.",
	}
}

func serve(t *testing.T, h gin.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", h)
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHandler_MissingSecretAlwaysConfigError(t *testing.T) {
	for _, body := range []string{"", "not json", `{"prompt":"hi"}`, `[]`} {
		calls := 0
		obs := &recordingObserver{}
		w := serve(t, Handler(newEchoProvider("", &calls), obs), body)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("body=%q code=%d", body, w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "Echo API key is not configured on the server." {
			t.Fatalf("body=%q error=%v", body, got)
		}
		if calls != 0 {
			t.Fatalf("upstream must not be called")
		}
		if obs.outcome != "config_missing" || obs.status != 500 {
			t.Fatalf("observer=%+v", obs)
		}
	}
}

func TestHandler_InvalidInputNoUpstreamCall(t *testing.T) {
	cases := map[string]string{
		"":                 msgBodyNotObject,
		"{bad":             msgBodyNotObject,
		`"str"`:            msgBodyNotObject,
		`{"a":1} {"b":2}`:  msgBodyNotObject,
		`{}`:               "No prompt provided",
		`{"prompt":null}`:  "No prompt provided",
		`{"prompt":""}`:    "No prompt provided",
		`{"prompt":"   "}`: "No prompt provided",
		`{"prompt":42}`:    "No prompt provided",
	}
	for body, want := range cases {
		calls := 0
		w := serve(t, Handler(newEchoProvider("sk", &calls), nil), body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body=%q code=%d", body, w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != want {
			t.Fatalf("body=%q error=%v want=%q", body, got, want)
		}
		if calls != 0 {
			t.Fatalf("body=%q: upstream must not be called", body)
		}
	}
}

func TestHandler_Success(t *testing.T) {
	calls := 0
	obs := &recordingObserver{}
	w := serve(t, Handler(newEchoProvider("sk", &calls), obs), `{"prompt":"Say hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["text"]; got != "echo: Say hi" {
		t.Fatalf("text=%v", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
	if obs.calls != 1 || obs.provider != "echo" || obs.outcome != "ok" || obs.status != 200 {
		t.Fatalf("observer=%+v", obs)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		prompt     string
		wantStatus int
		wantError  string
		wantCode   bool
	}{
		{"fail-upstream", http.StatusNotFound, "upstream said no", true},
		{"fail-transport", http.StatusServiceUnavailable, "network down", false},
		{"fail-untagged", http.StatusInternalServerError, "An unexpected server error occurred.", false},
		{"panic", http.StatusInternalServerError, "An unexpected server error occurred.", false},
	}
	for _, tc := range cases {
		t.Run(tc.prompt, func(t *testing.T) {
			calls := 0
			w := serve(t, Handler(newEchoProvider("sk-secret-value", &calls), nil), `{"prompt":"`+tc.prompt+`"}`)
			if w.Code != tc.wantStatus {
				t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
			}
			out := decodeBody(t, w)
			if out["error"] != tc.wantError {
				t.Fatalf("error=%v", out["error"])
			}
			_, hasCode := out["status_code"]
			if hasCode != tc.wantCode {
				t.Fatalf("status_code present=%v body=%s", hasCode, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "sk-secret-value") {
				t.Fatalf("secret leaked: %s", w.Body.String())
			}
			if calls != 1 {
				t.Fatalf("calls=%d", calls)
			}
		})
	}
}

func TestHandler_SecretRedactedFromSuccessBody(t *testing.T) {
	calls := 0
	w := serve(t, Handler(newEchoProvider("sk-secret-value", &calls), nil), `{"prompt":"leak"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	if strings.Contains(w.Body.String(), "sk-secret-value") {
		t.Fatalf("secret leaked: %s", w.Body.String())
	}
	if got := decodeBody(t, w)["text"]; got != "the key is [REDACTED]" {
		t.Fatalf("text=%v", got)
	}
}

func TestHandler_RawResponseVerbatim(t *testing.T) {
	p := Provider[string, []byte]{
		Name:   "raw",
		Label:  "Raw",
		Secret: "sk",
		Decode: func(body []byte) (string, error) { return "", nil },
		Call: func(context.Context, string, string) ([]byte, error) {
			return []byte(`{"title":"Fight Club"}`), nil
		},
		Shape: func(b []byte) (*Response, error) { return &Response{Raw: b}, nil },
	}
	w := serve(t, Handler(p, nil), `{}`)
	if w.Code != http.StatusOK || w.Body.String() != `{"title":"Fight Club"}` {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{nil, 200},
		{ConfigMissing("X"), 500},
		{InvalidInput("x"), 400},
		{Upstream(404, "x", nil), 404},
		{Upstream(429, "x", nil), 429},
		{Upstream(0, "x", nil), 502},
		{Upstream(302, "x", nil), 502},
		{Transport("x", nil), 503},
		{Internal("x", nil), 500},
	}
	for _, tc := range cases {
		if got := StatusOf(tc.err); got != tc.want {
			t.Fatalf("StatusOf(%v)=%d want=%d", tc.err, got, tc.want)
		}
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil, "x") != nil {
		t.Fatalf("expected nil")
	}
	tagged := Transport("net", errors.New("x"))
	if got := AsError(errors.Join(errors.New("ctx"), tagged), "fb"); got != tagged {
		t.Fatalf("expected wrapped tagged error back, got %v", got)
	}
	got := AsError(errors.New("plain"), "fb")
	if got.Kind != KindInternal || got.Message != "fb" {
		t.Fatalf("got %+v", got)
	}
}

func TestStringMap(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"params":{"page":2,"ratio":1.50,"adult":false,"q":"x y","skip":null,"ids":[1,2]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := StringMap(obj["params"], "bad params")
	if err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	want := map[string]string{"page": "2", "ratio": "1.50", "adult": "false", "q": "x y", "ids": "[1,2]"}
	if len(m) != len(want) {
		t.Fatalf("got %v", m)
	}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%q want %q", k, m[k], v)
		}
	}

	if m, err := StringMap(nil, "bad"); err != nil || len(m) != 0 {
		t.Fatalf("nil params: m=%v err=%v", m, err)
	}
	if _, err := StringMap("nope", "bad params"); err == nil {
		t.Fatalf("expected error for non-object")
	} else if AsError(err, "").Kind != KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
