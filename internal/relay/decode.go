package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const msgBodyNotObject = "Request body must be a JSON object."

// DecodeObject parses body as a JSON object. Numbers are kept as
// json.Number so they can be forwarded in their original textual form.
func DecodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, InvalidInput(msgBodyNotObject)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, InvalidInput(msgBodyNotObject)
	}
	// reject trailing data such as `{"a":1} {"b":2}`
	if dec.More() {
		return nil, InvalidInput(msgBodyNotObject)
	}
	return obj, nil
}

// RequiredString returns obj[field] when it is a string with non-blank
// content. Otherwise it fails with an InvalidInput error carrying msg.
func RequiredString(obj map[string]any, field, msg string) (string, error) {
	s, ok := obj[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", InvalidInput(msg)
	}
	return s, nil
}

// StringMap converts an optional JSON object into query-style string values.
// Absent and null give an empty map. null members are dropped; arrays and
// objects are encoded as compact JSON.
func StringMap(v any, msg string) (map[string]string, error) {
	out := map[string]string{}
	if v == nil {
		return out, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, InvalidInput(msg)
	}
	for k, raw := range obj {
		switch t := raw.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = fmt.Sprintf("%t", t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, InvalidInput(msg)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// DecodePrompt validates a {"prompt": "..."} body.
func DecodePrompt(body []byte) (string, error) {
	obj, err := DecodeObject(body)
	if err != nil {
		return "", err
	}
	return RequiredString(obj, "prompt", "No prompt provided")
}
