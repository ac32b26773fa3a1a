package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotObject is returned when a reply parses as JSON but is not an object.
var ErrNotObject = errors.New("reply is not a JSON object")

// ParseJSONObject decodes a model reply into a field map. Markdown code
// fences around the payload are tolerated; anything else that is not a
// single JSON object is an error.
func ParseJSONObject(reply string) (map[string]any, error) {
	s := stripFences(strings.TrimSpace(reply))
	if s == "" {
		return nil, fmt.Errorf("empty reply")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode reply: trailing data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
