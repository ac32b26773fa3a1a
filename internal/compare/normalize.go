// Package compare cross-checks two structured DDT extractions field by field.
package compare

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Normalize canonicalizes a field value for comparison. The boolean is false
// when the value is absent: nil, empty, or blank after normalization.
func Normalize(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s := strings.ToLower(stringify(v))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return isTrailingPunct(r) || unicode.IsSpace(r)
	})
	return s, s != ""
}

func isTrailingPunct(r rune) bool {
	switch r {
	case '.', ',', ';', ':':
		return true
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
