package source

import (
	"strings"
	"time"
)

// ExtractText pulls searchable text out of a loosely-typed content value.
// Source documents carry content as a bare string, a {"text": ...} or
// {"Prompt": {"prompt": ...}} object, or a list of typed parts. Unknown
// shapes yield "".
func ExtractText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if prompt, ok := v["Prompt"].(map[string]any); ok {
			if text, ok := prompt["prompt"].(string); ok {
				return text
			}
			return ""
		}
		if text, ok := v["text"].(string); ok {
			return text
		}
		if text, ok := v["prompt"].(string); ok {
			return text
		}
	case []any:
		var parts []string
		for _, item := range v {
			switch part := item.(type) {
			case string:
				parts = append(parts, part)
			case map[string]any:
				if typ, _ := part["type"].(string); typ == "text" {
					if text, ok := part["text"].(string); ok {
						parts = append(parts, text)
					}
					continue
				}
				if text, ok := part["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ParseTimestamp interprets a loosely-typed timestamp: unix milliseconds as
// a number, or an ISO 8601 string. Returns the zero time when it cannot be
// parsed.
func ParseTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	case int:
		return time.UnixMilli(int64(v))
	case string:
		return parseTimeString(v)
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
