package advisory

import (
	"fmt"
	"strings"
)

// ExtractObject returns the first balanced {...} span in text. Braces inside
// JSON strings are ignored, so prose like `{"a":"}"}` extracts whole.
func ExtractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced braces", ErrMalformedJSON)
}

func anyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
