package signals

import "strings"

// Keys whose values are replaced on the wait return path. Matching is
// case-insensitive. The bus-resident value is never touched.
var sensitiveKeys = map[string]bool{
	"openai_api_key": true,
	"api_key":        true,
	"token":          true,
	"authorization":  true,
	"password":       true,
	"secret":         true,
}

const redactedValue = "[REDACTED]"

// redactMessage returns a copy of a signal message with sensitive keys in the
// inner payload replaced. The original map is left unchanged.
func redactMessage(message map[string]any) map[string]any {
	out := make(map[string]any, len(message))
	for k, v := range message {
		if k == "payload" {
			if inner, ok := v.(map[string]any); ok {
				out[k] = redactMap(inner)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
