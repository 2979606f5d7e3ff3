package apierr

import (
	"regexp"
)

// sensitiveKey matches field names that must be redacted before an error
// or audit payload crosses a trust boundary, per spec.md section 7.
var sensitiveKey = regexp.MustCompile(`(?i)(password|secret|token|authorization|cookie|key|credential|jwt|bearer|signature|hash|salt)`)

const redactedPlaceholder = "[REDACTED]"

// Sanitize walks an arbitrary JSON-shaped value (maps, slices, scalars)
// and redacts any map value whose key matches a sensitive pattern, at
// any depth. The input is not mutated; a sanitized copy is returned.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}

// SanitizeStrict is like Sanitize but also applied when the caller has
// requested strict mode validation warnings rather than hard failures;
// kept as a distinct name so call sites document intent.
func SanitizeStrict(v any) any { return Sanitize(v) }
