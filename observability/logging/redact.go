package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// plainKeys are log keys that never carry secrets: envelope fields and the
// identifiers escrow operators grep for.
var plainKeys = func() map[string]bool {
	keys := []string{
		"service", "env", "message", "severity", "timestamp", "error", "reason",
		"component", "method", "operation", "outcome", "requestid", "assetid", "caller",
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}()

// IsPlain reports whether key may be logged without masking. Matching ignores
// case and surrounding whitespace.
func IsPlain(key string) bool {
	return plainKeys[strings.ToLower(strings.TrimSpace(key))]
}

// MaskField returns key=value, replacing non-empty values of keys that are not
// plain with RedactedValue. Request signatures and idempotency keys must be
// logged through it.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) != "" && !IsPlain(key) {
		value = RedactedValue
	}
	return slog.String(key, value)
}
