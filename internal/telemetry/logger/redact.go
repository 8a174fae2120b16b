package logger

import (
	"log/slog"
	"strings"
)

// redactedPlaceholder replaces credential values in log output.
const redactedPlaceholder = "[REDACTED]"

var sensitiveKeys = []string{"password", "secret", "credential", "token"}

// redactSensitive masks attribute values whose keys look credential-bearing.
func redactSensitive(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redactedPlaceholder)
		}
	}
	return a
}
