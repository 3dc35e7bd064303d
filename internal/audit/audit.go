// Package audit records who ran which command against which settings.
// Credential values never reach the log; only whether they are set.
package audit

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/54b3r/casechat/internal/config"
)

// secretWords mark a variable as a credential when they appear as one of
// the underscore-separated words of its name.
var secretWords = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "DSN"}

// extraKeys are audited although no YAML field feeds them.
var extraKeys = []string{"BEDROCK_API_KEY", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"}

// LogCommandStart writes one audit record for a CLI invocation.
func LogCommandStart(log *slog.Logger, command, configPath string) {
	keys := Keys()
	attrs := make([]slog.Attr, 0, len(keys)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", displayPath(configPath)),
	)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, SanitiseKey(k, os.Getenv(k))))
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// Keys is every audited variable.
func Keys() []string {
	return append(config.Keys(), extraKeys...)
}

// IsSecret reports whether the variable holds a credential.
func IsSecret(key string) bool {
	for _, w := range strings.Split(strings.ToUpper(key), "_") {
		if slices.Contains(secretWords, w) {
			return true
		}
	}
	return false
}

// SanitiseKey is the value safe to log for key: "set" or "unset" for
// credentials, the value itself otherwise.
func SanitiseKey(key, value string) string {
	switch {
	case value == "":
		return "unset"
	case IsSecret(key):
		return "set"
	default:
		return value
	}
}

// displayPath abbreviates the home directory so usernames stay out of logs.
func displayPath(p string) string {
	if p == "" {
		return "none"
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if rest, ok := strings.CutPrefix(p, home); ok && (rest == "" || rest[0] == os.PathSeparator) {
			return "~" + rest
		}
	}
	return p
}
