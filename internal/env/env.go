// Package env reads typed settings from environment variables. Every getter
// treats an empty variable as unset and returns the fallback for values that
// do not parse, so a typo degrades to the default instead of aborting.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the variable's value, or fallback when it is empty.
func String(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// FirstOf returns the first non-empty variable among keys.
func FirstOf(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Int parses a base-10 integer.
func Int(key string, fallback int) int {
	return parse(key, fallback, strconv.Atoi)
}

// Float32 parses a float.
func Float32(key string, fallback float32) float32 {
	return parse(key, fallback, func(s string) (float32, error) {
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	})
}

// Duration parses a Go duration such as "8s" or "1m30s".
func Duration(key string, fallback time.Duration) time.Duration {
	return parse(key, fallback, time.ParseDuration)
}

// Bool accepts the strconv.ParseBool spellings.
func Bool(key string, fallback bool) bool {
	return parse(key, fallback, strconv.ParseBool)
}

// Lower is String folded to lower case.
func Lower(key, fallback string) string {
	return strings.ToLower(String(key, fallback))
}

func parse[T any](key string, fallback T, fn func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out, err := fn(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return out
}
