// Package envconfig centralizes the "environment variable with a
// documented default" lookup every cmd/* entry point repeats, following
// the same override idiom internal/paths uses for its own fields.
package envconfig

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// String returns the named environment variable, or def if unset/empty.
func String(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Int parses the named environment variable as an integer, or returns
// def if unset or unparsable.
func Int(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Int64 parses the named environment variable as an int64, or returns
// def if unset or unparsable.
func Int64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Seconds reads the named environment variable as a count of seconds and
// converts it to a Duration, or returns def if unset or unparsable.
func Seconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Minutes is Seconds' counterpart for variables documented in minutes.
func Minutes(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

// Bool parses the named environment variable as a boolean-ish flag:
// "1", "true", "yes", "on" (case-insensitive) are true; anything else
// present is false; unset returns def.
func Bool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Regexp compiles the named environment variable as a regular
// expression, or returns def if unset or the pattern fails to compile.
func Regexp(name string, def *regexp.Regexp) *regexp.Regexp {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	re, err := regexp.Compile(v)
	if err != nil {
		return def
	}
	return re
}
