// Package engineerr defines the two error families the engine reports:
// configuration errors, raised while validating a request before any
// backend call, and resolution errors, raised when a backend call fails
// for a subtree of the result.
package engineerr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a request that does not fit the schema.
type ConfigError struct {
	Path     string
	Operator string
	Expected string
	Message  string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid query")
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Operator != "" {
		fmt.Fprintf(&b, " (operator %s", e.Operator)
		if e.Expected != "" {
			fmt.Fprintf(&b, ", expected %s", e.Expected)
		}
		b.WriteString(")")
	} else if e.Expected != "" {
		fmt.Fprintf(&b, " (expected %s)", e.Expected)
	}
	return b.String()
}

// Configf builds a ConfigError with a formatted message.
func Configf(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ResolutionError reports a backend failure while resolving the subtree at Path.
// Error() stays generic; the cause is available through Unwrap.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Path == "" {
		return "failed to resolve query"
	}
	return "failed to resolve " + e.Path
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsConfig reports whether err carries a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsResolution reports whether err carries a ResolutionError.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// JoinPath appends a response key to a dotted path.
func JoinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
