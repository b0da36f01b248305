package security

import (
	"errors"
	"os"
	"strings"

	"github.com/treykane/hshell/internal/fault"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

var kindHints = map[fault.Kind]string{
	fault.Config:    "invalid configuration",
	fault.Auth:      "authentication failed",
	fault.Transport: "could not reach server",
	fault.Trust:     "host key verification failed",
	fault.Bind:      "local port unavailable",
	fault.Relay:     "tunnel session failed",
	fault.Liveness:  "connection lost",
}

// Classify turns a fault.Error into a ClassifiedError whose user-safe text
// names the failure kind and target. Other errors are returned unchanged.
func Classify(err error) error {
	var fe *fault.Error
	if err == nil || !errors.As(err, &fe) {
		return err
	}
	msg := kindHints[fe.Kind]
	if msg == "" {
		msg = "operation failed"
	}
	if fe.Target != "" {
		msg += " (" + fe.Target + ")"
	}
	if fe.Kind == fault.Trust || fe.Kind == fault.Bind || fe.Kind == fault.Config {
		// The cause is actionable for these; keep it visible.
		if fe.Err != nil {
			msg += ": " + fe.Err.Error()
		}
	}
	return &ClassifiedError{UserSafe: msg, DebugDetail: err.Error()}
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		if c, ok := Classify(err).(*ClassifiedError); ok {
			ce = c
		}
	}
	msg := err.Error()
	if ce != nil {
		msg = ce.Error()
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage strips the home directory and key file names from
// user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	if strings.Contains(out, "/.ssh/") {
		out = strings.ReplaceAll(out, "/.ssh/", "/.ssh/[redacted]/")
	}
	return out
}
