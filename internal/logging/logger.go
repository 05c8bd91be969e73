// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"secretaccesskey",
	"sessiontoken",
	"token",
	"password",
	"secret",
	"private_key",
	"privatekey",
	"credentials",
	"secret_key",
	"secretkey",
	"webhook",
	"authorization",
}

// RedactingWriter rewrites zerolog JSON events so that values of secret-named
// fields are replaced by RedactValue before reaching the inner writer.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	var evt map[string]any
	if err := json.Unmarshal(p, &evt); err != nil {
		return rw.inner.Write(p)
	}

	changed := false
	for k, v := range evt {
		if !IsSecretField(k) {
			continue
		}
		if s, ok := v.(string); ok {
			evt[k] = RedactValue(s)
			changed = true
		}
	}
	if !changed {
		return rw.inner.Write(p)
	}

	out, err := json.Marshal(evt)
	if err != nil {
		return rw.inner.Write(p)
	}
	if _, err := rw.inner.Write(append(out, '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewLogger creates the process logger. Output goes to stderr: human-readable
// when stderr is a terminal, JSON otherwise.
func NewLogger(level string, ledgerUUID string) zerolog.Logger {
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = NewConsoleLogger(os.Stderr, level)
	} else {
		logger = NewJSONLogger(os.Stderr, level)
	}

	if ledgerUUID != "" {
		logger = logger.With().Str("ledger_uuid", ledgerUUID).Logger()
	}
	return logger
}

// NewConsoleLogger creates a colorized logger for interactive use.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(&RedactingWriter{inner: writer}).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", "cloudir").
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for hosted runtimes and files.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(&RedactingWriter{inner: w}).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", "cloudir").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
