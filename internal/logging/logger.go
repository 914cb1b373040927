// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"accesstoken",
	"access_token",
	"refreshtoken",
	"refresh_token",
	"idtoken",
	"id_token",
	"token",
	"password",
	"secret",
	"clientsecret",
	"client_secret",
	"credentials",
	"private_key",
	"privatekey",
	"certificate",
}

var (
	// jsonStringField matches "key":"value" pairs in zerolog's JSON output.
	jsonStringField = regexp.MustCompile(`"([A-Za-z0-9_\-]+)":"((?:[^"\\]|\\.)*)"`)
	// bearerToken matches Authorization header values echoed by az --debug.
	bearerToken = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.=]+`)
)

// RedactingWriter wraps an io.Writer and masks secret field values before
// they reach the underlying writer.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (n int, err error) {
	if _, err := rw.inner.Write([]byte(Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Redact masks the values of secret fields and bearer tokens in a log line.
func Redact(line string) string {
	line = jsonStringField.ReplaceAllStringFunc(line, func(m string) string {
		sub := jsonStringField.FindStringSubmatch(m)
		if len(sub) != 3 || !IsSecretField(sub[1]) || sub[2] == "" {
			return m
		}
		return `"` + sub[1] + `":"` + RedactValue(sub[2]) + `"`
	})
	return bearerToken.ReplaceAllStringFunc(line, func(m string) string {
		fields := strings.Fields(m)
		return fields[0] + " " + RedactValue(fields[len(fields)-1])
	})
}

// NewLogger creates a console logger on stderr with secret redaction.
func NewLogger(level string, workspaceUUID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(NewRedactingWriter(writer)).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "azenumrbac").
		Logger()

	if workspaceUUID != "" {
		logger = logger.With().Str("workspace_uuid", workspaceUUID).Logger()
	}

	return logger
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(NewRedactingWriter(w)).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "azenumrbac").
		Logger()
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
