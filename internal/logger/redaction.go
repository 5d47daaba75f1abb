package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks secrets that collaborators or configuration may leak into
// log lines.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Provider API keys
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),

			// Credentials embedded in URLs, e.g. database DSNs
			regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`),

			regexp.MustCompile(`(?i)password["\s:=]+[^\s",]+`),
			regexp.MustCompile(`(?i)(api[_-]?key|token)["\s:=]+[a-zA-Z0-9._-]{16,}`),
			regexp.MustCompile(`(?i)secret["\s:=]+[^\s",]+`),

			// AWS access keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers do not know about the
// rewritten length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
