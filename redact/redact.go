// Package redact implements the Sensitive-Data Filter of spec.md section
// 4.10: a pattern-based redactor applied to every log record before
// emission. It follows the teacher's plain-function, no-framework
// approach to cross-cutting concerns (no log/slog middleware chain
// exists in the teacher, so this is wired as an slog.Handler wrapper
// instead, the idiomatic Go equivalent of "applied uniformly to all log records").
package redact

import (
	"context"
	"log/slog"
	"regexp"
)

// patterns are matched in order against every string-valued log
// attribute and message. The whole match is the sensitive span; mask keeps
// a leading scheme word such as "Bearer" readable.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_.=]{8,}`),
	regexp.MustCompile(`(?i)\b(?:sk|pk|api|key)[-_][A-Za-z0-9]{12,}\b`),
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{9,}\b`),
	regexp.MustCompile(`(?i)\b[0-9A-HJ-NPR-Z]{11,17}\b`), // VIN/DIN/serial-number style literals
	regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), // gateway/device UUIDs
}

// String redacts sensitive substrings within s, keeping the first 4 and
// last 4 characters of each matched span and replacing the middle with "...".
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllStringFunc(s, mask)
	}
	return s
}

func mask(match string) string {
	// Only mask the sensitive token itself, not a leading scheme word
	// like "Bearer " - find the last whitespace-delimited word in the match.
	if idx := lastSpace(match); idx >= 0 {
		return match[:idx+1] + maskToken(match[idx+1:])
	}
	return maskToken(match)
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Handler wraps an slog.Handler, redacting the message and every string
// attribute value before passing the record on, per spec.md section
// 4.10's "must preserve the argument types of structured log calls when
// no redaction occurred" rule: non-string attribute values, and strings
// that match no pattern, pass through untouched.
type Handler struct {
	next slog.Handler
}

func NewHandler(next slog.Handler) *Handler {
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	redacted := record.Clone()
	redacted.Message = String(record.Message)

	attrs := make([]slog.Attr, 0, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, redactAttr(a))
		return true
	})

	out := slog.NewRecord(redacted.Time, redacted.Level, redacted.Message, redacted.PC)
	out.Add(attrsToAny(attrs)...)
	return h.next.Handle(ctx, out)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		redactedStr := String(a.Value.String())
		if redactedStr != a.Value.String() {
			return slog.String(a.Key, redactedStr)
		}
	}
	return a
}

func attrsToAny(attrs []slog.Attr) []interface{} {
	out := make([]interface{}, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a)
	}
	return out
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &Handler{next: h.next.WithAttrs(redacted)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}
