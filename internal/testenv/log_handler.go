// Package testenv holds helpers shared by parcelsync tests.
package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// TestLogHandler is a slog.Handler that renders the message index (starting
// from 0), level and message content without the timestamp, so test log
// output is deterministic. Records are kept for assertions and optionally
// written to an io.Writer. It is safe for concurrent use; handlers derived
// with WithAttrs or WithGroup share the same record list.
type TestLogHandler struct {
	shared *logRecords
	attrs  []slog.Attr
	groups []string
}

type logRecords struct {
	mu          sync.Mutex
	lines       []string
	out         io.Writer
	ignoreDebug bool
}

// TestLogHandlerOption is a function that configures a TestLogHandler.
type TestLogHandlerOption func(*logRecords)

// WithOutput also writes every rendered line to w.
func WithOutput(w io.Writer) TestLogHandlerOption {
	return func(r *logRecords) { r.out = w }
}

// WithIgnoreDebug configures the handler to ignore DEBUG level messages.
func WithIgnoreDebug() TestLogHandlerOption {
	return func(r *logRecords) { r.ignoreDebug = true }
}

func NewTestLogHandler(opts ...TestLogHandlerOption) *TestLogHandler {
	shared := &logRecords{}
	for _, opt := range opts {
		opt(shared)
	}
	return &TestLogHandler{shared: shared}
}

//nolint:gocritic
func (h *TestLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.shared.ignoreDebug {
		return nil
	}

	attrs := h.attrsToString(&r)

	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()

	line := fmt.Sprintf("[%d] %s: %s", len(h.shared.lines), r.Level, r.Message)
	if attrs != "" {
		line += " " + attrs
	}
	h.shared.lines = append(h.shared.lines, line)
	if h.shared.out != nil {
		_, _ = fmt.Fprintln(h.shared.out, line)
	}
	return nil
}

// Lines returns every rendered line so far.
func (h *TestLogHandler) Lines() []string {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return append([]string(nil), h.shared.lines...)
}

// Contains reports whether any message starts with prefix.
func (h *TestLogHandler) Contains(prefix string) bool {
	for _, line := range h.Lines() {
		_, rest, _ := strings.Cut(line, ": ")
		if strings.HasPrefix(rest, prefix) {
			return true
		}
	}
	return false
}

func (h *TestLogHandler) attrsToString(r *slog.Record) string {
	var sb strings.Builder

	for i, attr := range h.attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(attr, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(a, prefix))
		return true
	})
	return sb.String()
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *TestLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level != slog.LevelDebug || !h.shared.ignoreDebug
}

func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	prefixed := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		attr.Key = prefix + attr.Key
		prefixed = append(prefixed, attr)
	}

	return &TestLogHandler{
		shared: h.shared,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], prefixed...),
		groups: h.groups,
	}
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TestLogHandler{
		shared: h.shared,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}
