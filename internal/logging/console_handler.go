package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

// consoleFieldLimit caps key=value pairs on non-debug lines; the rest are
// counted as "(+N more)".
const consoleFieldLimit = 6

// consoleFieldOrder lists keys printed ahead of everything else, in order.
var consoleFieldOrder = []string{
	FieldStatus,
	FieldEventType,
	"error",
	FieldErrorHint,
	FieldImpact,
	"operation",
	"http_status",
	"interval",
	"failures",
}

type kv struct {
	key   string
	value slog.Value
}

// lockedWriter serialises writes from every handler derived from one logger.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(p)
	return err
}

// consoleHandler renders one line per record:
//
//	2026-01-02 15:04:05.000 INFO poller · story/st-1 · req 1a2b3c4d: tick failed status=started ...
//
// The component, entity key and request id form the subject; remaining
// attributes follow as key=value pairs.
type consoleHandler struct {
	out       *lockedWriter
	level     slog.Leveler
	addSource bool
	prefix    string
	fields    []kv
}

func newConsoleHandler(w io.Writer, level slog.Leveler, addSource bool) *consoleHandler {
	return &consoleHandler{out: &lockedWriter{w: w}, level: level, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]kv, len(h.fields), len(h.fields)+record.NumAttrs())
	copy(fields, h.fields)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendAttr(fields, h.prefix, attr)
		return true
	})
	subject, rest := splitSubject(dedupeFields(fields))

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.Grow(96 + len(rest)*24)
	b.WriteString(formatTimestamp(ts))
	b.WriteByte(' ')
	b.WriteString(levelLabel(record.Level))
	b.WriteByte(' ')
	if s := subject.String(); s != "" {
		b.WriteString(s)
		b.WriteString(": ")
	}
	if msg := strings.TrimSpace(record.Message); msg != "" {
		b.WriteString(msg)
	} else {
		b.WriteString("(no message)")
	}
	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		fmt.Fprintf(&b, " [%s:%d]", filepath.Base(frame.File), frame.Line)
	}

	limit := consoleFieldLimit
	if h.addSource {
		limit = 0
	}
	shown, hidden := orderFields(rest, limit)
	for _, f := range shown {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.value))
	}
	if hidden > 0 {
		fmt.Fprintf(&b, " (+%d more)", hidden)
	}
	b.WriteByte('\n')
	return h.out.write([]byte(b.String()))
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.fields = slices.Clip(h.fields)
	for _, attr := range attrs {
		clone.fields = appendAttr(clone.fields, h.prefix, attr)
	}
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// appendAttr flattens groups into dotted keys.
func appendAttr(dst []kv, prefix string, attr slog.Attr) []kv {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	if attr.Value.Kind() == slog.KindGroup {
		if attr.Key != "" {
			prefix += attr.Key + "."
		}
		for _, member := range attr.Value.Group() {
			dst = appendAttr(dst, prefix, member)
		}
		return dst
	}
	if attr.Key == "" {
		return dst
	}
	return append(dst, kv{key: prefix + attr.Key, value: attr.Value})
}

// dedupeFields keeps one entry per key; a later value replaces an earlier
// one in place.
func dedupeFields(fields []kv) []kv {
	index := make(map[string]int, len(fields))
	out := make([]kv, 0, len(fields))
	for _, f := range fields {
		if i, ok := index[f.key]; ok {
			out[i] = f
			continue
		}
		index[f.key] = len(out)
		out = append(out, f)
	}
	return out
}

type subject struct {
	component string
	entityKey string
	requestID string
}

func (s subject) String() string {
	parts := make([]string, 0, 3)
	if s.component != "" {
		parts = append(parts, s.component)
	}
	if s.entityKey != "" {
		parts = append(parts, s.entityKey)
	}
	if s.requestID != "" {
		parts = append(parts, "req "+shortID(s.requestID))
	}
	return strings.Join(parts, " · ")
}

func splitSubject(fields []kv) (subject, []kv) {
	var s subject
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case FieldComponent:
			s.component = attrString(f.value)
		case FieldEntityKey:
			s.entityKey = attrString(f.value)
		case FieldRequestID:
			s.requestID = attrString(f.value)
		default:
			rest = append(rest, f)
		}
	}
	return s, rest
}

// shortID trims uuid request ids to their first block.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// orderFields moves consoleFieldOrder keys to the front and applies limit
// (0 means unlimited), returning how many fields were left out.
func orderFields(fields []kv, limit int) ([]kv, int) {
	rank := func(key string) int {
		if i := slices.Index(consoleFieldOrder, key); i >= 0 {
			return i
		}
		return len(consoleFieldOrder)
	}
	slices.SortStableFunc(fields, func(a, b kv) int { return rank(a.key) - rank(b.key) })
	if limit <= 0 || len(fields) <= limit {
		return fields, 0
	}
	return fields[:limit], len(fields) - limit
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
