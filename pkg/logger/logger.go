// Package logger provides the slog handler used by every gateway process.
//
// Lines are written as
//
//	<name> - 18-Oct-26 09:15:04 - INFO Message key=value key2="quoted value"
package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

const timeFormat = "02-Jan-06 15:04:05"

// Options configures a Handler.
type Options struct {
	// Name prefixes every line, usually the gateway name.
	Name string
	// Level is the minimum enabled level. Defaults to slog.LevelInfo.
	Level slog.Leveler
	// Writer receives the formatted lines. Defaults to os.Stdout.
	Writer io.Writer
}

// Handler is a slog.Handler producing single-line, human readable records.
type Handler struct {
	opts   Options
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a Handler. A nil opts uses the defaults.
func NewHandler(opts *Options) *Handler {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = "gateway"
	}
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.Writer == nil {
		o.Writer = os.Stdout
	}

	return &Handler{opts: o, mu: &sync.Mutex{}}
}

// ParseLevel maps the usual level names (case-insensitive) to a slog.Level,
// falling back to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WARNING":
		return slog.LevelWarn
	case "CRITICAL", "FATAL":
		return slog.LevelError
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := &bytes.Buffer{}
	buf.WriteString(h.opts.Name)
	buf.WriteString(" - ")
	if !r.Time.IsZero() {
		buf.WriteString(r.Time.Format(timeFormat))
		buf.WriteString(" - ")
	}
	buf.WriteString(r.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(buf, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(buf, prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.opts.Writer.Write(buf.Bytes())

	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	prefix := strings.Join(h.groups, ".")
	next := h.clone()
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}

	return next
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := h.clone()
	next.groups = append(next.groups, name)

	return next
}

func (h *Handler) clone() *Handler {
	return &Handler{
		opts:   h.opts,
		mu:     h.mu,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(buf, key, ga)
		}

		return
	}

	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('=')

	s := a.Value.String()
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = strconv.Quote(s)
	}
	buf.WriteString(s)
}
