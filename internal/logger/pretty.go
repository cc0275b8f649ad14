package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// componentKey is rendered as a "[name]" tag ahead of the message.
const componentKey = "component"

// PrettyHandler writes one colored line per record:
//
//	[time] LEVEL [component] message key=value ...
//
// Attributes added through WithAttrs are rendered once, when they are added.
type PrettyHandler struct {
	opts      slog.HandlerOptions
	w         io.Writer
	mu        *sync.Mutex
	group     string
	component string
	prefix    []byte
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{opts: *opts, w: w, mu: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	floor := slog.LevelInfo
	if h.opts.Level != nil {
		floor = h.opts.Level.Level()
	}
	return level >= floor
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256+len(h.prefix))
	buf = append(buf, colorGray+"["...)
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, "]"+colorReset+" "...)
	buf = append(buf, levelColor(r.Level)+colorBold...)
	buf = append(buf, levelTag(r.Level)...)
	buf = append(buf, colorReset+" "...)

	component := h.component
	var attrs []byte
	r.Attrs(func(a slog.Attr) bool {
		if h.isComponent(a) {
			component = a.Value.String()
			return true
		}
		attrs = appendAttr(append(attrs, ' '), a, h.group)
		return true
	})

	if component != "" {
		buf = append(buf, colorGreen+"["...)
		buf = append(buf, component...)
		buf = append(buf, "] "+colorReset...)
	}
	buf = append(buf, r.Message...)
	if len(h.prefix) > 0 || len(attrs) > 0 {
		buf = append(buf, colorCyan...)
		buf = append(buf, h.prefix...)
		buf = append(buf, attrs...)
		buf = append(buf, colorReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) isComponent(a slog.Attr) bool {
	return a.Key == componentKey && h.group == "" && a.Value.Kind() == slog.KindString
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.prefix = append([]byte(nil), h.prefix...)
	for _, a := range attrs {
		if h.isComponent(a) {
			next.component = a.Value.String()
			continue
		}
		next.prefix = appendAttr(append(next.prefix, ' '), a, h.group)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

// levelTag pads level names to five columns.
func levelTag(level slog.Level) string {
	s := level.String()
	if len(s) < 5 {
		s += strings.Repeat(" ", 5-len(s))
	}
	return s
}

func appendAttr(buf []byte, attr slog.Attr, group string) []byte {
	attr.Value = attr.Value.Resolve()
	if group != "" {
		buf = append(buf, group+"."...)
	}
	buf = append(buf, attr.Key...)
	buf = append(buf, '=')

	switch v := attr.Value; v.Kind() {
	case slog.KindString:
		if s := v.String(); needsQuoting(s) {
			buf = fmt.Appendf(buf, "%q", s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		buf = append(buf, roundDuration(v.Duration()).String()...)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a, "")
		}
		buf = append(buf, '}')
	default:
		buf = fmt.Append(buf, v.Any())
	}
	return buf
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"=")
}

// roundDuration keeps compile and dispatch timings readable.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}
