// Package logging builds the kernel's slog handler: one line per event with
// a colored level tag when the sink is a terminal, mirroring the boot log of
// the reference board firmware.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Handler is a minimal line-oriented slog handler.
type Handler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	color bool
	attrs []slog.Attr
}

// New creates a handler writing to out at the given level. Colors are
// emitted only when color is true (the caller decides via a TTY check).
func New(out io.Writer, level slog.Level, color bool) *Handler {
	return &Handler{mu: &sync.Mutex{}, out: out, level: level, color: color}
}

// Setup installs a logger built from New as the slog default and returns it.
func Setup(out io.Writer, level slog.Level, color bool) *slog.Logger {
	logger := slog.New(New(out, level, color))
	slog.SetDefault(logger)
	return logger
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func levelTag(level slog.Level) (string, ansi.BasicColor) {
	switch {
	case level >= slog.LevelError:
		return "ERROR", ansi.Red
	case level >= slog.LevelWarn:
		return "WARN", ansi.Yellow
	case level >= slog.LevelInfo:
		return "INFO", ansi.Blue
	default:
		return "DEBUG", ansi.BrightBlack
	}
}

func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	tag, color := levelTag(rec.Level)
	var sb strings.Builder
	if h.color {
		sb.WriteString(ansi.Style{}.ForegroundColor(color).Styled(fmt.Sprintf("[%5s]", tag)))
	} else {
		fmt.Fprintf(&sb, "[%5s]", tag)
	}
	sb.WriteByte(' ')
	sb.WriteString(rec.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(appendAttr)
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	// Groups are not used by the kernel; keep the handler flat.
	return h
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
