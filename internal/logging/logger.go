package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// New creates a JSON slog logger on stdout at the provided level, carrying
// attrs on every record. If the level string is invalid it defaults to info.
func New(level string, attrs ...any) *slog.Logger {
	return NewWriter(os.Stdout, level, attrs...)
}

// NewWriter is New writing to w.
func NewWriter(w io.Writer, level string, attrs ...any) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: utcTime,
	})
	return slog.New(handler).With(attrs...)
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// utcTime renders record times in UTC.
func utcTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.TimeValue(a.Value.Time().UTC().Truncate(time.Microsecond))
	}
	return a
}
