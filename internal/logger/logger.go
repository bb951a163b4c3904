package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLevel atomic.Int32

	mu      sync.RWMutex
	handler slog.Handler
	closer  io.Closer
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	handler = newHandler(os.Stdout, "text")
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// SetLevel changes the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	if l, err := ParseLevel(level); err == nil {
		currentLevel.Store(int32(l))
	}
}

// IsDebugEnabled reports whether debug messages are emitted.
// Hot paths use it to skip building expensive arguments.
func IsDebugEnabled() bool {
	return Level(currentLevel.Load()) <= LevelDebug
}

// Configure sets level, format ("text" or "json") and output
// ("stdout", "stderr" or a file path, opened in append mode).
func Configure(level, format, output string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var w io.Writer
	var c io.Closer
	switch strings.ToLower(output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log output %s: %w", output, err)
		}
		w, c = f, f
	}

	mu.Lock()
	prev := closer
	handler = newHandler(w, format)
	closer = c
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	currentLevel.Store(int32(l))
	return nil
}

// SetOutput redirects text output to w. Used by tests to capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	handler = newHandler(w, "text")
	mu.Unlock()
}

func newHandler(w io.Writer, format string) slog.Handler {
	// Filtering happens in log(), the handler accepts everything.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func log(level Level, format string, v ...any) {
	if level < Level(currentLevel.Load()) {
		return
	}

	mu.RLock()
	h := handler
	mu.RUnlock()

	_ = slog.New(h).Log(context.Background(), level.slogLevel(), fmt.Sprintf(format, v...))
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
