package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LogLevel controls how chatty the arbiter is.
type LogLevel int

const (
	LogOff  LogLevel = 0 // basic logs only
	LogLow  LogLevel = 1 // + per-request decisions
	LogHigh LogLevel = 2 // + completion backend prompts/answers
)

var (
	currentLogLevel atomic.Int32
	levelVar        = new(slog.LevelVar)
	base            atomic.Pointer[slog.Logger]
	out             io.Writer = os.Stdout
)

func init() {
	SetOutput(os.Stdout)
}

// Init sets the level from the DEBUG setting ("off", "low", "high").
func Init(debug string) {
	SetLevel(ParseLevel(debug))
}

func ParseLevel(debug string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(debug)) {
	case "low":
		return LogLow
	case "high":
		return LogHigh
	default:
		return LogOff
	}
}

func SetLevel(l LogLevel) {
	currentLogLevel.Store(int32(l))
	if l >= LogLow {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

func GetLevel() LogLevel {
	return LogLevel(currentLogLevel.Load())
}

// SetOutput redirects all log output to w. Colours are only used on a terminal.
func SetOutput(w io.Writer) {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = os.Getenv("NO_COLOR") != "" || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	}
	out = w
	base.Store(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      levelVar,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
	})))
}

// L returns the structured logger.
func L() *slog.Logger {
	return base.Load()
}

// With returns a structured logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

func Info(format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	L().Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	L().Error(fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) {
	if GetLevel() < LogLow {
		return
	}
	L().Debug(fmt.Sprintf(format, args...))
}

// Backend logs completion backend traffic. Only emitted at LogHigh.
func Backend(provider string, elapsed time.Duration, format string, args ...any) {
	if GetLevel() < LogHigh {
		return
	}
	L().LogAttrs(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...),
		slog.String("provider", provider),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
}

// Request logs one HTTP request line.
func Request(method, path string, status int, duration time.Duration) {
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	} else if status >= 400 {
		level = slog.LevelWarn
	}
	L().LogAttrs(context.Background(), level, method+" "+path,
		slog.Int("status", status),
		slog.Int64("ms", duration.Milliseconds()),
	)
}

// Truncate shortens s for log output, keeping the head.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("...[TRUNCATED: %d bytes]", len(s)-max)
}

func Banner(addr, provider string, debug string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen, color.Bold)

	cyan.Fprintln(out, "╔════════════════════════════════════════════════════════════╗")
	cyan.Fprint(out, "║           ")
	green.Fprint(out, "Live Tutor Arbiter")
	cyan.Fprintln(out, " - Go Version                   ║")
	cyan.Fprintln(out, "╚════════════════════════════════════════════════════════════╝")

	Info("Server starting on %s", addr)
	Info("Completion provider: %s", provider)
	Info("Debug level: %s", debug)

	if os.Getenv("API_KEY") == "" {
		Warn("API_KEY not set - channel authentication disabled")
	}

	fmt.Fprintln(out)
}
