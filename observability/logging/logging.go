package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes an optional rotating log file written alongside stdout.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type setupOptions struct {
	level  slog.Level
	file   *FileConfig
	output io.Writer
}

// Option customises Setup.
type Option func(*setupOptions)

// WithLevel sets the minimum emitted level. Unknown names fall back to info.
func WithLevel(level string) Option {
	return func(o *setupOptions) { o.level = ParseLevel(level) }
}

// WithFile mirrors log output into a lumberjack-rotated file.
func WithFile(cfg FileConfig) Option {
	return func(o *setupOptions) {
		if strings.TrimSpace(cfg.Path) == "" {
			return
		}
		copied := cfg
		o.file = &copied
	}
}

// WithOutput replaces stdout as the primary sink. Tests use it to capture lines.
func WithOutput(w io.Writer) Option {
	return func(o *setupOptions) { o.output = w }
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string, opts ...Option) *slog.Logger {
	settings := setupOptions{level: slog.LevelInfo, output: os.Stdout}
	for _, opt := range opts {
		opt(&settings)
	}

	out := settings.output
	if settings.file != nil {
		rotator := &lumberjack.Logger{
			Filename:   settings.file.Path,
			MaxSize:    positiveOr(settings.file.MaxSizeMB, 100),
			MaxBackups: settings.file.MaxBackups,
			MaxAge:     settings.file.MaxAgeDays,
			Compress:   settings.file.Compress,
		}
		out = io.MultiWriter(out, rotator)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		Level:     settings.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return redactAttr(attr)
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so chi's request logger and friends land in JSON.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// ParseLevel maps a textual level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
