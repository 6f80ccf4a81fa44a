// Package logging routes the standard library logger into structured JSON.
package logging

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger. Every line carries the service name and
// environment. A leading "[INFO]", "[WARN]", "[ERROR]" or "[FATAL]" tag on a
// std log line becomes the record's severity. When file is set, output is
// also appended to a size-rotated log file.
func Setup(service, env, file string) *slog.Logger {
	var out io.Writer = os.Stdout
	if file = strings.TrimSpace(file); file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	return setup(service, env, out)
}

func setup(service, env string, out io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl > slog.LevelError {
					return slog.String("severity", "FATAL")
				}
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	log.SetOutput(&bridge{logger: base})
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

type bridge struct {
	logger *slog.Logger
}

func (b *bridge) Write(p []byte) (int, error) {
	level, msg := parseLine(string(p))
	b.logger.Log(context.Background(), level, msg)
	return len(p), nil
}

var tags = []struct {
	tag   string
	level slog.Level
}{
	{"[DEBUG]", slog.LevelDebug},
	{"[INFO]", slog.LevelInfo},
	{"[WARN]", slog.LevelWarn},
	{"[ERROR]", slog.LevelError},
	{"[FATAL]", slog.LevelError + 4},
}

func parseLine(line string) (slog.Level, string) {
	line = strings.TrimRight(line, "\n")
	for _, t := range tags {
		if rest, ok := strings.CutPrefix(line, t.tag); ok {
			return t.level, strings.TrimSpace(rest)
		}
	}
	return slog.LevelInfo, line
}
