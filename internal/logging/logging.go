package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// NewLogger builds the process-wide JSON logger. Unrecognized level
// strings fall back to info.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Component returns a child logger tagged with the subsystem name, so
// ingest, dispatch and gateway lines can be filtered apart.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

type pahoAdapter struct {
	log   *slog.Logger
	level slog.Level
}

func (a pahoAdapter) Println(v ...any) {
	a.log.Log(context.Background(), a.level, strings.TrimSpace(fmt.Sprintln(v...)))
}

func (a pahoAdapter) Printf(format string, v ...any) {
	a.log.Log(context.Background(), a.level, fmt.Sprintf(format, v...))
}

// RouteMQTTClientLogs points the paho package-level loggers at the
// structured logger. Paho's DEBUG stream is left on its discard
// default; it is too chatty for JSON output.
func RouteMQTTClientLogs(log *slog.Logger) {
	l := Component(log, "mqtt-client")
	mqtt.CRITICAL = pahoAdapter{log: l, level: slog.LevelError}
	mqtt.ERROR = pahoAdapter{log: l, level: slog.LevelError}
	mqtt.WARN = pahoAdapter{log: l, level: slog.LevelWarn}
}
