// Package logger configures the process-wide slog logger for perchd:
// text format to stdout, optionally teed to a log file inside the
// workspace volume.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the configured logger, also installed as the slog default so
// components can take it by injection or fall back to slog.Default().
var Log *slog.Logger

func parseLevel(level string) slog.Level {
	switch level {
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

// Init sets up the global logger. logFile is optional; when set, log
// lines go to both stdout and the file.
func Init(level string, logFile string) error {
	out := io.Writer(os.Stdout)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Wall-clock time only; the date is the log file's problem.
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// Info logs at info level on the global logger.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}
