package util

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netbirdio/updates/formatter"
)

type LogSource string

const (
	LoaderSource     LogSource = "LOADER"
	LauncherSource   LogSource = "LAUNCHER"
	ControllerSource LogSource = "CONTROLLER"
)

var callerHookInstalled atomic.Bool

type contextKey string

const (
	SourceKey   contextKey = "component"
	LoadIDKey   contextKey = "loadID"
	UpdateIDKey contextKey = "updateID"
)

// WithSource tags log entries written with ctx with the component that produced them
func WithSource(ctx context.Context, source LogSource) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// WithLoadID tags log entries written with ctx with a load attempt id
func WithLoadID(ctx context.Context, loadID string) context.Context {
	return context.WithValue(ctx, LoadIDKey, loadID)
}

// WithUpdateID tags log entries written with ctx with an update id
func WithUpdateID(ctx context.Context, updateID string) context.Context {
	return context.WithValue(ctx, UpdateIDKey, updateID)
}

// InitLog sets the level and output of the standard logger. logPath "console" or an empty
// path keeps stderr; any other path is written through a rotating file.
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", logLevel, err)
	}

	if logPath != "" && logPath != "console" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	log.SetFormatter(NewContextFormatter())
	log.SetReportCaller(true)
	if !callerHookInstalled.Swap(true) {
		log.AddHook(formatter.NewCallerHook())
	}
	log.SetLevel(level)
	return nil
}

// ContextFormatter copies the component, update and load identifiers carried by the entry
// context into its fields, so they print first.
type ContextFormatter struct {
	*formatter.TextFormatter
}

// NewContextFormatter creates a ContextFormatter on top of the text formatter
func NewContextFormatter() *ContextFormatter {
	return &ContextFormatter{
		TextFormatter: formatter.NewTextFormatter(string(SourceKey), string(UpdateIDKey), string(LoadIDKey)),
	}
}

func (f *ContextFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context != nil {
		if source, ok := entry.Context.Value(SourceKey).(LogSource); ok {
			entry.Data[string(SourceKey)] = string(source)
		}
		if loadID, ok := entry.Context.Value(LoadIDKey).(string); ok {
			entry.Data[string(LoadIDKey)] = loadID
		}
		if updateID, ok := entry.Context.Value(UpdateIDKey).(string); ok {
			entry.Data[string(UpdateIDKey)] = updateID
		}
	}
	return f.TextFormatter.Format(entry)
}
