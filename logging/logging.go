// Package logging wraps go.uber.org/zap into the small structured-logging
// surface the driver core needs: debug_print (spec.md §6) forwards here
// from whichever hostservices.Services implementation backs the device, and
// every error path spec.md §7 lists logs one structured event before
// returning.
package logging

import "go.uber.org/zap"

// Logger is a thin structured-logging façade over *zap.Logger.
type Logger struct {
	z     *zap.Logger
	debug bool
}

// New builds a production-mode Logger (JSON, Info level and above).
func New() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewDevelopment builds a human-readable, Debug-level Logger for CLI use.
func NewDevelopment() (*Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z, debug: true}, nil
}

// Sync flushes buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }

// DebugPrint implements the hostservices.Services.DebugPrint level
// convention: NVMe debug level 0 maps to Info, level 1 to Debug, level ≥2 is
// dropped unless this Logger was built with NewDevelopment (matching the
// teacher repo's note that "only level 0 messages are displayed" in
// production).
func (l *Logger) DebugPrint(level int, format string, args ...any) {
	switch {
	case level <= 0:
		l.z.Sugar().Infof(format, args...)
	case level == 1:
		l.z.Sugar().Debugf(format, args...)
	case l.debug:
		l.z.Sugar().Debugf(format, args...)
	}
}

// Event logs one structured completion/error event with the fields
// spec.md §7's error paths carry: kind, cid, qid, status.
func (l *Logger) Event(msg string, kind string, cidVal uint16, qid uint16, status uint8) {
	l.z.Warn(msg,
		zap.String("kind", kind),
		zap.Uint16("cid", cidVal),
		zap.Uint16("qid", qid),
		zap.Uint8("status", status),
	)
}

// Info/Error/Debug expose the underlying logger for ambient, non-completion
// log sites (config load failures, CLI startup, etc.).
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
