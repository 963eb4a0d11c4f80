package messaging

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// ZapLogger adapts a zap logger to watermill.LoggerAdapter.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a watermill logger writing to logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.Named("watermill")}
}

func (l *ZapLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *ZapLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

// Trace maps to debug; zap has no lower level.
func (l *ZapLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}

	return out
}
