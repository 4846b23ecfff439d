package eventbus

import (
	"ai-docchat-client/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
)

// watermillLogger routes watermill's logs into ILogger. Watermill logs every
// publish without subscribers at info, so info is demoted to debug.
type watermillLogger struct {
	logger logger.ILogger
	fields watermill.LogFields
}

func newWatermillLogger(log logger.ILogger) watermill.LoggerAdapter {
	return &watermillLogger{logger: log}
}

func (l *watermillLogger) details(fields watermill.LogFields) map[string]interface{} {
	out := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	details := l.details(fields)
	if err != nil {
		details["error"] = err.Error()
	}
	l.logger.Error(module, msg, details)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Debug(module, msg, l.details(fields))
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(module, msg, l.details(fields))
}

func (l *watermillLogger) Trace(string, watermill.LogFields) {}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger, fields: l.details(fields)}
}
