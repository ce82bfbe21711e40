// Package report makes failures of fire-and-forget operations observable.
// Handlers that cannot surface an error to the client route it through a
// Reporter instead of dropping it on a console log.
package report

import "go.uber.org/zap"

// Reporter receives failures that have no caller to return to.
type Reporter interface {
	Failure(op string, err error, keysAndValues ...interface{})
}

type zapReporter struct {
	logger *zap.SugaredLogger
}

// NewZapReporter returns a Reporter emitting structured error records via zap.
func NewZapReporter(logger *zap.SugaredLogger) Reporter {
	return &zapReporter{logger: logger}
}

func (r *zapReporter) Failure(op string, err error, keysAndValues ...interface{}) {
	kv := append([]interface{}{"op", op, "error", err}, keysAndValues...)
	r.logger.Errorw("operation failed", kv...)
}
