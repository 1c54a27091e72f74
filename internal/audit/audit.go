// Package audit records who disposed of which alarm from where. Alarm
// dispositions are the destructive surface of the API, so every one is
// written to the structured log with the operator identity and client
// address attached.
package audit

import (
	"net/http"

	"go.uber.org/zap"

	"netshield/internal/auth"
)

// Recorder writes disposition audit entries.
type Recorder struct {
	logger *zap.SugaredLogger
}

// NewRecorder constructs a recorder. A nil logger disables recording.
func NewRecorder(logger *zap.SugaredLogger) *Recorder {
	return &Recorder{logger: logger}
}

// Disposition records one operator action against an alarm. Extra pairs are
// appended to the entry as-is.
func (a *Recorder) Disposition(r *http.Request, action, aid string, extra ...any) {
	if a == nil || a.logger == nil {
		return
	}
	fields := []any{
		"action", action,
		"aid", aid,
		"subject", auth.SubjectFromContext(r.Context()),
		"role", auth.RoleFromContext(r.Context()),
		"client_ip", ClientIP(r),
	}
	fields = append(fields, extra...)
	a.logger.Infow("alarm disposition", fields...)
}
