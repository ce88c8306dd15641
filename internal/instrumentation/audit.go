package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/inboxlink/internal/logging"
)

// MessageAudit is the audit record of one dispatched message.
type MessageAudit struct {
	Action    string
	Transport string
	RequestID string
	UserEmail string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	TraceID   string
}

// NewMessageAudit starts timing an audit record.
func NewMessageAudit(ctx context.Context, action, transport, requestID string) *MessageAudit {
	return &MessageAudit{
		Action:    action,
		Transport: transport,
		RequestID: requestID,
		StartTime: time.Now(),
		TraceID:   GetTraceID(ctx),
	}
}

// Complete stops the timer and stores the outcome.
func (a *MessageAudit) Complete(err error) *MessageAudit {
	a.Duration = time.Since(a.StartTime)
	a.Success = err == nil
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Status returns StatusSuccess or StatusError.
func (a *MessageAudit) Status() string {
	if a.Success {
		return StatusSuccess
	}
	return StatusError
}

func (a *MessageAudit) attrs(includePII bool) []any {
	attrs := []any{
		slog.String("action", a.Action),
		slog.String("transport", a.Transport),
		slog.Duration("duration", a.Duration),
		slog.Bool("success", a.Success),
	}
	if a.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", a.RequestID))
	}
	if a.UserEmail != "" {
		if includePII {
			attrs = append(attrs, slog.String("user", a.UserEmail))
		} else {
			attrs = append(attrs, logging.UserHash(a.UserEmail))
		}
	}
	if a.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", a.TraceID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String("error", a.Error))
	}
	return attrs
}

// AuditLogger writes message audit records.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger. A nil logger uses slog.Default().
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger, includePII: config.IncludePII, enabled: config.Enabled}
}

// Log writes a completed record. Nil loggers and records are ignored.
func (al *AuditLogger) Log(a *MessageAudit) {
	if al == nil || a == nil || !al.enabled {
		return
	}
	if a.Success {
		al.logger.Info("message_handled", a.attrs(al.includePII)...)
	} else {
		al.logger.Warn("message_failed", a.attrs(al.includePII)...)
	}
}
