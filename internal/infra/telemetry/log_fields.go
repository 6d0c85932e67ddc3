package telemetry

import (
	"time"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

const (
	FieldEvent      = "event"
	FieldApp        = "app"
	FieldTool       = "tool"
	FieldURI        = "uri"
	FieldState      = "state"
	FieldTarget     = "target"
	FieldDurationMs = "duration_ms"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func AppField(app domain.AppID) zap.Field {
	return zap.String(FieldApp, app.String())
}

func StateField(state domain.AppState) zap.Field {
	return zap.String(FieldState, string(state))
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
