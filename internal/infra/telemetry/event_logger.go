package telemetry

import (
	"context"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

// RegistryEventSource is satisfied by the notification bus.
type RegistryEventSource interface {
	Subscribe(ctx context.Context, kinds ...domain.RegistryEventKind) <-chan domain.RegistryEvent
}

// RunEventLogger logs every registry event until ctx is done.
func RunEventLogger(ctx context.Context, source RegistryEventSource, logger *zap.Logger) error {
	if source == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry_events")
	events := source.Subscribe(ctx)
	for event := range events {
		logRegistryEvent(logger, event)
	}
	return nil
}

func logRegistryEvent(logger *zap.Logger, event domain.RegistryEvent) {
	fields := []zap.Field{
		EventField(string(event.Kind)),
		AppField(event.App),
	}
	switch event.Kind {
	case domain.RegistryEventToolRegistered, domain.RegistryEventToolUnregistered:
		fields = append(fields, zap.String(FieldTool, event.Name))
	case domain.RegistryEventResourceRegistered, domain.RegistryEventResourceUnregistered:
		fields = append(fields, zap.String(FieldURI, event.Name))
	case domain.RegistryEventAppUnregistered:
		fields = append(fields,
			zap.Int("removed_tools", event.RemovedTools),
			zap.Int("removed_resources", event.RemovedResources),
		)
	}
	if event.PreviousApp != "" {
		fields = append(fields, zap.String("previous_app", event.PreviousApp.String()))
	}
	logger.Debug("registry event", fields...)
}
