package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/telemetry"
)

// Lookup resolves names to their owning registrations.
type Lookup interface {
	Enabled() bool
	LookupTool(name string) (domain.ToolRegistration, bool)
	LookupResource(uri string) (domain.ResourceRegistration, bool)
}

// Forwarder routes tool calls and resource reads to the app that owns them.
// Tool calls never fail with a Go error: every failure becomes an isError result.
type Forwarder struct {
	lookup  Lookup
	caller  domain.ExtensionCaller
	metrics domain.Metrics
	logger  *zap.Logger
	timeout atomic.Int64
	schemas *schemaCache
}

func New(lookup Lookup, caller domain.ExtensionCaller, metrics domain.Metrics, timeout time.Duration, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	f := &Forwarder{
		lookup:  lookup,
		caller:  caller,
		metrics: metrics,
		logger:  logger.Named("forwarder"),
		schemas: newSchemaCache(),
	}
	f.SetTimeout(timeout)
	return f
}

// SetTimeout bounds every forwarded call; zero or less disables the bound.
func (f *Forwarder) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	f.timeout.Store(int64(timeout))
}

func (f *Forwarder) Timeout() time.Duration {
	return time.Duration(f.timeout.Load())
}

// ForwardToolCall invokes the named dynamic tool on its owning app.
func (f *Forwarder) ForwardToolCall(ctx context.Context, name string, args json.RawMessage) (result *mcp.CallToolResult) {
	start := time.Now()
	status := domain.ForwardStatusSuccess
	logger := f.logger.With(telemetry.RequestFieldsFromContext(ctx)...).With(zap.String(telemetry.FieldTool, name))
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("tool forward panicked", zap.Any("panic", recovered))
			status = domain.ForwardStatusError
			result = errorResult("tool %q failed: internal error", name)
		}
		f.metrics.ObserveForward(domain.ForwardMetric{
			Kind:     domain.ForwardKindTool,
			Status:   status,
			Duration: time.Since(start),
		})
	}()

	if !f.lookup.Enabled() {
		logger.Warn("dynamic registry disabled; refusing tool call")
		status = domain.ForwardStatusDisabled
		return errorResult("tool %q is not available: dynamic registry is disabled", name)
	}
	reg, ok := f.lookup.LookupTool(name)
	if !ok {
		status = domain.ForwardStatusNotFound
		return notAvailableResult(name)
	}
	logger = logger.With(zap.String(telemetry.FieldApp, reg.App.String()))

	params, err := decodeArguments(args)
	if err != nil {
		status = domain.ForwardStatusInvalid
		return errorResult("tool %q: %v", name, err)
	}
	if err := f.schemas.validate(reg.Tool.Name, reg.Tool.InputSchema, params); err != nil {
		status = domain.ForwardStatusInvalid
		logger.Debug("tool arguments rejected", zap.Error(err))
		return errorResult("tool %q: invalid arguments: %v", name, err)
	}

	callCtx, cancel := f.withTimeout(ctx)
	defer cancel()
	raw, err := f.caller.CallExtension(callCtx, reg.App, domain.ToolExtension(reg.Tool), params)
	if err != nil {
		status = statusForError(err)
		logger.Warn("tool forward failed", zap.Error(err))
		return errorResult("tool %q failed on app %s: %s", name, reg.App, describeError(err, f.Timeout()))
	}
	return toolResultFromResponse(raw)
}

// ForwardResourceRead reads the given resource from its owning app. Errors are
// always *domain.Error values.
func (f *Forwarder) ForwardResourceRead(ctx context.Context, uri string) (result *mcp.ReadResourceResult, err error) {
	const op = "forwarder.read_resource"
	start := time.Now()
	status := domain.ForwardStatusSuccess
	logger := f.logger.With(telemetry.RequestFieldsFromContext(ctx)...).With(zap.String(telemetry.FieldURI, uri))
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("resource forward panicked", zap.Any("panic", recovered))
			status = domain.ForwardStatusError
			result = nil
			err = domain.E(domain.CodeInternal, op, "internal error", nil)
		}
		f.metrics.ObserveForward(domain.ForwardMetric{
			Kind:     domain.ForwardKindResource,
			Status:   status,
			Duration: time.Since(start),
		})
	}()

	if !f.lookup.Enabled() {
		logger.Warn("dynamic registry disabled; refusing resource read")
		status = domain.ForwardStatusDisabled
		return nil, domain.E(domain.CodeFailedPrecond, op, "", domain.ErrRegistryDisabled)
	}
	reg, ok := f.lookup.LookupResource(uri)
	if !ok {
		status = domain.ForwardStatusNotFound
		return nil, domain.E(domain.CodeNotFound, op, fmt.Sprintf("resource %q is not available", uri), domain.ErrResourceNotFound)
	}

	callCtx, cancel := f.withTimeout(ctx)
	defer cancel()
	raw, callErr := f.caller.CallExtension(callCtx, reg.App, domain.ResourceExtension(reg.Resource), map[string]any{"uri": uri})
	if callErr != nil {
		status = statusForError(callErr)
		logger.Warn("resource forward failed", zap.String(telemetry.FieldApp, reg.App.String()), zap.Error(callErr))
		code := domain.CodeUnavailable
		if status == domain.ForwardStatusTimeout {
			code = domain.CodeDeadlineExceeded
		}
		return nil, domain.E(code, op, describeError(callErr, f.Timeout()), callErr)
	}
	return resourceResultFromResponse(reg.Resource, raw), nil
}

func (f *Forwarder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := f.Timeout()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func statusForError(err error) domain.ForwardStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ForwardStatusTimeout
	}
	return domain.ForwardStatusError
}

func describeError(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	if errors.Is(err, domain.ErrAppNotConnected) {
		return "app is no longer connected"
	}
	return err.Error()
}

func decodeArguments(args json.RawMessage) (map[string]any, error) {
	params := make(map[string]any)
	if len(args) == 0 || string(args) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if params == nil {
		params = make(map[string]any)
	}
	return params, nil
}
