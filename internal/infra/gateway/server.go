package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/telemetry"
)

// Registry is the registration API surface the gateway needs.
type Registry interface {
	Enabled() bool
	RegisterTool(def domain.ToolDefinition, app domain.AppID, meta map[string]string) (domain.ToolRegistration, error)
	RegisterResource(def domain.ResourceDefinition, app domain.AppID, meta map[string]string) (domain.ResourceRegistration, error)
	Tools() []domain.ToolRegistration
	Resources() []domain.ResourceRegistration
	Snapshot() domain.RegistrySnapshot
}

// Discovery triggers and reports discovery cycles.
type Discovery interface {
	Rediscover(ctx context.Context, app domain.AppID) ([]domain.DiscoveryResult, error)
	States() []domain.AppStatus
}

// Forwarder routes calls to the owning app.
type Forwarder interface {
	ForwardToolCall(ctx context.Context, name string, args json.RawMessage) *mcp.CallToolResult
	ForwardResourceRead(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// EventSource feeds registry events to the mirror.
type EventSource interface {
	Subscribe(ctx context.Context, kinds ...domain.RegistryEventKind) <-chan domain.RegistryEvent
}

type Options struct {
	Name    string
	Version string
	// ExposeDynamic mirrors dynamic registrations into the MCP tool and
	// resource lists.
	ExposeDynamic bool
	Events        EventSource
}

// Server is the MCP-facing side of the bridge: a fixed set of builtin tools
// plus an optional mirror of dynamic registrations.
type Server struct {
	registry  Registry
	discovery Discovery
	forwarder Forwarder
	events    EventSource
	logger    *zap.Logger

	server   *mcp.Server
	builtins map[string]builtinTool
	tools    *toolMirror
	res      *resourceMirror

	exposeMu sync.Mutex
	expose   bool
}

func NewServer(registry Registry, discovery Discovery, forwarder Forwarder, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = domain.DefaultServerName
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		registry:  registry,
		discovery: discovery,
		forwarder: forwarder,
		events:    opts.Events,
		logger:    logger.Named("gateway"),
		expose:    opts.ExposeDynamic,
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	s.builtins = s.builtinTools()
	for _, name := range sortedBuiltinNames(s.builtins) {
		builtin := s.builtins[name]
		s.server.AddTool(builtin.tool, s.builtinHandler(builtin))
	}
	s.tools = newToolMirror(s.server, s.dynamicToolHandler, s.isBuiltin, s.logger)
	s.res = newResourceMirror(s.server, s.dynamicResourceHandler, s.logger)
	return s
}

// MCP exposes the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// SetExposeDynamic switches the mirror on or off and resyncs immediately.
func (s *Server) SetExposeDynamic(expose bool) {
	s.exposeMu.Lock()
	changed := s.expose != expose
	s.expose = expose
	s.exposeMu.Unlock()
	if changed {
		s.logger.Info("dynamic tool exposure changed", zap.Bool("expose", expose))
		s.Sync()
	}
}

func (s *Server) exposeDynamic() bool {
	s.exposeMu.Lock()
	defer s.exposeMu.Unlock()
	return s.expose
}

// Sync reconciles the mirrored tool and resource lists with the registry.
func (s *Server) Sync() {
	if !s.exposeDynamic() || !s.registry.Enabled() {
		s.tools.Apply(nil)
		s.res.Apply(nil)
		return
	}
	s.tools.Apply(s.registry.Tools())
	s.res.Apply(s.registry.Resources())
}

// RunMirror keeps the mirrored lists current until ctx is done.
func (s *Server) RunMirror(ctx context.Context) error {
	s.Sync()
	if s.events == nil {
		<-ctx.Done()
		return nil
	}
	events := s.events.Subscribe(ctx)
	for range events {
		// Events only signal change; drain bursts into one resync.
		drain(events)
		s.Sync()
	}
	return nil
}

func drain(events <-chan domain.RegistryEvent) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) isBuiltin(name string) bool {
	_, ok := s.builtins[name]
	return ok
}

func (s *Server) builtinHandler(builtin builtinTool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, _ = telemetry.EnsureRequestMeta(ctx, "")
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		return builtin.handle(ctx, args), nil
	}
}

func (s *Server) dynamicToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, _ = telemetry.EnsureRequestMeta(ctx, "")
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		return s.forwarder.ForwardToolCall(ctx, name, args), nil
	}
}

func (s *Server) dynamicResourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		ctx, _ = telemetry.EnsureRequestMeta(ctx, "")
		target := uri
		if req != nil && req.Params != nil && req.Params.URI != "" {
			target = req.Params.URI
		}
		result, err := s.forwarder.ForwardResourceRead(ctx, target)
		if err != nil {
			if code, ok := domain.CodeFrom(err); ok && code == domain.CodeNotFound {
				return nil, mcp.ResourceNotFoundError(target)
			}
			return nil, err
		}
		return result, nil
	}
}
