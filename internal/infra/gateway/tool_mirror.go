package gateway

import (
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/hashutil"
	"fluttermcp/internal/infra/mcpcodec"
)

// toolMirror keeps the SDK server's tool list in step with the dynamic
// registrations. Builtin names always win over dynamic ones.
type toolMirror struct {
	server    *mcp.Server
	handler   func(name string) mcp.ToolHandler
	isBuiltin func(name string) bool
	logger    *zap.Logger

	mu         sync.Mutex
	etag       string
	registered map[string]struct{}
}

func newToolMirror(server *mcp.Server, handler func(name string) mcp.ToolHandler, isBuiltin func(string) bool, logger *zap.Logger) *toolMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &toolMirror{
		server:     server,
		handler:    handler,
		isBuiltin:  isBuiltin,
		logger:     logger.Named("tool_mirror"),
		registered: make(map[string]struct{}),
	}
}

func (r *toolMirror) Apply(regs []domain.ToolRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	etag := hashutil.ToolETag(r.logger, regs)
	if etag != "" && etag == r.etag {
		return
	}

	next := make(map[string]struct{})
	for _, reg := range regs {
		def := reg.Tool
		if r.isBuiltin != nil && r.isBuiltin(def.Name) {
			r.logger.Warn("dynamic tool shadows builtin; not mirrored", zap.String("tool", def.Name))
			continue
		}
		tool, err := mcpcodec.ToolToMCP(def)
		if err != nil {
			r.logger.Warn("skip tool with invalid input schema", zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		r.server.AddTool(tool, r.handler(def.Name))
		next[def.Name] = struct{}{}
	}

	var remove []string
	for name := range r.registered {
		if _, ok := next[name]; !ok {
			remove = append(remove, name)
		}
	}
	if len(remove) > 0 {
		r.server.RemoveTools(remove...)
	}

	r.registered = next
	r.etag = etag
}

func (r *toolMirror) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.registered))
	for name := range r.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
