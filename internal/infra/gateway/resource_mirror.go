package gateway

import (
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/hashutil"
	"fluttermcp/internal/infra/mcpcodec"
)

type resourceMirror struct {
	server  *mcp.Server
	handler func(uri string) mcp.ResourceHandler
	logger  *zap.Logger

	mu         sync.Mutex
	etag       string
	registered map[string]struct{}
}

func newResourceMirror(server *mcp.Server, handler func(uri string) mcp.ResourceHandler, logger *zap.Logger) *resourceMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &resourceMirror{
		server:     server,
		handler:    handler,
		logger:     logger.Named("resource_mirror"),
		registered: make(map[string]struct{}),
	}
}

func (r *resourceMirror) Apply(regs []domain.ResourceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	etag := hashutil.ResourceETag(r.logger, regs)
	if etag != "" && etag == r.etag {
		return
	}

	next := make(map[string]struct{})
	for _, reg := range regs {
		def := reg.Resource
		resource, err := mcpcodec.ResourceToMCP(def)
		if err != nil {
			r.logger.Warn("skip resource with invalid uri", zap.String("uri", def.URI), zap.Error(err))
			continue
		}
		r.server.AddResource(resource, r.handler(def.URI))
		next[def.URI] = struct{}{}
	}

	var remove []string
	for uri := range r.registered {
		if _, ok := next[uri]; !ok {
			remove = append(remove, uri)
		}
	}
	if len(remove) > 0 {
		r.server.RemoveResources(remove...)
	}

	r.registered = next
	r.etag = etag
}
