package hashutil

import (
	"fmt"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/mcpcodec"
)

// ToolETag returns an ETag for the tool definitions in a registration list
// and logs on failure. Ownership is not part of the tag.
func ToolETag(logger *zap.Logger, regs []domain.ToolRegistration) string {
	return hashWithLogger(logger, "tool", func() (string, error) {
		defs := make([]domain.ToolDefinition, 0, len(regs))
		for _, reg := range regs {
			defs = append(defs, reg.Tool)
		}
		return mcpcodec.HashToolDefinitions(defs)
	})
}

// ResourceETag returns an ETag for the resource definitions in a registration list.
func ResourceETag(logger *zap.Logger, regs []domain.ResourceRegistration) string {
	return hashWithLogger(logger, "resource", func() (string, error) {
		defs := make([]domain.ResourceDefinition, 0, len(regs))
		for _, reg := range regs {
			defs = append(defs, reg.Resource)
		}
		return mcpcodec.HashResourceDefinitions(defs)
	})
}

func hashWithLogger(logger *zap.Logger, label string, fn func() (string, error)) string {
	etag, err := fn()
	if err != nil {
		if logger != nil {
			logger.Warn(fmt.Sprintf("%s hash failed", label), zap.Error(err))
		}
		return ""
	}
	return etag
}
