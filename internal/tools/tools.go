// ABOUTME: Registration of all built-in tools compiled into the gateway
// ABOUTME: Called once from the composition root before serving

package tools

import (
	"log/slog"

	"github.com/2389/procure-gateway/internal/registry"
)

// RegisterBuiltins registers every built-in tool. The registry rejects
// collisions, so calling this twice is an error.
func RegisterBuiltins(reg *registry.Registry, logger *slog.Logger) error {
	for _, d := range []registry.Descriptor{
		TriageDescriptor(logger),
		ThresholdsDescriptor(logger),
		ProtocolTemplateDescriptor(logger),
	} {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
