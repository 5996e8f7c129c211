package handlers

import (
	"log/slog"

	"github.com/loomrun/loom/internal/validation"
)

// RegisterBuiltins registers all built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, logger *slog.Logger, httpCfg HTTPConfig) error {
	all := make([]Handler, 0, 16)

	all = append(all, WorkflowHandlers(logger)...)
	all = append(all, ExprHandlers()...)
	all = append(all, AssertHandlers(validator)...)
	all = append(all, CryptoHandlers()...)
	all = append(all, NewHTTPRequestHandler(httpCfg))

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
