package activity

import (
	"log/slog"

	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/internal/store"
)

// DefaultRegistry wires up the built-in handlers for every leaf node type.
func DefaultRegistry(st store.Store, logger *slog.Logger, httpCfg HTTPConfig) (*Registry, error) {
	r := NewRegistry()

	handlers := []Handler{
		NewTriggerHandler(),
		NewNoopHandler(),
		NewHTTPHandler(httpCfg),
		NewTransformHandler(expressions.NewGoJQEngine()),
		NewVariableHandler(expressions.NewExprEngine()),
		NewDelayHandler(),
		NewSignalWaitHandler(),
		NewSubWorkflowHandler(st),
		NewLogHandler(logger),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}
