package activity

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/convctl/conveyor/pkg/schema"
)

// LogHandler executes log nodes: the interpolated message lands in the
// process log and in the node output.
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Type() schema.NodeType { return schema.NodeTypeLog }

func (h *LogHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.LogConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "log: invalid config").WithCause(err)
	}
	if cfg.Message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "log: missing required field 'message'")
	}

	attrs := []any{
		slog.String("execution_id", inv.ExecutionID),
		slog.String("node_id", inv.Node.ID),
	}
	switch cfg.Level {
	case "debug":
		h.logger.DebugContext(ctx, cfg.Message, attrs...)
	case "warn":
		h.logger.WarnContext(ctx, cfg.Message, attrs...)
	case "error":
		h.logger.ErrorContext(ctx, cfg.Message, attrs...)
	default:
		h.logger.InfoContext(ctx, cfg.Message, attrs...)
	}

	return Success(map[string]any{"message": cfg.Message, "level": cfg.Level})
}

var _ Handler = (*LogHandler)(nil)
