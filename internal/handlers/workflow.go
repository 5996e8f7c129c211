package handlers

import (
	"context"
	"log/slog"

	"github.com/loomrun/loom/pkg/schema"
)

// WorkflowHandlers returns the handlers that operate on the running instance
// itself: context mutation, forced failure and structured logging.
func WorkflowHandlers(logger *slog.Logger) []Handler {
	return []Handler{
		&contextSetHandler{},
		&flowFailHandler{},
		&logEmitHandler{logger: logger},
	}
}

// --- context.set ---

type contextSetHandler struct{}

func (h *contextSetHandler) Name() string { return "context.set" }

func (h *contextSetHandler) Info() Info {
	return Info{
		Name:        "context.set",
		Description: "Write one or more values into the workflow context.",
	}
}

func (h *contextSetHandler) Validate(params map[string]any) error {
	if _, ok := params["values"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "context.set requires 'values' object parameter")
	}
	return nil
}

func (h *contextSetHandler) Execute(_ context.Context, req Request) (any, error) {
	values, _ := req.Params["values"].(map[string]any)
	if req.Context == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "context.set: no workflow context")
	}
	req.Context.Merge(values)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return map[string]any{"set": keys}, nil
}

// --- flow.fail ---

type flowFailHandler struct{}

func (h *flowFailHandler) Name() string { return "flow.fail" }

func (h *flowFailHandler) Info() Info {
	return Info{
		Name:        "flow.fail",
		Description: "Fail the current step with a declared reason.",
	}
}

func (h *flowFailHandler) Validate(params map[string]any) error {
	if stringParam(params, "reason", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "flow.fail requires 'reason' string parameter")
	}
	return nil
}

func (h *flowFailHandler) Execute(_ context.Context, req Request) (any, error) {
	reason := stringParam(req.Params, "reason", "flow.fail invoked")
	return nil, schema.NewError(schema.ErrCodeStepFailed, reason)
}

// --- log.emit ---

type logEmitHandler struct {
	logger *slog.Logger
}

func (h *logEmitHandler) Name() string { return "log.emit" }

func (h *logEmitHandler) Info() Info {
	return Info{
		Name:        "log.emit",
		Description: "Write a structured log entry from the running workflow.",
	}
}

func (h *logEmitHandler) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log.emit requires 'message' string parameter")
	}
	return nil
}

func (h *logEmitHandler) Execute(_ context.Context, req Request) (any, error) {
	level := stringParam(req.Params, "level", "info")
	message := stringParam(req.Params, "message", "")

	var attrs []any
	if req.Context != nil {
		attrs = append(attrs, slog.String("instance_id", req.Context.InstanceID()))
	}
	if data, ok := req.Params["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	logger := h.logger
	if logger == nil {
		logger = slog.Default()
	}

	switch level {
	case "debug":
		logger.Debug(message, attrs...)
	case "warn":
		logger.Warn(message, attrs...)
	case "error":
		logger.Error(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}

	return map[string]any{"logged": true}, nil
}
