package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"localrag/apps/backend/internal/task"
)

// Handler executes one task kind. The returned value is marshalled to JSON as
// the task result.
type Handler interface {
	Handle(ctx context.Context, exec *Execution, payload json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, exec *Execution, payload json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, exec *Execution, payload json.RawMessage) (any, error) {
	return f(ctx, exec, payload)
}

// Registry maps task kinds to handlers. It is filled once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[task.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[task.Kind]Handler)}
}

// Register panics on an unknown or duplicate kind; both are wiring bugs.
func (r *Registry) Register(kind task.Kind, h Handler) {
	if !kind.Valid() {
		panic(fmt.Sprintf("worker: register unknown kind %q", kind))
	}
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("worker: handler for %q registered twice", kind))
	}
	r.handlers[kind] = h
}

func (r *Registry) Lookup(kind task.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []task.Kind {
	kinds := make([]task.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// RunInline executes the handler for kind on the caller's goroutine, without
// the broker. It backs the synchronous request path.
func (r *Registry) RunInline(ctx context.Context, kind task.Kind, payload json.RawMessage) (any, error) {
	h, ok := r.Lookup(kind)
	if !ok {
		return nil, task.Permanent(fmt.Errorf("%w: %s", task.ErrUnknownKind, kind))
	}
	return invoke(ctx, h, NewInlineExecution(), payload)
}

// invoke runs h and turns a panic into a retryable error.
func invoke(ctx context.Context, h Handler, exec *Execution, payload json.RawMessage) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "handler panic", "task_id", exec.TaskID(), "panic", rec, "stack", string(debug.Stack()))
			out = nil
			err = fmt.Errorf("%w: handler panic: %v", task.ErrTransient, rec)
		}
	}()
	return h.Handle(ctx, exec, payload)
}
