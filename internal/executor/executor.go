package executor

import (
	"context"
	"encoding/json"

	"github.com/todo-1m/offline/internal/contracts"
)

// Executor performs one command against the upstream. Failures are returned
// as *contracts.APIError.
type Executor interface {
	Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage) (json.RawMessage, error)
}

type Func func(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, endpoint, method, payload)
}

type commandIDKey struct{}

// WithCommandID tags ctx with the queued command id so executors can send it
// as an idempotency key on replay.
func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

func CommandID(ctx context.Context) string {
	id, _ := ctx.Value(commandIDKey{}).(string)
	return id
}
