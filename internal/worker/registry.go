package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleet-orchestrator/internal/models"
)

// Handler executes a job of one operation type.
type Handler func(ctx context.Context, job models.Job) error

var ErrUnknownOperation = errors.New("worker: no handler for operation")

// Registry dispatches jobs by their operation tag.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.OperationType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.OperationType]Handler)}
}

// Register binds a handler to an operation type. Unknown types are rejected.
func (r *Registry) Register(op models.OperationType, h Handler) error {
	if !op.Valid() {
		return fmt.Errorf("worker: unknown operation type %q", op)
	}
	if h == nil {
		return fmt.Errorf("worker: nil handler for %s", op)
	}
	r.mu.Lock()
	r.handlers[op] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for wiring code.
func (r *Registry) MustRegister(op models.OperationType, h Handler) {
	if err := r.Register(op, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for op.
func (r *Registry) Lookup(op models.OperationType) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, op)
	}
	return h, nil
}

// Operations lists registered operation types.
func (r *Registry) Operations() []models.OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.OperationType, 0, len(r.handlers))
	for _, op := range models.OperationTypes {
		if _, ok := r.handlers[op]; ok {
			out = append(out, op)
		}
	}
	return out
}
