package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, userID string, args json.RawMessage) (json.RawMessage, error)

// Registry stores tool executors keyed by tool key.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a tool key.
func (r *Registry) Register(toolKey string, exec ExecutorFunc) error {
	if toolKey == "" {
		return fmt.Errorf("tool key is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[toolKey]; exists {
		return fmt.Errorf("executor already registered for %s", toolKey)
	}
	r.executors[toolKey] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(toolKey string, exec ExecutorFunc) {
	if err := r.Register(toolKey, exec); err != nil {
		panic(err)
	}
}

// Execute runs the executor for the tool key.
func (r *Registry) Execute(ctx context.Context, toolKey, userID string, args json.RawMessage) (json.RawMessage, error) {
	if toolKey == "" {
		return nil, fmt.Errorf("tool key is required")
	}
	r.mu.RLock()
	exec := r.executors[toolKey]
	r.mu.RUnlock()
	if exec == nil {
		return nil, fmt.Errorf("no executor registered for %s", toolKey)
	}
	return exec(ctx, userID, args)
}
