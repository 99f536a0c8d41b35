package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/agentbus/agentbus/pkg/models"
)

// Handler processes one domain action and returns the result payload. A nil
// error with a nil map is a valid empty success.
type Handler interface {
	Handle(ctx context.Context, action *models.DomainAction) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, action *models.DomainAction) (map[string]interface{}, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, action *models.DomainAction) (map[string]interface{}, error) {
	return f(ctx, action)
}

// Router dispatches actions to handlers by action type. Registration happens
// before Start; lookups after that are read-only, so the lock is cheap.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action type, replacing any previous binding
func (r *Router) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// RegisterFunc binds a function to an action type
func (r *Router) RegisterFunc(actionType string, f HandlerFunc) {
	r.Register(actionType, f)
}

// Lookup returns the handler for an action type
func (r *Router) Lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// ActionTypes returns the registered action types in sorted order
func (r *Router) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
