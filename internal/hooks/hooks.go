// Package hooks runs per-collection reactions after an event has been handed
// to the sink. Hooks never influence acknowledgement: failures and panics
// are logged and counted.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/observability"
)

// Hook reacts to a published event.
type Hook interface {
	Handle(ctx context.Context, event envelope.NormalizedEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, event envelope.NormalizedEvent) error

func (f HookFunc) Handle(ctx context.Context, event envelope.NormalizedEvent) error {
	return f(ctx, event)
}

// Registry dispatches events to the hook registered for their collection,
// or to the default hook.
type Registry struct {
	mu           sync.RWMutex
	byCollection map[string]Hook
	fallback     Hook
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byCollection: make(map[string]Hook),
		logger:       logger,
		metrics:      metrics,
	}
}

// Register sets the hook for collection, replacing any previous one.
func (r *Registry) Register(collection string, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCollection[collection] = h
}

// SetDefault sets the hook for collections without a registered hook.
func (r *Registry) SetDefault(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Registry) lookup(collection string) Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byCollection[collection]; ok {
		return h
	}
	return r.fallback
}

// Run invokes the hook for event.Collection. It returns the hook error for
// callers that want it; the error has already been logged.
func (r *Registry) Run(ctx context.Context, event envelope.NormalizedEvent) (err error) {
	h := r.lookup(event.Collection)
	if h == nil {
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
		if err != nil {
			r.logger.Error("hook failed",
				"collection", event.Collection,
				"document_id", event.DocumentID,
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.HookErrors.WithLabelValues(event.Collection).Inc()
			}
		}
	}()

	return h.Handle(ctx, event)
}

// Builtin returns a registry with the reference hooks for the users and
// orders collections and a generic default. Fields named in mask are
// replaced with "***" when user data is logged.
func Builtin(logger *slog.Logger, metrics *observability.Metrics, mask []string) *Registry {
	r := NewRegistry(logger, metrics)
	r.Register("users", UserHook(r.logger, mask))
	r.Register("orders", OrderHook(r.logger))
	r.SetDefault(HookFunc(func(_ context.Context, e envelope.NormalizedEvent) error {
		r.logger.Info("processed generic event", "collection", e.Collection, "document_id", e.DocumentID)
		return nil
	}))
	return r
}

// UserHook logs user events, with the profile of newly created users.
func UserHook(logger *slog.Logger, mask []string) Hook {
	return HookFunc(func(_ context.Context, e envelope.NormalizedEvent) error {
		logger.Info("processing user event", "document_id", e.DocumentID, "event_type", e.EventType)
		if e.EventType != envelope.EventInsert {
			return nil
		}
		if e.Data == nil {
			logger.Info("new user created", "document_id", e.DocumentID)
			return nil
		}

		logger.Info("new user created",
			"document_id", e.DocumentID,
			"name", e.Data["name"],
			"email", e.Data["email"],
			"age", e.Data["age"],
		)
		data, err := json.Marshal(Masked(e.Data, mask))
		if err != nil {
			return fmt.Errorf("format user data: %w", err)
		}
		logger.Debug("user data", "document_id", e.DocumentID, "data", string(data))
		return nil
	})
}

// OrderHook logs order events.
func OrderHook(logger *slog.Logger) Hook {
	return HookFunc(func(_ context.Context, e envelope.NormalizedEvent) error {
		logger.Info("processing order event", "document_id", e.DocumentID, "event_type", e.EventType)
		if e.EventType == envelope.EventInsert {
			logger.Info("new order created", "document_id", e.DocumentID)
		}
		return nil
	})
}

// Masked returns a shallow copy of data with the named top-level fields
// replaced by "***". data itself is not modified.
func Masked(data map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, f := range fields {
		if _, ok := out[f]; ok {
			out[f] = "***"
		}
	}
	return out
}
