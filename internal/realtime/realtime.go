// Package realtime tracks where each user can currently be reached. A user
// has at most one live delivery channel; registration is last-write-wins
// because one active chat session per user is the product's model.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// DeliveryFunc pushes one message to a user's active channel.
type DeliveryFunc func(ctx context.Context, msg model.OutboundMessage) error

// Registry maps userID to the current delivery callback.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]DeliveryFunc
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]DeliveryFunc)}
}

// Register installs the delivery callback for a user, replacing any
// previous one.
func (r *Registry) Register(userID string, fn DeliveryFunc) {
	r.mu.Lock()
	r.channels[userID] = fn
	r.mu.Unlock()
}

// Unregister removes the user's channel, if any.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.channels, userID)
	r.mu.Unlock()
}

// Deliver pushes the message over the user's active channel. It reports
// false when the user has no channel or the push fails; the caller falls
// back to the mailbox either way.
func (r *Registry) Deliver(ctx context.Context, userID string, msg model.OutboundMessage) bool {
	r.mu.RLock()
	fn, ok := r.channels[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := fn(ctx, msg); err != nil {
		zap.L().Warn("realtime: delivery failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Active reports whether the user has a registered channel.
func (r *Registry) Active(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[userID]
	return ok
}
