// Package confirm implements the confirmation workflow: the single-slot
// pending store, the yes/no phrase matching, and the response processing
// that finally persists a transaction.
package confirm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// Pending is one proposed transaction awaiting the user's yes/no.
type Pending struct {
	ProcessingLogID string             `json:"processing_log_id"`
	UserID          string             `json:"user_id"`
	Merged          model.MergedResult `json:"merged"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
}

// PendingStore holds at most one live Pending per user. The in-process map
// is the default; the interface keeps the workflow ignorant of the storage
// choice so a distributed cache can slot in later.
type PendingStore interface {
	// Put stores the slot, discarding any previous one for the same user.
	Put(ctx context.Context, p Pending) error
	// GetAndDelete consumes the user's slot. Expired slots read as absent.
	GetAndDelete(ctx context.Context, userID string) (*Pending, error)
	// SweepExpired drops every expired slot and reports how many went.
	SweepExpired(ctx context.Context) (int, error)
	// Depth reports how many live slots exist, for monitoring.
	Depth(ctx context.Context) (int, error)
}

// MemoryStore is the in-process PendingStore.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]Pending
	now   func() time.Time
}

// NewMemoryStore creates an empty in-process pending store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]Pending), now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.slots[p.UserID]; ok {
		zap.L().Info("confirm: replacing pending slot",
			zap.String("user_id", p.UserID),
			zap.String("old_log_id", old.ProcessingLogID),
			zap.String("new_log_id", p.ProcessingLogID),
		)
	}
	s.slots[p.UserID] = p
	return nil
}

func (s *MemoryStore) GetAndDelete(ctx context.Context, userID string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.slots[userID]
	if !ok {
		return nil, nil
	}
	delete(s.slots, userID)
	if s.now().After(p.ExpiresAt) {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for userID, p := range s.slots {
		if now.After(p.ExpiresAt) {
			delete(s.slots, userID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots), nil
}

// Sweeper periodically evicts expired pending slots.
type Sweeper struct {
	store    PendingStore
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval uses 30 minutes.
func NewSweeper(store PendingStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run blocks until the context is cancelled, sweeping on each tick.
func (s *Sweeper) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "confirm.sweeper"))
	log.Info("starting pending-confirmation sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			removed, err := s.store.SweepExpired(ctx)
			if err != nil {
				log.Error("sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				log.Info("swept expired confirmations", zap.Int("removed", removed))
			}
		}
	}
}
