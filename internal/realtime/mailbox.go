package realtime

import (
	"sync"

	"github.com/quipufin/quipu/internal/model"
)

// maxMailboxDepth caps how many undelivered messages accumulate per user.
// Beyond it the oldest is dropped; a user away long enough to hit the cap
// cares about recent messages, not a backlog replay.
const maxMailboxDepth = 20

// Mailbox is the store-and-forward fallback: messages for users with no
// active channel, drained on their next interaction.
type Mailbox struct {
	mu    sync.Mutex
	boxes map[string][]model.OutboundMessage
}

// NewMailbox creates an empty mailbox store.
func NewMailbox() *Mailbox {
	return &Mailbox{boxes: make(map[string][]model.OutboundMessage)}
}

// Append parks a message for later delivery.
func (m *Mailbox) Append(userID string, msg model.OutboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := append(m.boxes[userID], msg)
	if len(box) > maxMailboxDepth {
		box = box[len(box)-maxMailboxDepth:]
	}
	m.boxes[userID] = box
}

// Drain returns and removes every queued message for the user, oldest
// first.
func (m *Mailbox) Drain(userID string) []model.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.boxes[userID]
	delete(m.boxes, userID)
	return msgs
}

// Depth reports how many messages are waiting for the user.
func (m *Mailbox) Depth(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[userID])
}

// TotalDepth reports queued messages across all users, for monitoring.
func (m *Mailbox) TotalDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, box := range m.boxes {
		n += len(box)
	}
	return n
}
