package model

import "time"

// Message kinds pushed to users over a realtime channel or a mailbox.
const (
	MessageTypeConfirmation = "confirmation_request"
	MessageTypeNotification = "notification"
)

// OutboundMessage is the delivery contract for anything the pipeline says to
// a user, whether pushed immediately or parked in their mailbox.
type OutboundMessage struct {
	Type      string            `json:"type"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewAssistantMessage builds an OutboundMessage with the assistant role and
// the current timestamp.
func NewAssistantMessage(msgType, content string, metadata map[string]string) OutboundMessage {
	return OutboundMessage{
		Type:      msgType,
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}
