package mailbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	// MessageShutdownRequest asks a worker to finish and exit.
	MessageShutdownRequest MessageType = "shutdown_request"

	// MessageShutdownResponse acknowledges a shutdown request.
	MessageShutdownResponse MessageType = "shutdown_response"

	// MessageReport carries a worker's final report.
	MessageReport MessageType = "report"

	// MessagePushRequest asks the git coordinator to push the branch.
	MessagePushRequest MessageType = "push_request"

	// MessagePushResponse answers a push request.
	MessagePushResponse MessageType = "push_response"

	// MessageStatus provides a progress update.
	MessageStatus MessageType = "status"
)

const (
	// BroadcastRecipient is the special "to" value for messages intended for
	// every participant.
	BroadcastRecipient = "broadcast"

	// SupervisorRecipient is the inbox of the supervisor.
	SupervisorRecipient = "supervisor"
)

// Message is a single entry of an inbox.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsBroadcast returns true if the message is addressed to everyone.
func (m Message) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// NewMessage builds a message with payload encoded as JSON. A nil payload
// leaves Payload empty.
func NewMessage(from, to string, typ MessageType, payload any) (Message, error) {
	msg := Message{From: from, To: to, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("mailbox: marshal %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("mailbox: %s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("mailbox: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ShutdownResponse is the payload of a shutdown_response message.
type ShutdownResponse struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// PushResponse is the payload of a push_response message.
type PushResponse struct {
	Pushed bool   `json:"pushed"`
	Error  string `json:"error,omitempty"`
}

var validMessageTypes = map[MessageType]bool{
	MessageShutdownRequest:  true,
	MessageShutdownResponse: true,
	MessageReport:           true,
	MessagePushRequest:      true,
	MessagePushResponse:     true,
	MessageStatus:           true,
}

// ValidateMessageType returns true if the given type is a known message type.
func ValidateMessageType(t MessageType) bool {
	return validMessageTypes[t]
}

// OfType returns a matcher for WaitFor that accepts messages of type t.
func OfType(t MessageType) func(Message) bool {
	return func(m Message) bool { return m.Type == t }
}
