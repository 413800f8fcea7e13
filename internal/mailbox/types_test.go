package mailbox

import "testing"

func TestValidateMessageType(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want bool
	}{
		{MessageShutdownRequest, true},
		{MessageShutdownResponse, true},
		{MessageReport, true},
		{MessagePushRequest, true},
		{MessagePushResponse, true},
		{MessageStatus, true},
		{"discovery", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := ValidateMessageType(tt.typ); got != tt.want {
				t.Errorf("ValidateMessageType(%q) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestMessage_PayloadRoundTrip(t *testing.T) {
	msg, err := NewMessage("worker-1", SupervisorRecipient, MessageShutdownResponse, ShutdownResponse{Approve: true})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	var resp ShutdownResponse
	if err := msg.Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !resp.Approve {
		t.Error("Approve = false, want true")
	}

	empty, err := NewMessage("supervisor", "worker-1", MessageShutdownRequest, nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if len(empty.Payload) != 0 {
		t.Errorf("Payload = %s, want empty", empty.Payload)
	}
	if err := empty.Decode(&resp); err == nil {
		t.Error("Decode() of empty payload should fail")
	}
}

func TestMessage_IsBroadcast(t *testing.T) {
	if !(Message{To: BroadcastRecipient}).IsBroadcast() {
		t.Error("broadcast message not detected")
	}
	if (Message{To: "worker-1"}).IsBroadcast() {
		t.Error("direct message reported as broadcast")
	}
}

func TestOfType(t *testing.T) {
	match := OfType(MessageReport)
	if !match(Message{Type: MessageReport}) {
		t.Error("OfType(report) rejected a report")
	}
	if match(Message{Type: MessageStatus}) {
		t.Error("OfType(report) accepted a status")
	}
}
