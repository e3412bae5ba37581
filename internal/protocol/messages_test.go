package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeHeartbeat, HeartbeatPayload{AgentStatus: "healthy"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := ParseEnvelope(encoded)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}

	if decoded.Type != msg.Type || decoded.ID != msg.ID {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, msg)
	}

	var payload HeartbeatPayload
	if err := decoded.ParseData(&payload); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if payload.AgentStatus != "healthy" {
		t.Fatalf("payload.AgentStatus = %q, want healthy", payload.AgentStatus)
	}
}

func TestParseEnvelopePreservesExtensionKeys(t *testing.T) {
	raw := []byte(`{
		"message_type": "os_version_update",
		"message_id": "11111111-1111-4111-8111-111111111111",
		"timestamp": "2025-01-01T00:00:00Z",
		"data": {"os_name": "NixOS", "os_version": "24.05", "extra_field": 42}
	}`)

	msg, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}

	var extension map[string]any
	if err := msg.ParseData(&extension); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if extension["extra_field"].(float64) != 42 {
		t.Fatalf("extension key not preserved: %+v", extension)
	}
}

func TestParseEnvelopeScriptExecutionResultFlatShape(t *testing.T) {
	raw := []byte(`{
		"message_type": "script_execution_result",
		"message_id": "22222222-2222-4222-8222-222222222222",
		"timestamp": "2025-01-01T00:00:00Z",
		"script_id": "abc",
		"exit_code": 0,
		"stdout": "ok"
	}`)

	msg, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if msg.Type != TypeScriptExecutionResult {
		t.Fatalf("Type = %s, want %s", msg.Type, TypeScriptExecutionResult)
	}

	var fields map[string]any
	if err := msg.ParseData(&fields); err != nil {
		t.Fatalf("ParseData on flattened payload: %v", err)
	}
	if fields["script_id"] != "abc" {
		t.Fatalf("flat field script_id not promoted into data: %+v", fields)
	}
	if fields["exit_code"].(float64) != 0 {
		t.Fatalf("flat field exit_code not promoted into data: %+v", fields)
	}
}

func TestParseEnvelopeScriptExecutionResultNestedShapeStillWorks(t *testing.T) {
	raw := []byte(`{
		"message_type": "script_execution_result",
		"message_id": "33333333-3333-4333-8333-333333333333",
		"timestamp": "2025-01-01T00:00:00Z",
		"data": {"script_id": "def", "exit_code": 1}
	}`)

	msg, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	var fields map[string]any
	if err := msg.ParseData(&fields); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if fields["script_id"] != "def" {
		t.Fatalf("nested payload not preserved: %+v", fields)
	}
}

func TestValidateRejectsNonUUIDMessageID(t *testing.T) {
	msg := &Message{Type: TypeHeartbeat, ID: "not-a-uuid", Timestamp: time.Now()}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for non-UUID message_id")
	}
}

func TestValidateRejectsEmptyType(t *testing.T) {
	msg := &Message{Type: "", ID: "11111111-1111-4111-8111-111111111111", Timestamp: time.Now()}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty message_type")
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	msg := &Message{Type: TypeHeartbeat, ID: "11111111-1111-4111-8111-111111111111", Timestamp: time.Now()}
	if err := msg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewHeartbeatAckUsesHeartbeatMessageID(t *testing.T) {
	heartbeatID := "11111111-1111-4111-8111-111111111111"
	ack, err := NewHeartbeatAck(heartbeatID)
	if err != nil {
		t.Fatalf("NewHeartbeatAck: %v", err)
	}
	if ack.Type != TypeAck {
		t.Fatalf("Type = %s, want ack", ack.Type)
	}
	if ack.ID != heartbeatID {
		t.Fatalf("ID = %s, want %s (ack.message_id must equal heartbeat.message_id)", ack.ID, heartbeatID)
	}

	var payload AckPayload
	if err := ack.ParseData(&payload); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if payload.Status != "heartbeat_received" {
		t.Fatalf("Status = %q, want heartbeat_received", payload.Status)
	}
}

func TestNewCommandMessageDefaultsTimeout(t *testing.T) {
	msg, err := NewCommandMessage(CommandExecuteShell, map[string]any{"cmd": "ls"})
	if err != nil {
		t.Fatalf("NewCommandMessage: %v", err)
	}
	var payload CommandPayload
	if err := msg.ParseData(&payload); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if payload.Timeout != 300 {
		t.Fatalf("Timeout = %d, want 300", payload.Timeout)
	}
	if payload.CommandID == "" {
		t.Fatal("CommandID not set")
	}
}

func TestEncodeProducesCanonicalEnvelopeFields(t *testing.T) {
	msg, err := NewMessage(TypeSystemInfo, SystemInfoPayload{Hostname: "host1"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"message_type", "message_id", "timestamp", "data"} {
		if _, ok := generic[key]; !ok {
			t.Fatalf("encoded envelope missing field %q", key)
		}
	}
}
