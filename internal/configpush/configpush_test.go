package configpush

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/connmgr"
	"github.com/sysmanage/core/internal/protocol"
)

type fakeSender struct {
	sent   map[string][][]byte
	fail   map[string]bool
	agents []connmgr.Snapshot
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte), fail: make(map[string]bool)}
}

func (f *fakeSender) SendToHostname(hostname string, msg []byte) bool {
	if f.fail[hostname] {
		return false
	}
	f.sent[hostname] = append(f.sent[hostname], msg)
	return true
}

func (f *fakeSender) GetActiveAgents() []connmgr.Snapshot {
	return f.agents
}

func decodeConfigUpdate(t *testing.T, raw []byte) protocol.ConfigUpdatePayload {
	t.Helper()
	msg, err := protocol.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if msg.Type != protocol.TypeConfigUpdate {
		t.Fatalf("message_type = %s, want config_update", msg.Type)
	}
	var payload protocol.ConfigUpdatePayload
	if err := msg.ParseData(&payload); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	return payload
}

// Version numbers increase monotonically per hostname.
func TestPushConfigToAgentVersionMonotonicity(t *testing.T) {
	sender := newFakeSender()
	m := New(sender, zerolog.Nop())

	if !m.PushConfigToAgent("node-1", map[string]any{"k": 1}) {
		t.Fatalf("first push failed")
	}
	if !m.PushConfigToAgent("node-1", map[string]any{"k": 2}) {
		t.Fatalf("second push failed")
	}

	first := decodeConfigUpdate(t, sender.sent["node-1"][0])
	second := decodeConfigUpdate(t, sender.sent["node-1"][1])
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}

	// Late ack for version 1: pending (tracking version 2) must be retained.
	m.HandleConfigAcknowledgment("node-1", 1, true, "")
	pending := m.GetPendingConfigs()
	entry, ok := pending["node-1"]
	if !ok {
		t.Fatalf("pending entry for node-1 was dropped on version-mismatch ack")
	}
	if entry.Version != 2 {
		t.Fatalf("pending version = %d, want 2 (retained after stale ack)", entry.Version)
	}
}

func TestHandleConfigAcknowledgmentSuccessClearsPending(t *testing.T) {
	sender := newFakeSender()
	m := New(sender, zerolog.Nop())

	m.PushConfigToAgent("node-2", map[string]any{"a": 1})
	m.HandleConfigAcknowledgment("node-2", 1, true, "")

	if _, ok := m.GetPendingConfigs()["node-2"]; ok {
		t.Fatalf("pending entry for node-2 should have been cleared on success")
	}
}

func TestHandleConfigAcknowledgmentFailureRetainsLastError(t *testing.T) {
	sender := newFakeSender()
	m := New(sender, zerolog.Nop())

	m.PushConfigToAgent("node-3", map[string]any{"a": 1})
	m.HandleConfigAcknowledgment("node-3", 1, false, "disk full")

	entry, ok := m.GetPendingConfigs()["node-3"]
	if !ok {
		t.Fatalf("pending entry for node-3 should be retained on failure")
	}
	if entry.LastError != "disk full" {
		t.Fatalf("LastError = %q, want %q", entry.LastError, "disk full")
	}
}

func TestHandleConfigAcknowledgmentWithNoPendingIsDropped(t *testing.T) {
	sender := newFakeSender()
	m := New(sender, zerolog.Nop())

	// Must not panic or create a spurious entry.
	m.HandleConfigAcknowledgment("never-pushed", 1, true, "")
	if len(m.GetPendingConfigs()) != 0 {
		t.Fatalf("expected no pending entries")
	}
}

func TestPushConfigToAgentTransportFailureDiscardsPendingSlot(t *testing.T) {
	sender := newFakeSender()
	sender.fail["node-4"] = true
	m := New(sender, zerolog.Nop())

	if m.PushConfigToAgent("node-4", map[string]any{"a": 1}) {
		t.Fatalf("push should have failed")
	}
	if _, ok := m.GetPendingConfigs()["node-4"]; ok {
		t.Fatalf("no pending slot should exist after a transport failure")
	}
}

func TestPushConfigToAllAgentsAndByPlatform(t *testing.T) {
	sender := newFakeSender()
	sender.agents = []connmgr.Snapshot{
		{Hostname: "a", Platform: "linux"},
		{Hostname: "b", Platform: "windows"},
		{Hostname: "c", Platform: "linux"},
	}
	m := New(sender, zerolog.Nop())

	results := m.PushConfigToAllAgents(map[string]any{"k": "v"})
	if len(results) != 3 || !results["a"] || !results["b"] || !results["c"] {
		t.Fatalf("results = %+v, want all three true", results)
	}

	count := m.PushConfigByPlatform("linux", map[string]any{"k": "v2"})
	if count != 2 {
		t.Fatalf("PushConfigByPlatform count = %d, want 2", count)
	}
}

// The checksum must be stable across
// key-permutations of config.
func TestChecksumStableAcrossKeyPermutations(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2, "z": 3}

	var b map[string]any
	raw := []byte(`{"z":3,"y":2,"x":1}`)
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatalf("Checksum(a): %v", err)
	}
	sumB, err := Checksum(b)
	if err != nil {
		t.Fatalf("Checksum(b): %v", err)
	}
	if sumA != sumB {
		t.Fatalf("checksum differs across key permutations: %q vs %q", sumA, sumB)
	}
	if len(sumA) != 16 {
		t.Fatalf("checksum length = %d, want 16", len(sumA))
	}
}
