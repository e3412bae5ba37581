package integration

import (
	"testing"
	"time"

	"github.com/sysmanage/core/internal/configpush"
	"github.com/sysmanage/core/internal/protocol"
	"github.com/sysmanage/core/internal/queue"
	"github.com/sysmanage/core/internal/server"
)

// An outbound COMMAND enqueued for a connected host is delivered over
// its WebSocket, and the agent's COMMAND_RESULT flows back through the
// inbound queue to completion.
func TestOutboundCommandDeliveredAndResultProcessed(t *testing.T) {
	s := newTestServer(t, nil)

	agent := dialAgent(t, s, "node-1.example.com")
	ack := agent.register("linux")
	s.approveHost("node-1.example.com")

	var reg protocol.RegistrationAckPayload
	if err := ack.ParseData(&reg); err != nil {
		t.Fatalf("parse registration ack: %v", err)
	}

	cmd, err := protocol.NewCommandMessage(protocol.CommandGetSystemInfo, nil)
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	encoded, err := cmd.Encode()
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	hostID := reg.HostID
	if _, err := s.Queue.Enqueue(t.Context(), queue.DirectionOutbound, &hostID, protocol.TypeCommand, encoded, queue.PriorityHigh); err != nil {
		t.Fatalf("enqueue outbound: %v", err)
	}

	received := agent.waitForType(protocol.TypeCommand)
	var payload protocol.CommandPayload
	if err := received.ParseData(&payload); err != nil {
		t.Fatalf("parse command: %v", err)
	}
	if payload.Command != protocol.CommandGetSystemInfo {
		t.Errorf("command = %q, want get_system_info", payload.Command)
	}
	if payload.Timeout != 300 {
		t.Errorf("timeout = %d, want 300", payload.Timeout)
	}

	agent.send(protocol.TypeCommandResult, protocol.CommandResultPayload{
		CommandID: payload.CommandID,
		Success:   true,
		Output:    "ok",
	})

	waitFor(t, 5*time.Second, "command_result completed", func() bool {
		var status string
		if err := s.DB.QueryRow(`SELECT status FROM message_queue WHERE message_type = 'command_result'`).Scan(&status); err != nil {
			return false
		}
		return status == "COMPLETED"
	})
}

// An outbound message enqueued while the host is offline survives in the
// queue and is delivered once the agent connects. The stuck sweeper
// returns the claimed-but-unsendable row to PENDING.
func TestOutboundSurvivesUntilAgentConnects(t *testing.T) {
	s := newTestServer(t, func(cfg *server.Config) {
		cfg.ProcessorStuckThreshold = 200 * time.Millisecond
	})

	// Host exists and is approved, but no agent is connected yet.
	host, err := s.Hosts.UpsertOnRegistration(t.Context(), "node-5.example.com", "linux")
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	s.approveHost("node-5.example.com")

	ping, err := protocol.NewMessage(protocol.TypePing, map[string]any{})
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	encoded, err := ping.Encode()
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	hostID := host.ID
	if _, err := s.Queue.Enqueue(t.Context(), queue.DirectionOutbound, &hostID, protocol.TypePing, encoded, queue.PriorityNormal); err != nil {
		t.Fatalf("enqueue outbound: %v", err)
	}

	// Give the processor a few ticks to claim and fail the send.
	time.Sleep(300 * time.Millisecond)

	agent := dialAgent(t, s, "node-5.example.com")
	agent.register("linux")

	received := agent.waitForType(protocol.TypePing)
	if received.ID != ping.ID {
		t.Errorf("delivered message_id = %s, want %s", received.ID, ping.ID)
	}
}

// Version counters are monotonic per hostname, a late ack for a
// superseded version leaves the pending slot untouched, and the ack for
// the current version clears it.
func TestConfigPushVersioningAndAcknowledgment(t *testing.T) {
	s := newTestServer(t, nil)

	agent := dialAgent(t, s, "node-6.example.com")
	agent.register("linux")
	s.approveHost("node-6.example.com")

	push := s.Srv.ConfigPush()

	if !push.PushConfigToAgent("node-6.example.com", configpush.NewLoggingConfig("info", 7)) {
		t.Fatal("first push failed")
	}
	first := agent.waitForType(protocol.TypeConfigUpdate)
	var v1 protocol.ConfigUpdatePayload
	if err := first.ParseData(&v1); err != nil {
		t.Fatalf("parse config v1: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("first version = %d, want 1", v1.Version)
	}
	if len(v1.Checksum) != 16 {
		t.Errorf("checksum = %q, want 16 hex chars", v1.Checksum)
	}

	if !push.PushConfigToAgent("node-6.example.com", configpush.NewLoggingConfig("debug", 7)) {
		t.Fatal("second push failed")
	}
	second := agent.waitForType(protocol.TypeConfigUpdate)
	var v2 protocol.ConfigUpdatePayload
	if err := second.ParseData(&v2); err != nil {
		t.Fatalf("parse config v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("second version = %d, want 2", v2.Version)
	}

	// Late ack for version 1: the pending slot (tracking version 2) is
	// retained.
	agent.send(protocol.TypeCommandResult, protocol.CommandResultPayload{
		CommandID: first.ID,
		Success:   true,
	})
	time.Sleep(300 * time.Millisecond)
	pending := push.GetPendingConfigs()
	if p, ok := pending["node-6.example.com"]; !ok || p.Version != 2 {
		t.Fatalf("pending after late ack = %+v, want version 2 retained", pending)
	}

	// Ack for the current version clears the slot.
	agent.send(protocol.TypeCommandResult, protocol.CommandResultPayload{
		CommandID: second.ID,
		Success:   true,
	})
	waitFor(t, 5*time.Second, "pending config cleared", func() bool {
		_, ok := push.GetPendingConfigs()["node-6.example.com"]
		return !ok
	})
}
