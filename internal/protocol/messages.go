// Package protocol defines the wire envelope and typed payloads shared
// between the core and its agents.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed enum of envelope message types.
type MessageType string

// Agent -> server message types.
const (
	TypeSystemInfo                  MessageType = "system_info"
	TypeHeartbeat                   MessageType = "heartbeat"
	TypeCommandResult               MessageType = "command_result"
	TypeError                       MessageType = "error"
	TypeOSVersionUpdate             MessageType = "os_version_update"
	TypeHardwareUpdate              MessageType = "hardware_update"
	TypeUserAccessUpdate            MessageType = "user_access_update"
	TypeSoftwareInventoryUpdate     MessageType = "software_inventory_update"
	TypePackageUpdatesUpdate        MessageType = "package_updates_update"
	TypeUpdateApplyResult           MessageType = "update_apply_result"
	TypeScriptExecutionResult       MessageType = "script_execution_result"
	TypeRebootStatusUpdate          MessageType = "reboot_status_update"
	TypeDiagnosticCollectionResult  MessageType = "diagnostic_collection_result"
	TypeHostCertificatesUpdate      MessageType = "host_certificates_update"
	TypeRoleData                    MessageType = "role_data"
	TypeThirdPartyRepositoryUpdate  MessageType = "third_party_repository_update"
	TypeAntivirusStatusUpdate       MessageType = "antivirus_status_update"
	TypeCommercialAntivirusStatus   MessageType = "commercial_antivirus_status_update"
	TypeFirewallStatusUpdate        MessageType = "firewall_status_update"
	TypeGraylogStatusUpdate         MessageType = "graylog_status_update"
	TypeHostnameChanged             MessageType = "hostname_changed"
	TypeVirtualizationSupportUpdate MessageType = "virtualization_support_update"
	TypeChildHostListUpdate         MessageType = "child_host_list_update"
	TypeChildHostCreationProgress   MessageType = "child_host_creation_progress"
	TypeChildHostCreated            MessageType = "child_host_created"
	TypeAvailablePackagesBatchStart MessageType = "available_packages_batch_start"
	TypeAvailablePackagesBatch      MessageType = "available_packages_batch"
	TypeAvailablePackagesBatchEnd   MessageType = "available_packages_batch_end"
)

// Server -> agent message types.
const (
	TypeCommand       MessageType = "command"
	TypeUpdateRequest MessageType = "update_request"
	TypePing          MessageType = "ping"
	TypeShutdown      MessageType = "shutdown"
	TypeHostApproved  MessageType = "host_approved"
	TypeConfigUpdate  MessageType = "config_update"
	TypeAck           MessageType = "ack"
)

// CommandType is the closed enum carried in a COMMAND envelope's payload.
type CommandType string

const (
	CommandExecuteShell       CommandType = "execute_shell"
	CommandInstallPackage     CommandType = "install_package"
	CommandUpdateSystem       CommandType = "update_system"
	CommandApplyUpdates       CommandType = "apply_updates"
	CommandRestartService     CommandType = "restart_service"
	CommandGetSystemInfo      CommandType = "get_system_info"
	CommandRebootSystem       CommandType = "reboot_system"
	CommandExecuteScript      CommandType = "execute_script"
	CommandCheckRebootStatus  CommandType = "check_reboot_status"
	CommandCollectDiagnostics CommandType = "collect_diagnostics"
	CommandUbuntuProAttach    CommandType = "ubuntu_pro_attach"
	CommandUbuntuProDetach    CommandType = "ubuntu_pro_detach"
	CommandOtelConfigure      CommandType = "otel_configure"
	CommandGraylogConfigure   CommandType = "graylog_configure"
	CommandPackageManagerSync CommandType = "package_manager_sync"
)

// BusinessTelemetryTypes lists the message types that are opaque to the
// core and delegated to external handlers.
var BusinessTelemetryTypes = []MessageType{
	TypeOSVersionUpdate,
	TypeHardwareUpdate,
	TypeUserAccessUpdate,
	TypeSoftwareInventoryUpdate,
	TypePackageUpdatesUpdate,
	TypeAvailablePackagesBatchStart,
	TypeAvailablePackagesBatch,
	TypeAvailablePackagesBatchEnd,
	TypeScriptExecutionResult,
	TypeRebootStatusUpdate,
	TypeHostCertificatesUpdate,
	TypeRoleData,
	TypeThirdPartyRepositoryUpdate,
	TypeAntivirusStatusUpdate,
	TypeCommercialAntivirusStatus,
}

// Message is the four-field wire envelope: {message_type, message_id, timestamp, data}.
type Message struct {
	Type      MessageType     `json:"message_type"`
	ID        string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewMessage builds an envelope with a fresh UUID v4 message_id and the
// current UTC timestamp, marshaling payload into data.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", msgType, err)
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseData unmarshals the envelope's data field into target.
func (m *Message) ParseData(target any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, target)
}

// Validate checks envelope-level integrity: message_id is a UUID, type
// is non-empty, timestamp is non-zero.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("protocol: empty message_type")
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("protocol: message_id %q is not a UUID: %w", m.ID, err)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("protocol: missing or unparseable timestamp")
	}
	return nil
}

// ParseEnvelope decodes raw bytes into a Message, applying the
// SCRIPT_EXECUTION_RESULT special case: historically this message type
// carries its payload fields at the top level of the envelope rather
// than nested under data. Both shapes are accepted for wire
// compatibility with existing agents.
func ParseEnvelope(raw []byte) (*Message, error) {
	var probe struct {
		Type      MessageType     `json:"message_type"`
		ID        string          `json:"message_id"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}

	msg := &Message{Type: probe.Type, ID: probe.ID, Timestamp: probe.Timestamp, Data: probe.Data}

	if probe.Type == TypeScriptExecutionResult && len(probe.Data) == 0 {
		// Flat-shape compatibility: re-marshal the whole object minus the
		// four known envelope keys as the data payload.
		var whole map[string]json.RawMessage
		if err := json.Unmarshal(raw, &whole); err != nil {
			return nil, fmt.Errorf("protocol: malformed flat envelope: %w", err)
		}
		delete(whole, "message_type")
		delete(whole, "message_id")
		delete(whole, "timestamp")
		flat, err := json.Marshal(whole)
		if err != nil {
			return nil, fmt.Errorf("protocol: re-marshal flat envelope: %w", err)
		}
		msg.Data = flat
	}

	return msg, nil
}

// Encode marshals the envelope back to wire bytes.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// HeartbeatPayload is the data of a HEARTBEAT envelope.
type HeartbeatPayload struct {
	AgentStatus string `json:"agent_status"`
}

// AckPayload is the data of an ACK envelope sent in response to a heartbeat.
type AckPayload struct {
	Status string `json:"status"`
}

// NewHeartbeatAck builds the ack for a heartbeat: its message_id equals
// the heartbeat's message_id, not a freshly generated one.
func NewHeartbeatAck(heartbeatMessageID string) (*Message, error) {
	data, err := json.Marshal(AckPayload{Status: "heartbeat_received"})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeAck,
		ID:        heartbeatMessageID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// SystemInfoPayload is the data of a SYSTEM_INFO (registration) envelope.
type SystemInfoPayload struct {
	Hostname string `json:"hostname"`
	IPv4     string `json:"ipv4,omitempty"`
	IPv6     string `json:"ipv6,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// RegistrationAckPayload is the data of the ack sent back over the
// socket in response to an inline SYSTEM_INFO.
type RegistrationAckPayload struct {
	Status         string `json:"status"`
	HostID         string `json:"host_id"`
	ApprovalStatus string `json:"approval_status"`
}

// NewRegistrationAck builds the ack envelope for an inline SYSTEM_INFO,
// correlated to the registration message via message_id like NewHeartbeatAck.
func NewRegistrationAck(systemInfoMessageID, hostID, approvalStatus string) (*Message, error) {
	data, err := json.Marshal(RegistrationAckPayload{
		Status:         "registered",
		HostID:         hostID,
		ApprovalStatus: approvalStatus,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeAck,
		ID:        systemInfoMessageID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ConnectionInfo is the side-channel carried on queue entries whose
// host_id is still NULL at enqueue time (pre-registration).
type ConnectionInfo struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	IPv4     string `json:"ipv4,omitempty"`
	IPv6     string `json:"ipv6,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// WithConnectionInfo returns a copy of m whose data carries a
// `_connection_info` field alongside its existing keys, for queue
// entries enqueued before the connection's hostname is known.
func (m *Message) WithConnectionInfo(ci ConnectionInfo) (*Message, error) {
	fields := make(map[string]json.RawMessage)
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return nil, fmt.Errorf("protocol: decode data to attach connection info: %w", err)
		}
	}

	encoded, err := json.Marshal(ci)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal connection info: %w", err)
	}
	fields["_connection_info"] = encoded

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal data with connection info: %w", err)
	}

	return &Message{Type: m.Type, ID: m.ID, Timestamp: m.Timestamp, Data: data}, nil
}

// CommandPayload is the data of a COMMAND envelope.
type CommandPayload struct {
	CommandID string         `json:"command_id"`
	Command   CommandType    `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
	Timeout   int            `json:"timeout"` // seconds, default 300
}

// NewCommandMessage builds a COMMAND envelope, defaulting Timeout to
// 300 seconds.
func NewCommandMessage(cmd CommandType, args map[string]any) (*Message, error) {
	payload := CommandPayload{
		CommandID: uuid.NewString(),
		Command:   cmd,
		Args:      args,
		Timeout:   300,
	}
	return NewMessage(TypeCommand, payload)
}

// CommandResultPayload is the data of a COMMAND_RESULT envelope.
type CommandResultPayload struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HostApprovedPayload is the data of a HOST_APPROVED envelope.
type HostApprovedPayload struct {
	HostID         string `json:"host_id"`
	ApprovalStatus string `json:"approval_status"`
	Certificate    string `json:"certificate,omitempty"`
}

// NewHostApprovedMessage builds a HOST_APPROVED envelope.
func NewHostApprovedMessage(hostID, approvalStatus, certificate string) (*Message, error) {
	return NewMessage(TypeHostApproved, HostApprovedPayload{
		HostID:         hostID,
		ApprovalStatus: approvalStatus,
		Certificate:    certificate,
	})
}

// ConfigUpdatePayload is the data of a CONFIG_UPDATE envelope.
type ConfigUpdatePayload struct {
	Config          json.RawMessage `json:"config,omitempty"`
	EncryptedConfig string          `json:"encrypted_config,omitempty"`
	Version         int             `json:"version"`
	Checksum        string          `json:"checksum"`
	RequiresRestart bool            `json:"requires_restart"`
}

// ErrorPayload is the data of an ERROR envelope sent back to an agent
// after a malformed or invalid inbound frame.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// NewErrorMessage builds an ERROR envelope.
func NewErrorMessage(reason string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Reason: reason})
}
