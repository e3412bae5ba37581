// Package configpush implements the Config Push Manager:
// versioned, checksummed configuration delivery to a single agent, a
// platform, or the whole fleet, tracked per-hostname until acknowledged.
package configpush

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/connmgr"
	"github.com/sysmanage/core/internal/metrics"
	"github.com/sysmanage/core/internal/protocol"
)

// Sender is the subset of connmgr.Manager the push manager needs. Defined
// as an interface so tests can substitute a fake without a real registry.
type Sender interface {
	SendToHostname(hostname string, msg []byte) bool
	GetActiveAgents() []connmgr.Snapshot
}

// PendingConfig is the last unacknowledged push for one target
// hostname.
type PendingConfig struct {
	Version        int
	CreatedAt      time.Time
	Config         json.RawMessage
	Checksum       string
	TargetHostname string
	LastError      string
	// EnvelopeID is the CONFIG_UPDATE envelope's message_id: the agent's
	// acknowledgment is a COMMAND_RESULT whose command_id equals this
	// value.
	EnvelopeID string
}

// Manager owns the per-hostname version counter and pending-ack map,
// both guarded by one mutex: a single owner, no cross-component locks.
type Manager struct {
	conns Sender
	log   zerolog.Logger

	mu       sync.Mutex
	versions map[string]int
	pending  map[string]PendingConfig
}

// New builds a config push manager over conns. Version counters live only
// in memory and start at zero for every hostname; each push (including
// one whose send fails) advances its hostname's counter by one.
// Acknowledgments never change a counter and nothing rebuilds it, so the
// first push for any hostname after a restart is version 1.
func New(conns Sender, log zerolog.Logger) *Manager {
	return &Manager{
		conns:    conns,
		log:      log.With().Str("component", "configpush").Logger(),
		versions: make(map[string]int),
		pending:  make(map[string]PendingConfig),
	}
}

// canonicalJSON re-encodes config with recursively sorted object keys
// and no insignificant whitespace. encoding/json already sorts
// map[string]any keys when marshaling; round-tripping through a generic
// decode forces that sorting regardless of whether config arrived as a
// struct (declaration order) or a map.
func canonicalJSON(config any) ([]byte, error) {
	first, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("configpush: marshal config: %w", err)
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, fmt.Errorf("configpush: normalize config: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("configpush: marshal canonical config: %w", err)
	}
	return canonical, nil
}

// Checksum returns the hex16 checksum of config, stable across key
// permutations of equivalent configs.
func Checksum(config any) (string, error) {
	canonical, err := canonicalJSON(config)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// buildEnvelope constructs the versioned envelope for target, allocating
// the next version number and wrapping it as a CONFIG_UPDATE message.
func (m *Manager) buildEnvelope(target string, config any) (*protocol.Message, PendingConfig, error) {
	canonical, err := canonicalJSON(config)
	if err != nil {
		return nil, PendingConfig{}, err
	}
	sum := sha256.Sum256(canonical)
	checksum := hex.EncodeToString(sum[:])[:16]

	m.mu.Lock()
	version := m.versions[target] + 1
	m.versions[target] = version
	m.mu.Unlock()

	envelope, err := protocol.NewMessage(protocol.TypeConfigUpdate, protocol.ConfigUpdatePayload{
		Config:   json.RawMessage(canonical),
		Version:  version,
		Checksum: checksum,
	})
	if err != nil {
		return nil, PendingConfig{}, fmt.Errorf("configpush: build envelope: %w", err)
	}

	pending := PendingConfig{
		Version:        version,
		CreatedAt:      time.Now().UTC(),
		Config:         json.RawMessage(canonical),
		Checksum:       checksum,
		TargetHostname: target,
		EnvelopeID:     envelope.ID,
	}
	return envelope, pending, nil
}

// PushConfigToAgent builds and sends a versioned config to hostname. On
// successful send the pending slot is recorded, replacing any older
// pending config for that hostname. On transport failure the pending
// slot is discarded — no partial delivery promise.
func (m *Manager) PushConfigToAgent(hostname string, config any) bool {
	envelope, pending, err := m.buildEnvelope(hostname, config)
	if err != nil {
		m.log.Error().Err(err).Str("hostname", hostname).Msg("failed to build config envelope")
		metrics.RecordConfigPush(false)
		return false
	}

	encoded, err := envelope.Encode()
	if err != nil {
		m.log.Error().Err(err).Str("hostname", hostname).Msg("failed to encode config envelope")
		metrics.RecordConfigPush(false)
		return false
	}

	if !m.conns.SendToHostname(hostname, encoded) {
		m.log.Warn().Str("hostname", hostname).Int("version", pending.Version).Msg("config push transport failure, discarding pending slot")
		metrics.RecordConfigPush(false)
		return false
	}

	m.mu.Lock()
	m.pending[hostname] = pending
	metrics.ConfigPendingGauge.Set(float64(len(m.pending)))
	m.mu.Unlock()

	metrics.RecordConfigPush(true)
	m.log.Info().Str("hostname", hostname).Int("version", pending.Version).Msg("config pushed")
	return true
}

// PushConfigToAllAgents pushes config to every currently registered
// agent, returning per-hostname success.
func (m *Manager) PushConfigToAllAgents(config any) map[string]bool {
	results := make(map[string]bool)
	for _, agent := range m.conns.GetActiveAgents() {
		if agent.Hostname == "" {
			continue
		}
		results[agent.Hostname] = m.PushConfigToAgent(agent.Hostname, config)
	}
	return results
}

// PushConfigByPlatform pushes config to every registered agent whose
// Platform matches, returning the count of successful pushes.
func (m *Manager) PushConfigByPlatform(platform string, config any) int {
	successes := 0
	for _, agent := range m.conns.GetActiveAgents() {
		if agent.Platform != platform || agent.Hostname == "" {
			continue
		}
		if m.PushConfigToAgent(agent.Hostname, config) {
			successes++
		}
	}
	return successes
}

// HandleConfigAcknowledgment processes a COMMAND_RESULT correlated to a
// CONFIG_UPDATE envelope:
//   - no pending config for hostname: log and drop.
//   - version mismatch: log and retain the (newer) pending entry.
//   - success: clear the pending slot.
//   - failure: retain with the last error.
func (m *Manager) HandleConfigAcknowledgment(hostname string, version int, success bool, errMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[hostname]
	if !ok {
		m.log.Debug().Str("hostname", hostname).Msg("config acknowledgment for hostname with no pending config, dropping")
		return
	}

	if pending.Version != version {
		m.log.Warn().Str("hostname", hostname).Int("acked_version", version).Int("pending_version", pending.Version).
			Msg("config acknowledgment version mismatch, retaining pending entry")
		return
	}

	if success {
		delete(m.pending, hostname)
		metrics.ConfigPendingGauge.Set(float64(len(m.pending)))
		return
	}

	pending.LastError = errMessage
	m.pending[hostname] = pending
}

// VersionForEnvelope returns hostname's pending version if envelopeID
// matches its tracked CONFIG_UPDATE message_id — the correlation a caller
// uses to recognize a COMMAND_RESULT as a config acknowledgment rather
// than an ordinary command result.
func (m *Manager) VersionForEnvelope(hostname, envelopeID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[hostname]
	if !ok || pending.EnvelopeID != envelopeID {
		return 0, false
	}
	return pending.Version, true
}

// GetPendingConfigs returns a snapshot of every unacknowledged push.
func (m *Manager) GetPendingConfigs() map[string]PendingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]PendingConfig, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}

// RetryPending re-pushes every currently pending config using an
// exponential backoff policy for the retry attempt itself, for
// administrative re-delivery of a config whose pending slot was
// retained after a failed or mismatched acknowledgment. The durable
// queue never retries on its own; this map is the one explicit,
// administrator-triggered exception.
func (m *Manager) RetryPending(ctx context.Context) {
	for hostname, pending := range m.GetPendingConfigs() {
		var config any
		if err := json.Unmarshal(pending.Config, &config); err != nil {
			m.log.Error().Err(err).Str("hostname", hostname).Msg("cannot decode pending config for retry")
			continue
		}

		op := func() (bool, error) {
			if m.PushConfigToAgent(hostname, config) {
				return true, nil
			}
			return false, fmt.Errorf("configpush: retry push to %s failed", hostname)
		}

		policy := backoff.NewExponentialBackOff()
		if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(policy), backoff.WithMaxTries(3)); err != nil {
			m.log.Warn().Err(err).Str("hostname", hostname).Msg("admin config retry exhausted")
		}
	}
}

// NewLoggingConfig builds a minimal logging configuration payload, giving
// tests a concrete, realistic config shape to push.
func NewLoggingConfig(level string, retentionDays int) map[string]any {
	return map[string]any{
		"logging": map[string]any{
			"level":          level,
			"retention_days": retentionDays,
		},
	}
}

// NewWebSocketConfig builds a minimal websocket tuning payload.
func NewWebSocketConfig(pingIntervalSeconds, pongTimeoutSeconds int) map[string]any {
	return map[string]any{
		"websocket": map[string]any{
			"ping_interval_seconds": pingIntervalSeconds,
			"pong_timeout_seconds":  pongTimeoutSeconds,
		},
	}
}

// NewServerConfig builds a minimal server-tuning payload.
func NewServerConfig(hostBatchSize int, stuckThresholdSeconds int) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"processor_host_batch_size":      hostBatchSize,
			"processor_stuck_threshold_secs": stuckThresholdSeconds,
		},
	}
}
