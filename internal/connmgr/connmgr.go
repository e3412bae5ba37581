// Package connmgr implements the Connection Manager: the
// live, in-memory registry of authenticated agent sessions and the
// routing primitives over them. Exclusively owns AgentConnection values;
// callers hold only borrowed references for the duration of a call.
package connmgr

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/hoststore"
	"github.com/sysmanage/core/internal/metrics"
)

// Transport is the subset of *websocket.Conn the manager needs to send
// frames and close a session. Satisfied directly by *websocket.Conn;
// defined as an interface so tests can substitute a fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AgentConnection is a live agent session. Descriptive
// fields are nil/zero until Register binds them.
type AgentConnection struct {
	AgentID     string
	Hostname    string
	IPv4        string
	IPv6        string
	Platform    string
	ConnectedAt time.Time
	LastSeen    time.Time

	conn Transport
	// writeMu serializes frames to the underlying transport: gorilla's
	// Conn is not safe for concurrent writers, and both broadcast and
	// point-to-point sends can race against each other.
	writeMu sync.Mutex
}

func (a *AgentConnection) send(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Snapshot is the read-only projection returned by GetActiveAgents and
// GetAgentByHostname.
type Snapshot struct {
	AgentID     string
	Hostname    string
	IPv4        string
	IPv6        string
	Platform    string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Manager is the live agent registry.
type Manager struct {
	log   zerolog.Logger
	hosts *hoststore.Store

	mu         sync.RWMutex
	byAgentID  map[string]*AgentConnection
	byHostname map[string]*AgentConnection
}

// NewManager constructs an empty registry. hosts is used only by
// SendToHost to resolve a host_id to its fqdn.
func NewManager(hosts *hoststore.Store, log zerolog.Logger) *Manager {
	return &Manager{
		log:        log.With().Str("component", "connmgr").Logger(),
		hosts:      hosts,
		byAgentID:  make(map[string]*AgentConnection),
		byHostname: make(map[string]*AgentConnection),
	}
}

// Connect accepts an already-upgraded transport and registers it under a
// fresh agent_id. The connection has no hostname until Register is called.
func (m *Manager) Connect(agentID string, conn Transport) *AgentConnection {
	now := time.Now().UTC()
	ac := &AgentConnection{
		AgentID:     agentID,
		ConnectedAt: now,
		LastSeen:    now,
		conn:        conn,
	}

	m.mu.Lock()
	m.byAgentID[agentID] = ac
	m.mu.Unlock()
	metrics.ConnectionsActive.Inc()

	return ac
}

// Register binds descriptive attributes to an existing connection and
// adds it to the hostname index. Lookups on hostname are
// case-insensitive.
func (m *Manager) Register(agentID, hostname, ipv4, ipv6, platform string) bool {
	m.mu.Lock()
	ac, ok := m.byAgentID[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	ac.Hostname = hostname
	ac.IPv4 = ipv4
	ac.IPv6 = ipv6
	ac.Platform = platform
	ac.LastSeen = time.Now().UTC()
	if hostname != "" {
		m.byHostname[hostname] = ac
	}
	m.mu.Unlock()

	return true
}

// Disconnect removes agentID from both indexes. Idempotent.
func (m *Manager) Disconnect(agentID string) {
	m.mu.Lock()
	ac, ok := m.byAgentID[agentID]
	if ok {
		delete(m.byAgentID, agentID)
		if ac.Hostname != "" && m.byHostname[ac.Hostname] == ac {
			delete(m.byHostname, ac.Hostname)
		}
	}
	m.mu.Unlock()
	if ok {
		metrics.ConnectionsActive.Dec()
	}
}

// SendToAgent sends msg to a specific agent_id. Returns false and evicts
// the connection on a transport-level failure; returns true (keeping the
// connection) for anything the error classifier treats conservatively.
func (m *Manager) SendToAgent(agentID string, msg []byte) bool {
	m.mu.RLock()
	ac, ok := m.byAgentID[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	err := ac.send(msg)
	if err == nil {
		return true
	}

	if classifyKeepConnection(err) {
		m.log.Warn().Err(err).Str("agent_id", agentID).Msg("protocol error sending to agent, connection stays active")
		return true
	}

	m.log.Error().Err(err).Str("agent_id", agentID).Msg("communication error sending to agent, evicting")
	m.Disconnect(agentID)
	return false
}

// SendToHostname sends msg to the agent registered under hostname, trying
// an exact match first and falling back to case-insensitive.
func (m *Manager) SendToHostname(hostname string, msg []byte) bool {
	m.mu.RLock()
	ac, ok := m.byHostname[hostname]
	if !ok {
		lower := strings.ToLower(hostname)
		for registered, candidate := range m.byHostname {
			if strings.ToLower(registered) == lower {
				ac = candidate
				ok = true
				break
			}
		}
	}
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return m.SendToAgent(ac.AgentID, msg)
}

// SendToHost resolves host_id to its fqdn via the host store, then
// delegates to SendToHostname.
func (m *Manager) SendToHost(ctx context.Context, hostID string, msg []byte) bool {
	host, err := m.hosts.GetByID(ctx, hostID)
	if err != nil {
		return false
	}
	return m.SendToHostname(host.FQDN, msg)
}

// BroadcastToAll sends msg to every connected agent, returning the count
// of successful sends. Failed agent_ids are collected in a first pass and
// evicted in a second, avoiding concurrent-modification hazards on the
// registry.
func (m *Manager) BroadcastToAll(msg []byte) int {
	return m.broadcast(msg, func(*AgentConnection) bool { return true })
}

// BroadcastToPlatform sends msg to every agent whose Platform matches.
func (m *Manager) BroadcastToPlatform(platform string, msg []byte) int {
	return m.broadcast(msg, func(ac *AgentConnection) bool { return ac.Platform == platform })
}

func (m *Manager) broadcast(msg []byte, include func(*AgentConnection) bool) int {
	m.mu.RLock()
	targets := make([]*AgentConnection, 0, len(m.byAgentID))
	for _, ac := range m.byAgentID {
		if include(ac) {
			targets = append(targets, ac)
		}
	}
	m.mu.RUnlock()

	successes := 0
	var failed []string
	for _, ac := range targets {
		if err := ac.send(msg); err != nil && !classifyKeepConnection(err) {
			failed = append(failed, ac.AgentID)
			metrics.RecordBroadcast(false)
			continue
		}
		successes++
		metrics.RecordBroadcast(true)
	}

	for _, agentID := range failed {
		m.Disconnect(agentID)
	}

	return successes
}

// GetActiveAgents returns a snapshot of every registered connection.
func (m *Manager) GetActiveAgents() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.byAgentID))
	for _, ac := range m.byAgentID {
		out = append(out, snapshotOf(ac))
	}
	return out
}

// GetAgentByHostname returns the snapshot for hostname, if registered.
func (m *Manager) GetAgentByHostname(hostname string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ac, ok := m.byHostname[hostname]
	if !ok {
		lower := strings.ToLower(hostname)
		for registered, candidate := range m.byHostname {
			if strings.ToLower(registered) == lower {
				ac = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(ac), true
}

func snapshotOf(ac *AgentConnection) Snapshot {
	return Snapshot{
		AgentID:     ac.AgentID,
		Hostname:    ac.Hostname,
		IPv4:        ac.IPv4,
		IPv6:        ac.IPv6,
		Platform:    ac.Platform,
		ConnectedAt: ac.ConnectedAt,
		LastSeen:    ac.LastSeen,
	}
}

// classifyKeepConnection decides whether a failed send leaves the
// connection alive. Message serialization/type errors never reach here (they fail before a
// send is attempted, at protocol.Message.Encode); everything passed to
// send is a transport write, so this only has to distinguish
// communication failures (evict) from unknown errors (keep, conservative).
func classifyKeepConnection(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}

	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "connection") || strings.Contains(lowered, "network") || strings.Contains(lowered, "timeout") {
		return false
	}
	return true
}
