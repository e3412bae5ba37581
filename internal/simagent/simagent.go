// Package simagent is a reference agent client: it performs the REST
// auth handshake, maintains the WebSocket session, registers with
// SYSTEM_INFO, heartbeats on an interval, and answers COMMAND and
// CONFIG_UPDATE envelopes. Used by the sysmanage-simagent binary and by
// integration tests that need a real agent on the other end of the wire.
package simagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 45 * time.Second
	pingInterval     = 30 * time.Second
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
)

// Config describes the agent's identity and target server.
type Config struct {
	// ServerURL is the http(s) base URL of the core server.
	ServerURL string
	Hostname  string
	IPv4      string
	IPv6      string
	Platform  string

	HeartbeatInterval time.Duration
}

// authResponse is the body of a successful POST /agent/auth.
type authResponse struct {
	ConnectionToken   string `json:"connection_token"`
	ExpiresIn         int    `json:"expires_in"`
	WebSocketEndpoint string `json:"websocket_endpoint"`
}

// Agent is a simulated fleet agent.
type Agent struct {
	cfg Config
	log zerolog.Logger

	httpClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	backoff   time.Duration

	// inbox receives every server->agent envelope the read loop parses,
	// including those it answers itself, so a test can assert on acks and
	// pushes.
	inbox chan *protocol.Message
}

// New builds an agent from cfg. HeartbeatInterval defaults to 30s.
func New(cfg Config, log zerolog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		cfg:        cfg,
		log:        log.With().Str("component", "simagent").Str("hostname", cfg.Hostname).Logger(),
		httpClient: &http.Client{Timeout: handshakeTimeout},
		backoff:    initialBackoff,
		inbox:      make(chan *protocol.Message, 100),
	}
}

// Authenticate performs POST /agent/auth and returns the issued
// connection token and the websocket endpoint path.
func (a *Agent) Authenticate(ctx context.Context) (token, endpoint string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+"/agent/auth", bytes.NewReader(nil))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("x-agent-hostname", a.cfg.Hostname)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("simagent: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("simagent: auth rejected: HTTP %d", resp.StatusCode)
	}

	var body authResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("simagent: decode auth response: %w", err)
	}
	if body.ConnectionToken == "" {
		return "", "", fmt.Errorf("simagent: auth response missing connection_token")
	}
	return body.ConnectionToken, body.WebSocketEndpoint, nil
}

// Run authenticates, connects, registers, and services the session until
// ctx is cancelled, reconnecting with exponential backoff on any failure.
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connectOnce(ctx); err != nil {
			a.log.Error().Err(err).Dur("backoff", a.backoff).Msg("session failed, retrying")
			a.waitBackoff(ctx)
			continue
		}
		a.backoff = initialBackoff

		a.readLoop(ctx)
		a.waitBackoff(ctx)
	}
}

// connectOnce performs one full handshake: REST auth, WS dial, inline
// registration, and starts the heartbeat/ping loops.
func (a *Agent) connectOnce(ctx context.Context) error {
	token, endpoint, err := a.Authenticate(ctx)
	if err != nil {
		return err
	}
	if endpoint == "" {
		endpoint = "/api/agent/connect"
	}

	wsURL := "ws" + a.cfg.ServerURL[len("http"):] + endpoint + "?token=" + token
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("simagent: dial %s: %w", endpoint, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := a.SendSystemInfo(); err != nil {
		a.closeConn()
		return fmt.Errorf("simagent: register: %w", err)
	}

	go a.heartbeatLoop(ctx)
	go a.pingLoop(ctx)

	a.log.Info().Msg("connected and registered")
	return nil
}

// SendSystemInfo sends the SYSTEM_INFO registration envelope.
func (a *Agent) SendSystemInfo() error {
	return a.Send(protocol.TypeSystemInfo, protocol.SystemInfoPayload{
		Hostname: a.cfg.Hostname,
		IPv4:     a.cfg.IPv4,
		IPv6:     a.cfg.IPv6,
		Platform: a.cfg.Platform,
	})
}

// SendHeartbeat sends one HEARTBEAT envelope and returns its message_id,
// which the server's ack will echo back.
func (a *Agent) SendHeartbeat() (string, error) {
	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{AgentStatus: "healthy"})
	if err != nil {
		return "", err
	}
	return msg.ID, a.SendEnvelope(msg)
}

// Send builds and sends an envelope of msgType with payload.
func (a *Agent) Send(msgType protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return a.SendEnvelope(msg)
}

// SendEnvelope sends a pre-built envelope.
func (a *Agent) SendEnvelope(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return a.SendRaw(data)
}

// SendRaw writes raw bytes as one text frame.
func (a *Agent) SendRaw(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Inbox exposes every server->agent envelope the read loop parsed.
func (a *Agent) Inbox() <-chan *protocol.Message {
	return a.inbox
}

// IsConnected reports whether the session is currently up.
func (a *Agent) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Agent) readLoop(ctx context.Context) {
	defer a.closeConn()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.ParseEnvelope(data)
		if err != nil {
			a.log.Error().Err(err).Msg("failed to parse server message")
			continue
		}

		a.handleServerMessage(msg)
	}
}

// handleServerMessage answers envelopes that expect a reply and forwards
// everything to the inbox for observers.
func (a *Agent) handleServerMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommand:
		var payload protocol.CommandPayload
		if err := msg.ParseData(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse command payload")
			break
		}
		a.log.Info().Str("command", string(payload.Command)).Msg("command received")
		if err := a.Send(protocol.TypeCommandResult, protocol.CommandResultPayload{
			CommandID: payload.CommandID,
			Success:   true,
			Output:    "simulated",
		}); err != nil {
			a.log.Error().Err(err).Msg("failed to send command result")
		}
	case protocol.TypeConfigUpdate:
		var payload protocol.ConfigUpdatePayload
		if err := msg.ParseData(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse config update payload")
			break
		}
		a.log.Info().Int("version", payload.Version).Str("checksum", payload.Checksum).Msg("config update received")
		// The config acknowledgment is a COMMAND_RESULT whose command_id
		// equals the CONFIG_UPDATE envelope's message_id.
		if err := a.Send(protocol.TypeCommandResult, protocol.CommandResultPayload{
			CommandID: msg.ID,
			Success:   true,
		}); err != nil {
			a.log.Error().Err(err).Msg("failed to acknowledge config update")
		}
	case protocol.TypePing:
		if err := a.Send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{AgentStatus: "healthy"}); err != nil {
			a.log.Error().Err(err).Msg("failed to answer ping")
		}
	}

	select {
	case a.inbox <- msg:
	default:
		a.log.Warn().Str("message_type", string(msg.Type)).Msg("inbox full, dropping message")
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.IsConnected() {
				return
			}
			if _, err := a.SendHeartbeat(); err != nil {
				a.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (a *Agent) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			conn := a.conn
			connected := a.connected
			a.mu.Unlock()
			if !connected || conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				a.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (a *Agent) closeConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Agent) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(a.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	a.backoff *= 2
	if a.backoff > maxBackoff {
		a.backoff = maxBackoff
	}
}
