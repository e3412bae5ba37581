// Package integration contains black-box tests for the core server: a
// real HTTP server over a temp database, exercised through the same REST
// and WebSocket surface an agent uses.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/hoststore"
	"github.com/sysmanage/core/internal/protocol"
	"github.com/sysmanage/core/internal/queue"
	"github.com/sysmanage/core/internal/server"
)

const readTimeout = 5 * time.Second

// TestServer is one fully wired core server over its own database and
// redis, plus direct store handles for assertions.
type TestServer struct {
	t    *testing.T
	Srv  *server.Server
	HTTP *httptest.Server
	DB   *sql.DB

	Hosts *hoststore.Store
	Queue *queue.Store
}

// newTestServer boots a server on a temp SQLite database and miniredis.
// mutate, if non-nil, adjusts the config before the server is built.
func newTestServer(t *testing.T, mutate func(*server.Config)) *TestServer {
	t.Helper()

	db, err := queue.OpenDB(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &server.Config{
		ListenAddr:              "127.0.0.1:0",
		TokenSecret:             []byte("integration-test-secret"),
		AuthRateLimitAttempts:   100,
		AuthRateLimitWindow:     time.Minute,
		QueueExpirationTimeout:  time.Hour,
		ProcessorStuckThreshold: 30 * time.Second,
		ProcessorHostBatchSize:  10,
		ProcessorTickInterval:   50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv := server.New(cfg, db, rdb, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &TestServer{
		t:     t,
		Srv:   srv,
		HTTP:  ts,
		DB:    db,
		Hosts: hoststore.NewStore(db),
		Queue: queue.NewStore(db, zerolog.Nop()),
	}
}

// wsURL converts the test server's http URL into the agent endpoint URL.
func (s *TestServer) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/api/agent/connect"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// authenticate performs POST /agent/auth and returns the token.
func (s *TestServer) authenticate(hostname string) string {
	s.t.Helper()

	req, err := http.NewRequest(http.MethodPost, s.HTTP.URL+"/agent/auth", nil)
	if err != nil {
		s.t.Fatalf("build auth request: %v", err)
	}
	if hostname != "" {
		req.Header.Set("x-agent-hostname", hostname)
	}

	resp, err := s.HTTP.Client().Do(req)
	if err != nil {
		s.t.Fatalf("auth request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("auth status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		ConnectionToken string `json:"connection_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.t.Fatalf("decode auth response: %v", err)
	}
	if body.ConnectionToken == "" {
		s.t.Fatal("auth response missing connection_token")
	}
	return body.ConnectionToken
}

// approveHost flips a host's approval_status the way the admin surface
// would: directly in the database.
func (s *TestServer) approveHost(fqdn string) {
	s.t.Helper()
	if _, err := s.DB.Exec(`UPDATE hosts SET approval_status = 'approved' WHERE fqdn = ?`, fqdn); err != nil {
		s.t.Fatalf("approve host %s: %v", fqdn, err)
	}
}

// queueRow reads one queue row's status and error_message.
func (s *TestServer) queueRow(messageID string) (status, errMessage string) {
	s.t.Helper()
	var errMsg sql.NullString
	err := s.DB.QueryRow(`SELECT status, error_message FROM message_queue WHERE message_id = ?`, messageID).
		Scan(&status, &errMsg)
	if err != nil {
		s.t.Fatalf("queue row %s: %v", messageID, err)
	}
	return status, errMsg.String
}

// countQueueRowsForHost counts all queue rows for a host_id.
func (s *TestServer) countQueueRowsForHost(hostID string) int {
	s.t.Helper()
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM message_queue WHERE host_id = ?`, hostID).Scan(&n); err != nil {
		s.t.Fatalf("count queue rows: %v", err)
	}
	return n
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// agentConn is a raw agent-side WebSocket session.
type agentConn struct {
	t        *testing.T
	conn     *websocket.Conn
	hostname string
}

// dialAgent authenticates and opens the WebSocket, without registering.
func dialAgent(t *testing.T, s *TestServer, hostname string) *agentConn {
	t.Helper()

	token := s.authenticate(hostname)
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial agent ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &agentConn{t: t, conn: conn, hostname: hostname}
}

// send builds an envelope of msgType with payload, sends it, and returns
// the sent envelope so callers can correlate on its message_id.
func (a *agentConn) send(msgType protocol.MessageType, payload any) *protocol.Message {
	a.t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		a.t.Fatalf("build %s: %v", msgType, err)
	}
	a.sendEnvelope(msg)
	return msg
}

func (a *agentConn) sendEnvelope(msg *protocol.Message) {
	a.t.Helper()
	data, err := msg.Encode()
	if err != nil {
		a.t.Fatalf("encode %s: %v", msg.Type, err)
	}
	a.sendRaw(data)
}

func (a *agentConn) sendRaw(data []byte) {
	a.t.Helper()
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.t.Fatalf("write: %v", err)
	}
}

// readEnvelope reads the next server->agent envelope.
func (a *agentConn) readEnvelope() (*protocol.Message, error) {
	_ = a.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := a.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ParseEnvelope(data)
}

// waitForType reads envelopes until one of msgType arrives.
func (a *agentConn) waitForType(msgType protocol.MessageType) *protocol.Message {
	a.t.Helper()
	for {
		msg, err := a.readEnvelope()
		if err != nil {
			a.t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

// register sends SYSTEM_INFO and waits for the registration ack.
func (a *agentConn) register(platform string) *protocol.Message {
	a.t.Helper()
	sent := a.send(protocol.TypeSystemInfo, protocol.SystemInfoPayload{
		Hostname: a.hostname,
		IPv4:     "192.0.2.10",
		Platform: platform,
	})
	ack := a.waitForType(protocol.TypeAck)
	if ack.ID != sent.ID {
		a.t.Fatalf("registration ack message_id = %s, want %s", ack.ID, sent.ID)
	}
	return ack
}
