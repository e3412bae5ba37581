package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/configpush"
	"github.com/sysmanage/core/internal/protocol"
	"github.com/sysmanage/core/internal/queue"
	"github.com/sysmanage/core/internal/router"
)

// handleAgentConnect implements the agent WebSocket endpoint. The token
// is validated only after the upgrade since the
// handshake failure is communicated via a WS close frame, not an HTTP
// status.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if token == "" {
		closeWithCode(conn, 4000, "Authentication token required")
		return
	}

	if _, err := s.auth.ValidateToken(token, r.RemoteAddr); err != nil {
		closeWithCode(conn, 4001, err.Error())
		return
	}

	agentID := uuid.NewString()
	s.conns.Connect(agentID, conn)
	defer func() {
		s.conns.Disconnect(agentID)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	var hostname, hostID string
	ctx := r.Context()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := protocol.ParseEnvelope(data)
		if err != nil {
			s.sendError(agentID, "malformed envelope: "+err.Error())
			continue
		}
		if err := msg.Validate(); err != nil {
			s.sendError(agentID, err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypeSystemInfo:
			hostname, hostID = s.handleInlineSystemInfo(ctx, agentID, msg)
		case protocol.TypeHeartbeat:
			s.handleInlineHeartbeat(ctx, agentID, hostname, msg)
		default:
			s.enqueueInbound(ctx, agentID, hostID, hostname, msg)
		}
	}

	if hostname != "" {
		if err := s.hosts.MarkOffline(ctx, hostname); err != nil {
			s.log.Warn().Err(err).Str("hostname", hostname).Msg("failed to mark host offline on disconnect")
		}
	}
}

// handleInlineSystemInfo is the WS endpoint's inline path for
// SYSTEM_INFO: registration must complete before any other payload for
// that host is routed, so it binds the connection manager entry and
// replies with an ack directly, never going through the queue.
func (s *Server) handleInlineSystemInfo(ctx context.Context, agentID string, msg *protocol.Message) (hostname, hostID string) {
	var payload protocol.SystemInfoPayload
	if err := msg.ParseData(&payload); err != nil {
		s.sendError(agentID, "parse system_info: "+err.Error())
		return "", ""
	}
	if payload.Hostname == "" {
		s.sendError(agentID, "system_info missing hostname")
		return "", ""
	}

	host, err := s.hosts.UpsertOnRegistration(ctx, payload.Hostname, payload.Platform)
	if err != nil {
		s.log.Error().Err(err).Str("hostname", payload.Hostname).Msg("failed to register host")
		s.sendError(agentID, "registration failed")
		return "", ""
	}
	s.conns.Register(agentID, payload.Hostname, payload.IPv4, payload.IPv6, payload.Platform)

	ack, err := protocol.NewRegistrationAck(msg.ID, host.ID, string(host.ApprovalStatus))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build registration ack")
		return payload.Hostname, host.ID
	}
	encoded, err := ack.Encode()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode registration ack")
		return payload.Hostname, host.ID
	}
	s.conns.SendToAgent(agentID, encoded)

	return payload.Hostname, host.ID
}

// handleInlineHeartbeat is the WS endpoint's inline path for HEARTBEAT:
// liveness must never wait on queue latency.
func (s *Server) handleInlineHeartbeat(ctx context.Context, agentID, hostname string, msg *protocol.Message) {
	if hostname == "" {
		s.sendError(agentID, "heartbeat before registration")
		return
	}
	if _, err := s.rt.Route(ctx, hostname, msg); err != nil {
		s.log.Warn().Err(err).Str("hostname", hostname).Msg("heartbeat handling failed")
		s.sendError(agentID, err.Error())
	}
}

// enqueueInbound is the WS endpoint's default path:
// anything other than SYSTEM_INFO/HEARTBEAT is durably queued rather than
// processed inline, so a slow or opaque business handler never blocks the
// socket's receive loop.
func (s *Server) enqueueInbound(ctx context.Context, agentID, hostID, hostname string, msg *protocol.Message) {
	encoded, err := msg.Encode()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode inbound message for enqueue")
		return
	}

	var hostIDPtr *string
	if hostID != "" {
		hostIDPtr = &hostID
	} else {
		withInfo, err := msg.WithConnectionInfo(protocol.ConnectionInfo{AgentID: agentID, Hostname: hostname})
		if err != nil {
			s.sendError(agentID, "attach connection info: "+err.Error())
			return
		}
		encoded, err = withInfo.Encode()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode connection-info envelope")
			return
		}
	}

	if _, err := s.queue.Enqueue(ctx, queue.DirectionInbound, hostIDPtr, msg.Type, encoded, queue.PriorityNormal); err != nil {
		s.log.Error().Err(err).Str("message_type", string(msg.Type)).Msg("failed to enqueue inbound message")
	}
}

func (s *Server) sendError(agentID, reason string) {
	errMsg, err := protocol.NewErrorMessage(reason)
	if err != nil {
		return
	}
	encoded, err := errMsg.Encode()
	if err != nil {
		return
	}
	s.conns.SendToAgent(agentID, encoded)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// commandResultHandler wraps the router's default COMMAND_RESULT handling
// with config-acknowledgment correlation: a COMMAND_RESULT
// whose command_id equals a pending CONFIG_UPDATE envelope's message_id is
// that push's acknowledgment rather than an ordinary command result.
func commandResultHandler(configPush *configpush.Manager, log zerolog.Logger) router.HandlerFunc {
	return func(_ context.Context, hostID string, msg *protocol.Message) error {
		var payload protocol.CommandResultPayload
		if err := msg.ParseData(&payload); err != nil {
			return err
		}
		if payload.CommandID == "" {
			return nil
		}
		if version, ok := configPush.VersionForEnvelope(hostID, payload.CommandID); ok {
			configPush.HandleConfigAcknowledgment(hostID, version, payload.Success, payload.Error)
			return nil
		}
		log.Info().Str("command_id", payload.CommandID).Msg("command result received")
		return nil
	}
}
