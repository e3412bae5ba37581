// Package router implements the Message Router: a closed
// dispatch table from MessageType to a handler, with SYSTEM_INFO,
// HEARTBEAT, and COMMAND_RESULT carrying core-contract semantics and
// business telemetry types delegated to pluggable, opaque handlers.
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/connmgr"
	"github.com/sysmanage/core/internal/hoststore"
	"github.com/sysmanage/core/internal/protocol"
)

// HandlerFunc processes one message's payload for a given host. Callers
// pass the host's fqdn (the hostname its connection registered under) as
// hostID; it is empty for the pre-registration SYSTEM_INFO path, which is
// the only entry allowed to run without one.
type HandlerFunc func(ctx context.Context, hostID string, msg *protocol.Message) error

// Router is the closed dispatch table from MessageType to HandlerFunc.
// Unknown types are not fatal: Route reports them as unhandled rather
// than returning an error.
type Router struct {
	log      zerolog.Logger
	handlers map[protocol.MessageType]HandlerFunc
}

// New builds a router with the core-contract handlers pre-registered
// (SYSTEM_INFO, HEARTBEAT, COMMAND_RESULT) plus no-op pass-through stubs
// for every opaque business-telemetry type, so that external handlers can
// be substituted later via Register without the dispatch table ever
// needing a structural change.
func New(hosts *hoststore.Store, conns *connmgr.Manager, log zerolog.Logger) *Router {
	r := &Router{
		log:      log.With().Str("component", "router").Logger(),
		handlers: make(map[protocol.MessageType]HandlerFunc),
	}

	r.Register(protocol.TypeSystemInfo, r.handleSystemInfo(hosts))
	r.Register(protocol.TypeHeartbeat, r.handleHeartbeat(hosts, conns))
	r.Register(protocol.TypeCommandResult, r.handleCommandResult())

	for _, t := range protocol.BusinessTelemetryTypes {
		r.Register(t, passThrough)
	}

	return r
}

// Register installs (or replaces) the handler for a message type. Used to
// wire the opaque business-telemetry stubs to real external handlers.
func (r *Router) Register(msgType protocol.MessageType, h HandlerFunc) {
	r.handlers[msgType] = h
}

// Route dispatches msg to its registered handler. handled reports whether
// a handler exists for msg.Type; a handler error is returned to the
// caller (the inbound processor), which is responsible for recording it
// on the queue entry rather than evicting the connection.
func (r *Router) Route(ctx context.Context, hostID string, msg *protocol.Message) (handled bool, err error) {
	h, ok := r.handlers[msg.Type]
	if !ok {
		r.log.Warn().Str("message_type", string(msg.Type)).Msg("unknown message type in queue")
		return false, nil
	}
	if err := h(ctx, hostID, msg); err != nil {
		return true, fmt.Errorf("router: handler for %s: %w", msg.Type, err)
	}
	return true, nil
}

// handleSystemInfo creates or updates a Host by fqdn, preserving approval
// state on re-registration.
func (r *Router) handleSystemInfo(hosts *hoststore.Store) HandlerFunc {
	return func(ctx context.Context, _ string, msg *protocol.Message) error {
		var payload protocol.SystemInfoPayload
		if err := msg.ParseData(&payload); err != nil {
			return fmt.Errorf("parse system_info: %w", err)
		}
		_, err := hosts.UpsertOnRegistration(ctx, payload.Hostname, payload.Platform)
		return err
	}
}

// handleHeartbeat updates host liveness and sends an ack envelope whose
// message_id equals the heartbeat's.
func (r *Router) handleHeartbeat(hosts *hoststore.Store, conns *connmgr.Manager) HandlerFunc {
	return func(ctx context.Context, hostID string, msg *protocol.Message) error {
		var payload protocol.HeartbeatPayload
		if err := msg.ParseData(&payload); err != nil {
			return fmt.Errorf("parse heartbeat: %w", err)
		}

		snapshot, ok := conns.GetAgentByHostname(hostID)
		if !ok {
			return fmt.Errorf("heartbeat for unregistered host %q", hostID)
		}
		if err := hosts.RecordHeartbeat(ctx, snapshot.Hostname); err != nil {
			return fmt.Errorf("record heartbeat: %w", err)
		}

		ack, err := protocol.NewHeartbeatAck(msg.ID)
		if err != nil {
			return fmt.Errorf("build heartbeat ack: %w", err)
		}
		encoded, err := ack.Encode()
		if err != nil {
			return fmt.Errorf("encode heartbeat ack: %w", err)
		}
		conns.SendToHostname(snapshot.Hostname, encoded)
		return nil
	}
}

// handleCommandResult correlates a result with the command_id that
// produced it. It deliberately does not look up the Host: correlation is
// in-memory, owned by whatever issued the original COMMAND envelope.
func (r *Router) handleCommandResult() HandlerFunc {
	return func(_ context.Context, _ string, msg *protocol.Message) error {
		var payload protocol.CommandResultPayload
		if err := msg.ParseData(&payload); err != nil {
			return fmt.Errorf("parse command_result: %w", err)
		}
		if payload.CommandID == "" {
			return fmt.Errorf("command_result missing command_id")
		}
		r.log.Info().Str("command_id", payload.CommandID).Msg("command result received")
		return nil
	}
}

// passThrough is the default handler for opaque business telemetry
// types.
// A caller with domain-specific handlers replaces it via Register.
func passThrough(context.Context, string, *protocol.Message) error {
	return nil
}
