// Package processor implements the Inbound Processor: a
// periodic worker that resets stuck rows, expires old ones, and drains
// the durable queue per host and for not-yet-registered connections.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/hoststore"
	"github.com/sysmanage/core/internal/metrics"
	"github.com/sysmanage/core/internal/protocol"
	"github.com/sysmanage/core/internal/queue"
	"github.com/sysmanage/core/internal/router"
)

// Default thresholds. All but nullHostLimit are overridable per-instance
// via Option.
const (
	stuckThreshold    = 30 * time.Second
	expirationTimeout = 60 * time.Minute
	hostBatchLimit    = 10
	nullHostLimit     = 10
	tickInterval      = 5 * time.Second
)

// OutboundSender delivers a serialized envelope to a host's live
// connection. Satisfied by connmgr.Manager; nil disables outbound drain.
type OutboundSender interface {
	SendToHost(ctx context.Context, hostID string, msg []byte) bool
}

// Processor drains the durable queue on a fixed schedule.
type Processor struct {
	store  *queue.Store
	hosts  *hoststore.Store
	router *router.Router
	sender OutboundSender
	log    zerolog.Logger

	stuckThreshold    time.Duration
	expirationTimeout time.Duration
	hostBatchLimit    int
	nullHostLimit     int
	tickInterval      time.Duration
}

// Option overrides one of the Processor's scheduling/batch defaults. Used
// by the composition root to apply the env-driven configuration; tests
// that don't care about the thresholds can omit options entirely.
type Option func(*Processor)

// WithStuckThreshold overrides the stuck-IN_PROGRESS recovery threshold
// (default 30s).
func WithStuckThreshold(d time.Duration) Option { return func(p *Processor) { p.stuckThreshold = d } }

// WithExpirationTimeout overrides the message expiration timeout
// (default 60m).
func WithExpirationTimeout(d time.Duration) Option {
	return func(p *Processor) { p.expirationTimeout = d }
}

// WithHostBatchSize overrides the per-tick distinct-host batch size
// (default 10).
func WithHostBatchSize(n int) Option { return func(p *Processor) { p.hostBatchLimit = n } }

// WithTickInterval overrides the scheduler's tick period (default 5s).
func WithTickInterval(d time.Duration) Option { return func(p *Processor) { p.tickInterval = d } }

// WithOutboundSender enables outbound drain: each tick, PENDING OUTBOUND
// rows for connected hosts are claimed and delivered over sender.
func WithOutboundSender(s OutboundSender) Option { return func(p *Processor) { p.sender = s } }

// New builds an inbound processor over the given collaborators, applying
// the defaults above unless overridden by opts.
func New(store *queue.Store, hosts *hoststore.Store, r *router.Router, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:             store,
		hosts:             hosts,
		router:            r,
		log:               log.With().Str("component", "processor").Logger(),
		stuckThreshold:    stuckThreshold,
		expirationTimeout: expirationTimeout,
		hostBatchLimit:    hostBatchLimit,
		nullHostLimit:     nullHostLimit,
		tickInterval:      tickInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks every tickInterval until ctx is cancelled, recovering from
// any panic in a tick and logging it rather than letting the worker die.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.RecordProcessorTick(time.Since(start))
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("processor tick panicked")
		}
	}()

	if err := p.RunOnce(ctx); err != nil {
		p.log.Error().Err(err).Msg("processor tick failed")
	}
}

// RunOnce executes exactly one pass: expire old messages, reset stuck
// IN_PROGRESS rows, drain per-host batches, then drain
// not-yet-registered (NULL host_id) batches.
func (p *Processor) RunOnce(ctx context.Context) error {
	expired, err := p.store.ExpireOldMessages(ctx, p.expirationTimeout)
	if err != nil {
		return fmt.Errorf("expire old messages: %w", err)
	}
	if expired > 0 {
		p.log.Info().Int64("count", expired).Msg("expired old messages")
		metrics.ProcessorEntriesProcessedTotal.WithLabelValues("expired").Add(float64(expired))
	}

	reset, err := p.store.ResetStuckInProgress(ctx, p.stuckThreshold)
	if err != nil {
		return fmt.Errorf("reset stuck in-progress: %w", err)
	}
	if reset > 0 {
		p.log.Warn().Int64("count", reset).Msg("reset stuck IN_PROGRESS rows to PENDING")
	}

	if err := p.processHostBatches(ctx); err != nil {
		return err
	}
	if err := p.processNullHostBatches(ctx); err != nil {
		return err
	}
	if p.sender != nil {
		if err := p.processOutboundBatches(ctx); err != nil {
			return err
		}
	}

	p.recordQueueDepth(ctx)
	return nil
}

// processOutboundBatches delivers PENDING OUTBOUND rows to their hosts'
// live connections. A row whose send fails stays IN_PROGRESS and is
// returned to PENDING by the stuck sweeper, so a disconnected host's
// messages survive until it reconnects.
func (p *Processor) processOutboundBatches(ctx context.Context) error {
	hostIDs, err := p.store.PendingHostIDs(ctx, queue.DirectionOutbound, p.hostBatchLimit)
	if err != nil {
		return fmt.Errorf("pending outbound host ids: %w", err)
	}

	for _, hostID := range hostIDs {
		entries, err := p.store.DequeueForHost(ctx, hostID, queue.DirectionOutbound, p.hostBatchLimit)
		if err != nil {
			return fmt.Errorf("dequeue outbound for host %s: %w", hostID, err)
		}
		for _, entry := range entries {
			if err := p.store.MarkProcessing(ctx, entry.MessageID); err != nil {
				continue
			}
			if !p.sender.SendToHost(ctx, hostID, entry.MessageData) {
				p.log.Debug().Str("host_id", hostID).Str("message_id", entry.MessageID).
					Msg("outbound send failed, row stays claimed until the stuck sweeper retries it")
				break
			}
			if err := p.store.MarkCompleted(ctx, entry.MessageID); err != nil {
				p.log.Error().Err(err).Str("message_id", entry.MessageID).Msg("mark completed failed for outbound entry")
				continue
			}
			metrics.RecordProcessorOutcome("completed")
		}
	}
	return nil
}

// recordQueueDepth refreshes the QueueDepth gauge for every
// (direction, status) pair. Observability only: a scrape that races a
// tick sees a slightly stale value, never a wrong state transition.
func (p *Processor) recordQueueDepth(ctx context.Context) {
	for _, dir := range []queue.Direction{queue.DirectionInbound, queue.DirectionOutbound} {
		for _, status := range []queue.Status{queue.StatusPending, queue.StatusInProgress} {
			count, err := p.store.CountByStatus(ctx, dir, status)
			if err != nil {
				p.log.Warn().Err(err).Str("direction", string(dir)).Str("status", string(status)).Msg("failed to refresh queue depth gauge")
				continue
			}
			metrics.QueueDepth.WithLabelValues(string(dir), string(status)).Set(float64(count))
		}
	}
}

func (p *Processor) processHostBatches(ctx context.Context) error {
	hostIDs, err := p.store.PendingHostIDs(ctx, queue.DirectionInbound, p.hostBatchLimit)
	if err != nil {
		return fmt.Errorf("pending host ids: %w", err)
	}

	for _, hostID := range hostIDs {
		host, err := p.hosts.GetByID(ctx, hostID)
		if err != nil {
			p.log.Warn().Str("host_id", hostID).Msg("host no longer exists, deleting its queued messages")
			if _, delErr := p.store.DeleteMessagesForHost(ctx, hostID); delErr != nil {
				return fmt.Errorf("delete messages for missing host %s: %w", hostID, delErr)
			}
			continue
		}
		if host.ApprovalStatus != hoststore.ApprovalApproved {
			p.log.Warn().Str("host_id", hostID).Str("approval_status", string(host.ApprovalStatus)).
				Msg("host no longer approved, deleting its queued messages")
			if _, delErr := p.store.DeleteMessagesForHost(ctx, hostID); delErr != nil {
				return fmt.Errorf("delete messages for unapproved host %s: %w", hostID, delErr)
			}
			continue
		}

		entries, err := p.store.DequeueForHost(ctx, hostID, queue.DirectionInbound, p.hostBatchLimit)
		if err != nil {
			return fmt.Errorf("dequeue for host %s: %w", hostID, err)
		}
		for _, entry := range entries {
			p.processValidatedEntry(ctx, entry, host)
		}
	}
	return nil
}

func (p *Processor) processNullHostBatches(ctx context.Context) error {
	entries, err := p.store.PendingNullHostEntries(ctx, queue.DirectionInbound, p.nullHostLimit)
	if err != nil {
		return fmt.Errorf("pending null-host entries: %w", err)
	}

	for _, entry := range entries {
		msg, err := entry.DeserializeMessageData()
		if err != nil {
			if failErr := p.store.MarkFailed(ctx, entry.MessageID, "Processing error: "+err.Error()); failErr != nil {
				return fmt.Errorf("mark failed %s: %w", entry.MessageID, failErr)
			}
			continue
		}

		if msg.Type == protocol.TypeSystemInfo {
			p.processSystemInfoEntry(ctx, entry, msg)
			continue
		}

		hostname, connErr := hostnameFromData(msg)
		if connErr != nil {
			if failErr := p.store.MarkFailed(ctx, entry.MessageID, connErr.Error()); failErr != nil {
				return fmt.Errorf("mark failed %s: %w", entry.MessageID, failErr)
			}
			continue
		}

		host, err := p.hosts.GetByFQDN(ctx, hostname)
		if err != nil {
			if failErr := p.store.MarkFailed(ctx, entry.MessageID, fmt.Sprintf("Host %s not found", hostname)); failErr != nil {
				return fmt.Errorf("mark failed %s: %w", entry.MessageID, failErr)
			}
			continue
		}
		if host.ApprovalStatus != hoststore.ApprovalApproved {
			if failErr := p.store.MarkFailed(ctx, entry.MessageID, fmt.Sprintf("Host %s not approved", hostname)); failErr != nil {
				return fmt.Errorf("mark failed %s: %w", entry.MessageID, failErr)
			}
			continue
		}

		p.processValidatedEntry(ctx, entry, host)
	}
	return nil
}

// processValidatedEntry claims, routes, and terminates a single entry
// whose host has already been confirmed to exist and be approved.
func (p *Processor) processValidatedEntry(ctx context.Context, entry queue.Entry, host *hoststore.Host) {
	if err := p.store.MarkProcessing(ctx, entry.MessageID); err != nil {
		if err == queue.ErrNotAcquired {
			return
		}
		p.log.Error().Err(err).Str("message_id", entry.MessageID).Msg("mark processing failed")
		return
	}

	msg, err := entry.DeserializeMessageData()
	if err != nil {
		p.failEntry(ctx, entry.MessageID, fmt.Sprintf("Processing error: %s", err))
		return
	}

	_, err = p.router.Route(ctx, host.FQDN, msg)
	if err != nil {
		p.failEntry(ctx, entry.MessageID, err.Error())
		return
	}

	if completeErr := p.store.MarkCompleted(ctx, entry.MessageID); completeErr != nil {
		p.log.Error().Err(completeErr).Str("message_id", entry.MessageID).Msg("mark completed failed")
		return
	}
	metrics.RecordProcessorOutcome("completed")
}

func (p *Processor) processSystemInfoEntry(ctx context.Context, entry queue.Entry, msg *protocol.Message) {
	if err := p.store.MarkProcessing(ctx, entry.MessageID); err != nil {
		return
	}
	if _, err := p.router.Route(ctx, "", msg); err != nil {
		p.failEntry(ctx, entry.MessageID, err.Error())
		return
	}
	if err := p.store.MarkCompleted(ctx, entry.MessageID); err != nil {
		p.log.Error().Err(err).Str("message_id", entry.MessageID).Msg("mark completed failed for system_info entry")
		return
	}
	metrics.RecordProcessorOutcome("completed")
}

func (p *Processor) failEntry(ctx context.Context, messageID, reason string) {
	if err := p.store.MarkFailed(ctx, messageID, reason); err != nil {
		p.log.Error().Err(err).Str("message_id", messageID).Msg("mark failed also failed")
		return
	}
	metrics.RecordProcessorOutcome("failed")
}

// hostnameFromData extracts the hostname a NULL-host_id entry belongs to,
// falling back to the _connection_info side-channel.
func hostnameFromData(msg *protocol.Message) (string, error) {
	var probe struct {
		Hostname       string                   `json:"hostname"`
		ConnectionInfo *protocol.ConnectionInfo `json:"_connection_info"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		return "", fmt.Errorf("missing hostname in message data")
	}
	if probe.Hostname != "" {
		return probe.Hostname, nil
	}
	if probe.ConnectionInfo != nil && probe.ConnectionInfo.Hostname != "" {
		return probe.ConnectionInfo.Hostname, nil
	}
	return "", fmt.Errorf("missing hostname in message data")
}
