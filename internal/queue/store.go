// Package queue implements the durable message queue: a
// SQLite-backed store with a state machine, per-host FIFO ordering,
// priorities, and maintenance operations. The database is the sole
// authority for queue state; mark_processing's conditional UPDATE is the
// only synchronization primitive between concurrent workers.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/metrics"
	"github.com/sysmanage/core/internal/protocol"
)

// ErrNotAcquired is returned by MarkProcessing when the row was not
// PENDING at claim time — another worker already owns it, or it has
// since expired. The caller must skip processing silently.
var ErrNotAcquired = errors.New("queue: row not acquired")

// Store is the durable message queue.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "queue").Logger()}
}

// Enqueue inserts a new row and returns its message_id. hostID is nil for
// the pre-registration SYSTEM_INFO case.
func (s *Store) Enqueue(ctx context.Context, direction Direction, hostID *string, msgType protocol.MessageType, messageData []byte, priority Priority) (string, error) {
	messageID := uuid.NewString()

	var host sql.NullString
	if hostID != nil {
		host = sql.NullString{String: *hostID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_queue
			(message_id, host_id, direction, message_type, message_data, priority, status, created_at, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', ?, 0, 0)
	`, messageID, host, string(direction), string(msgType), messageData, priority.rank(), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	metrics.RecordEnqueue(string(direction), string(msgType))

	return messageID, nil
}

// DequeueForHost returns up to limit PENDING rows for (hostID, direction)
// in (priority DESC, created_at ASC) order, excluding expired rows.
func (s *Store) DequeueForHost(ctx context.Context, hostID string, direction Direction, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, host_id, direction, message_type, message_data, priority, status,
		       created_at, started_at, completed_at, expired_at, retry_count, max_retries, error_message
		FROM message_queue
		WHERE host_id = ? AND direction = ? AND status = 'PENDING' AND expired_at IS NULL
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, hostID, string(direction), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue for host: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkProcessing atomically transitions a PENDING row to IN_PROGRESS.
// Returns ErrNotAcquired if the row was not PENDING — the only guard
// against two workers processing the same row.
func (s *Store) MarkProcessing(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'IN_PROGRESS', started_at = ?
		WHERE message_id = ? AND status = 'PENDING'
	`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("queue: mark processing %s: %w", messageID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: mark processing %s: %w", messageID, err)
	}
	if affected == 0 {
		return ErrNotAcquired
	}
	return nil
}

// MarkCompleted transitions an IN_PROGRESS row to COMPLETED. Idempotent:
// marking an already-COMPLETED row is a silent no-op.
func (s *Store) MarkCompleted(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'COMPLETED', completed_at = ?
		WHERE message_id = ? AND status = 'IN_PROGRESS'
	`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("queue: mark completed %s: %w", messageID, err)
	}
	return nil
}

// MarkFailed transitions a row to FAILED, terminal and non-retried.
// Also permitted directly from PENDING for structural failures detected
// before dispatch (missing/unapproved host).
func (s *Store) MarkFailed(ctx context.Context, messageID string, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_queue SET status = 'FAILED', completed_at = ?, error_message = ?
		WHERE message_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'EXPIRED')
	`, time.Now().UTC(), errMessage, messageID)
	if err != nil {
		return fmt.Errorf("queue: mark failed %s: %w", messageID, err)
	}
	return nil
}

// ExpireOldMessages marks PENDING/IN_PROGRESS rows older than timeout as
// EXPIRED, returning the count affected.
func (s *Store) ExpireOldMessages(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'EXPIRED', expired_at = ?, error_message = ?
		WHERE created_at < ? AND status IN ('PENDING', 'IN_PROGRESS') AND expired_at IS NULL
	`, time.Now().UTC(), fmt.Sprintf("Message expired after %s", timeout), cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: expire old messages: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckInProgress resets any IN_PROGRESS row whose started_at is
// older than threshold back to PENDING, clearing started_at. Bounds
// work-loss on a crashed worker to one tick.
func (s *Store) ResetStuckInProgress(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = 'PENDING', started_at = NULL
		WHERE status = 'IN_PROGRESS' AND started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: reset stuck in-progress: %w", err)
	}
	return res.RowsAffected()
}

// PendingHostIDs returns up to limit distinct host_ids with at least one
// PENDING, non-expired row in direction.
func (s *Store) PendingHostIDs(ctx context.Context, direction Direction, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT host_id FROM message_queue
		WHERE direction = ? AND status = 'PENDING' AND host_id IS NOT NULL AND expired_at IS NULL
		LIMIT ?
	`, string(direction), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: pending host ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: pending host ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingNullHostEntries returns up to limit PENDING rows with a NULL
// host_id.
func (s *Store) PendingNullHostEntries(ctx context.Context, direction Direction, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, host_id, direction, message_type, message_data, priority, status,
		       created_at, started_at, completed_at, expired_at, retry_count, max_retries, error_message
		FROM message_queue
		WHERE direction = ? AND status = 'PENDING' AND host_id IS NULL AND expired_at IS NULL
		LIMIT ?
	`, string(direction), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: pending null-host entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CleanupOldMessages deletes COMPLETED rows (and, if keepFailed is
// false, FAILED rows too) completed before the cutoff.
func (s *Store) CleanupOldMessages(ctx context.Context, olderThan time.Duration, keepFailed bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	statuses := []string{string(StatusCompleted)}
	if !keepFailed {
		statuses = append(statuses, string(StatusFailed))
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, cutoff)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`
		DELETE FROM message_queue
		WHERE completed_at < ? AND status IN (%s)
	`, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup old messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMessagesForHost unconditionally deletes every row for hostID,
// used when a host is missing or no longer approved.
func (s *Store) DeleteMessagesForHost(ctx context.Context, hostID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_queue WHERE host_id = ?`, hostID)
	if err != nil {
		return 0, fmt.Errorf("queue: delete messages for host %s: %w", hostID, err)
	}
	return res.RowsAffected()
}

// DeleteFailedMessages deletes the given message_ids iff their current
// status is FAILED or EXPIRED.
func (s *Store) DeleteFailedMessages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, string(StatusFailed), string(StatusExpired))

	query := fmt.Sprintf(`
		DELETE FROM message_queue
		WHERE message_id IN (%s) AND status IN (?, ?)
	`, strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: delete failed messages: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of rows for (direction, status),
// exposed for the processor's periodic QueueDepth gauge update.
func (s *Store) CountByStatus(ctx context.Context, direction Direction, status Status) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_queue WHERE direction = ? AND status = ?
	`, string(direction), string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: count by status: %w", err)
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			priority int64
			dir      string
			msgType  string
		)
		if err := rows.Scan(
			&e.MessageID, &e.HostID, &dir, &msgType, &e.MessageData, &priority, &e.Status,
			&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.ExpiredAt, &e.RetryCount, &e.MaxRetries, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("queue: scan entry: %w", err)
		}
		e.Direction = Direction(dir)
		e.MessageType = protocol.MessageType(msgType)
		e.Priority = priorityFromRank(priority)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
