// Package hoststore is the narrow external-collaborator contract the
// core holds against the Host table. The core never mutates business
// fields; it owns only what it needs to read and write to do its job:
// approval state, liveness, platform.
package hoststore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the host's admin-controlled approval state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Host is the subset of the persisted Host record the core consumes.
type Host struct {
	ID                string
	FQDN              string
	ApprovalStatus    ApprovalStatus
	Platform          sql.NullString
	IsAgentPrivileged bool
	Active            bool
	Status            string
	LastAccess        sql.NullTime
}

// Store is the read/narrow-write contract over the hosts table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var errHostNotFound = fmt.Errorf("hoststore: host not found")

// ErrHostNotFound indicates the lookup found no matching row.
func ErrHostNotFound() error { return errHostNotFound }

// GetByID loads a host by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fqdn, approval_status, platform, is_agent_privileged, active, status, last_access
		FROM hosts WHERE id = ?
	`, id)
	return scanHost(row)
}

// GetByFQDN loads a host by its fully-qualified domain name.
func (s *Store) GetByFQDN(ctx context.Context, fqdn string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fqdn, approval_status, platform, is_agent_privileged, active, status, last_access
		FROM hosts WHERE fqdn = ?
	`, fqdn)
	return scanHost(row)
}

// UpsertOnRegistration creates a host row on first SYSTEM_INFO, or
// updates platform/last_access on a known host, preserving its existing
// approval_status: a newly registered host starts pending, an approved
// host stays approved.
func (s *Store) UpsertOnRegistration(ctx context.Context, fqdn, platform string) (*Host, error) {
	if _, err := s.GetByFQDN(ctx, fqdn); err == nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE hosts SET platform = ?, status = 'up', active = 1, last_access = ?
			WHERE fqdn = ?
		`, platform, time.Now().UTC(), fqdn); err != nil {
			return nil, fmt.Errorf("hoststore: update on registration: %w", err)
		}
		return s.GetByFQDN(ctx, fqdn)
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, fqdn, approval_status, platform, active, status, last_access)
		VALUES (?, ?, 'pending', ?, 1, 'up', ?)
	`, id, fqdn, platform, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("hoststore: insert on registration: %w", err)
	}
	return s.GetByFQDN(ctx, fqdn)
}

// RecordHeartbeat sets status=up, active=true, last_access=now. The
// only mutation a heartbeat makes.
func (s *Store) RecordHeartbeat(ctx context.Context, fqdn string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET status = 'up', active = 1, last_access = ? WHERE fqdn = ?
	`, time.Now().UTC(), fqdn)
	if err != nil {
		return fmt.Errorf("hoststore: record heartbeat for %s: %w", fqdn, err)
	}
	return nil
}

// MarkOffline sets status=down when an agent's WebSocket session ends
// (called by the agent endpoint after its receive loop exits).
func (s *Store) MarkOffline(ctx context.Context, fqdn string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET status = 'down' WHERE fqdn = ?`, fqdn)
	if err != nil {
		return fmt.Errorf("hoststore: mark offline %s: %w", fqdn, err)
	}
	return nil
}

// MarkAllOffline resets every host still marked up to down, returning the
// count affected. Called once at process startup: a previous process's
// connections are gone, so their "up" status would otherwise lie until
// the next heartbeat.
func (s *Store) MarkAllOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET status = 'down' WHERE status = 'up'`)
	if err != nil {
		return 0, fmt.Errorf("hoststore: mark all offline: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*Host, error) {
	var h Host
	var approval string
	if err := row.Scan(&h.ID, &h.FQDN, &approval, &h.Platform, &h.IsAgentPrivileged, &h.Active, &h.Status, &h.LastAccess); err != nil {
		if err == sql.ErrNoRows {
			return nil, errHostNotFound
		}
		return nil, fmt.Errorf("hoststore: scan: %w", err)
	}
	h.ApprovalStatus = ApprovalStatus(approval)
	return &h, nil
}
