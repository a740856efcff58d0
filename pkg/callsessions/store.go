// Package callsessions persists the call_sessions row: one row per accepted
// call, written at webhook time and updated at bridge termination and by the
// carrier's asynchronous call-status webhook.
package callsessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of *pgxpool.Pool this store needs, narrowed to an
// interface so tests can substitute pgxmock's pool without a real database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Status enumerates the lifecycle values of a call_sessions row.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = fmt.Errorf("callsessions: not found")

// Record mirrors one call_sessions row.
type Record struct {
	ID              uuid.UUID
	CallSid         string
	FromNumber      string
	ToNumber        string
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store persists call_sessions rows to Postgres through the shared pool.
type Store struct {
	db DB
}

// NewStore builds a Store over an existing pool.
func NewStore(db DB) *Store {
	if db == nil {
		panic("callsessions: pgx pool cannot be nil")
	}
	return &Store{db: db}
}

// Create writes the initial row for a newly answered call, status=initiated.
// Called by the front door before the call-control markup is returned.
func (s *Store) Create(ctx context.Context, id uuid.UUID, callSid, fromNumber, toNumber string, startedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_sessions (id, call_sid, from_number, to_number, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, id, callSid, fromNumber, toNumber, StatusInitiated, startedAt)
	if err != nil {
		return fmt.Errorf("callsessions: create: %w", err)
	}
	return nil
}

// MarkInProgress flips a row to in_progress once the AI leg is up and
// running. Matched by call_sid since the bridge only learns the carrier's
// call identifier from the start event, not the row's uuid.
func (s *Store) MarkInProgress(ctx context.Context, callSid string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE call_sessions SET status = $2, updated_at = now() WHERE call_sid = $1
	`, callSid, StatusInProgress)
	if err != nil {
		return fmt.Errorf("callsessions: mark in progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callsessions: mark in progress: %w", ErrNotFound)
	}
	return nil
}

// Finish records the terminal status (completed or failed), the end
// timestamp, and the observed call duration. Called exactly once, from the
// bridge's TERMINATING transition.
func (s *Store) Finish(ctx context.Context, callSid string, status Status, endedAt time.Time, durationSeconds int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE call_sessions
		SET status = $2, ended_at = $3, duration_seconds = $4, updated_at = now()
		WHERE call_sid = $1
	`, callSid, status, endedAt, durationSeconds)
	if err != nil {
		return fmt.Errorf("callsessions: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callsessions: finish: %w", ErrNotFound)
	}
	return nil
}

// UpdateFromCarrierStatus applies the carrier's asynchronous call-status
// webhook (CallStatus, optional Duration) to the matching row.
func (s *Store) UpdateFromCarrierStatus(ctx context.Context, callSid, carrierStatus string, durationSeconds *int) error {
	status := mapCarrierStatus(carrierStatus)
	if status == "" {
		return nil
	}

	if durationSeconds != nil {
		tag, err := s.db.Exec(ctx, `
			UPDATE call_sessions SET status = $2, duration_seconds = $3, updated_at = now() WHERE call_sid = $1
		`, callSid, status, *durationSeconds)
		if err != nil {
			return fmt.Errorf("callsessions: update from carrier status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("callsessions: update from carrier status: %w", ErrNotFound)
		}
		return nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE call_sessions SET status = $2, updated_at = now() WHERE call_sid = $1
	`, callSid, status)
	if err != nil {
		return fmt.Errorf("callsessions: update from carrier status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callsessions: update from carrier status: %w", ErrNotFound)
	}
	return nil
}

// Get loads one row by call_sid.
func (s *Store) Get(ctx context.Context, callSid string) (*Record, error) {
	var (
		r        Record
		endedAt  pgtype.Timestamptz
		duration pgtype.Int4
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, call_sid, from_number, to_number, status, started_at, ended_at, duration_seconds, created_at, updated_at
		FROM call_sessions WHERE call_sid = $1
	`, callSid).Scan(&r.ID, &r.CallSid, &r.FromNumber, &r.ToNumber, &r.Status, &r.StartedAt, &endedAt, &duration, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("callsessions: get: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	r.DurationSeconds = int(duration.Int32)
	return &r, nil
}

// mapCarrierStatus translates the carrier's CallStatus values into our
// narrower Status enum. Unrecognized values are ignored rather than stored,
// since an unknown intermediate status (e.g. "ringing") carries no terminal
// meaning for call_sessions.
func mapCarrierStatus(carrierStatus string) Status {
	switch carrierStatus {
	case "completed":
		return StatusCompleted
	case "failed", "busy", "no-answer", "canceled":
		return StatusFailed
	case "in-progress":
		return StatusInProgress
	default:
		return ""
	}
}
