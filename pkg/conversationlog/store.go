// Package conversationlog persists per-call conversation records: the
// conversation aggregate itself, its turns, and its tool invocations.
package conversationlog

import (
	"context"
	"encoding/json"
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
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Turn is one recorded utterance within a conversation.
type Turn struct {
	ConversationID uuid.UUID
	TurnNumber     int
	Role           string
	Transcript     string
	Timestamp      time.Time
	SourceEventID  string
}

// ToolInvocation is one recorded AI tool call and its result.
type ToolInvocation struct {
	ConversationID uuid.UUID
	ToolName       string
	Arguments      map[string]any
	Result         map[string]any
	Success        bool
	StartedAt      time.Time
	EndedAt        time.Time
	CallID         string
}

// Conversation is the per-call aggregate row.
type Conversation struct {
	ID              uuid.UUID
	SessionID       string
	CallID          string
	ModelID         string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	TurnCount       int
	ToolCount       int
}

// Store persists conversation records to Postgres through the shared pool.
type Store struct {
	db DB
}

// NewStore builds a Store over an existing pool.
func NewStore(db DB) *Store {
	if db == nil {
		panic("conversationlog: pgx pool cannot be nil")
	}
	return &Store{db: db}
}

// CreateConversation inserts the conversation aggregate row.
func (s *Store) CreateConversation(ctx context.Context, id uuid.UUID, sessionID, callID, modelID string, startedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, session_id, call_id, model_id, started_at, turn_count, tool_count)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
	`, id, sessionID, callID, modelID, startedAt)
	if err != nil {
		return fmt.Errorf("conversationlog: create conversation: %w", err)
	}
	return nil
}

// FinalizeConversation sets ended_at and duration_seconds once, at session
// termination.
func (s *Store) FinalizeConversation(ctx context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET ended_at = $2, duration_seconds = $3 WHERE id = $1
	`, id, endedAt, durationSeconds)
	if err != nil {
		return fmt.Errorf("conversationlog: finalize conversation: %w", err)
	}
	return nil
}

// AppendTurn inserts one turn and bumps the conversation's turn_count.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversationlog: append turn: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO turns (conversation_id, turn_number, role, transcript, timestamp, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ConversationID, t.TurnNumber, t.Role, t.Transcript, t.Timestamp, nullString(t.SourceEventID)); err != nil {
		return fmt.Errorf("conversationlog: append turn: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET turn_count = turn_count + 1 WHERE id = $1`, t.ConversationID); err != nil {
		return fmt.Errorf("conversationlog: append turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversationlog: append turn: %w", err)
	}
	return nil
}

// AppendToolInvocation inserts one tool invocation and bumps the
// conversation's tool_count.
func (s *Store) AppendToolInvocation(ctx context.Context, inv ToolInvocation) error {
	argsJSON, err := json.Marshal(inv.Arguments)
	if err != nil {
		return fmt.Errorf("conversationlog: encode tool arguments: %w", err)
	}
	resultJSON, err := json.Marshal(inv.Result)
	if err != nil {
		return fmt.Errorf("conversationlog: encode tool result: %w", err)
	}
	durationMs := inv.EndedAt.Sub(inv.StartedAt).Milliseconds()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversationlog: append tool invocation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO tool_invocations (
			conversation_id, tool_name, arguments, result, success,
			started_at, ended_at, duration_ms, call_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.ConversationID, inv.ToolName, argsJSON, resultJSON, inv.Success,
		inv.StartedAt, inv.EndedAt, durationMs, inv.CallID); err != nil {
		return fmt.Errorf("conversationlog: append tool invocation: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET tool_count = tool_count + 1 WHERE id = $1`, inv.ConversationID); err != nil {
		return fmt.Errorf("conversationlog: append tool invocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversationlog: append tool invocation: %w", err)
	}
	return nil
}

// GetConversation loads the conversation aggregate row.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var (
		c        Conversation
		endedAt  pgtype.Timestamptz
		duration pgtype.Int4
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, call_id, model_id, started_at, ended_at, duration_seconds, turn_count, tool_count
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.SessionID, &c.CallID, &c.ModelID, &c.StartedAt, &endedAt, &duration, &c.TurnCount, &c.ToolCount)
	if err != nil {
		return nil, fmt.Errorf("conversationlog: get conversation: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	c.DurationSeconds = int(duration.Int32)
	return &c, nil
}

// ListTurns returns every turn for a conversation in turn_number order.
func (s *Store) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, turn_number, role, transcript, timestamp, source_event_id
		FROM turns WHERE conversation_id = $1 ORDER BY turn_number ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversationlog: list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sourceEventID pgtype.Text
		if err := rows.Scan(&t.ConversationID, &t.TurnNumber, &t.Role, &t.Transcript, &t.Timestamp, &sourceEventID); err != nil {
			return nil, fmt.Errorf("conversationlog: list turns: %w", err)
		}
		t.SourceEventID = sourceEventID.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListToolInvocations returns every tool invocation for a conversation in
// insertion order.
func (s *Store) ListToolInvocations(ctx context.Context, conversationID uuid.UUID) ([]ToolInvocation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, tool_name, arguments, result, success, started_at, ended_at, call_id
		FROM tool_invocations WHERE conversation_id = $1 ORDER BY started_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversationlog: list tool invocations: %w", err)
	}
	defer rows.Close()

	var invocations []ToolInvocation
	for rows.Next() {
		var (
			inv            ToolInvocation
			argsJSON       []byte
			resultJSON     []byte
		)
		if err := rows.Scan(&inv.ConversationID, &inv.ToolName, &argsJSON, &resultJSON, &inv.Success,
			&inv.StartedAt, &inv.EndedAt, &inv.CallID); err != nil {
			return nil, fmt.Errorf("conversationlog: list tool invocations: %w", err)
		}
		json.Unmarshal(argsJSON, &inv.Arguments)
		json.Unmarshal(resultJSON, &inv.Result)
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
