package conversationlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestCreateConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	id := uuid.New()
	startedAt := time.Now().UTC()

	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(id, "sess-1", "CA1", "gpt-realtime", startedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.CreateConversation(context.Background(), id, "sess-1", "CA1", "gpt-realtime", startedAt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTurn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	convID := uuid.New()
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO turns").
		WithArgs(convID, 1, "customer", "vorrei prenotare", ts, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE conversations SET turn_count").
		WithArgs(convID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = store.AppendTurn(context.Background(), Turn{
		ConversationID: convID,
		TurnNumber:     1,
		Role:           "customer",
		Transcript:     "vorrei prenotare",
		Timestamp:      ts,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendToolInvocation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	convID := uuid.New()
	startedAt := time.Now().UTC()
	endedAt := startedAt.Add(250 * time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tool_invocations").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE conversations SET tool_count").
		WithArgs(convID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = store.AppendToolInvocation(context.Background(), ToolInvocation{
		ConversationID: convID,
		ToolName:       "check_slot_availability",
		Arguments:      map[string]any{"date": "2025-01-20"},
		Result:         map[string]any{"available": true},
		Success:        true,
		StartedAt:      startedAt,
		EndedAt:        endedAt,
		CallID:         "call-1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTurnRollsBackOnFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	convID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO turns").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = store.AppendTurn(context.Background(), Turn{
		ConversationID: convID,
		TurnNumber:     1,
		Role:           "assistant",
		Transcript:     "certo, un attimo",
		Timestamp:      time.Now().UTC(),
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	id := uuid.New()
	endedAt := time.Now().UTC()

	mock.ExpectExec("UPDATE conversations SET ended_at").
		WithArgs(id, endedAt, 180).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.FinalizeConversation(context.Background(), id, endedAt, 180)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	id := uuid.New()
	startedAt := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "session_id", "call_id", "model_id", "started_at", "ended_at", "duration_seconds", "turn_count", "tool_count",
	}).AddRow(id, "sess-1", "CA1", "gpt-realtime", startedAt, nil, nil, 6, 2)
	mock.ExpectQuery("SELECT id, session_id, call_id").
		WithArgs(id).
		WillReturnRows(rows)

	conv, err := store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 6, conv.TurnCount)
	require.Nil(t, conv.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTurns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	convID := uuid.New()
	ts := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"conversation_id", "turn_number", "role", "transcript", "timestamp", "source_event_id"}).
		AddRow(convID, 1, "customer", "vorrei prenotare", ts, nil).
		AddRow(convID, 2, "assistant", "certo, per quando?", ts.Add(time.Second), nil)
	mock.ExpectQuery("SELECT conversation_id, turn_number, role").
		WithArgs(convID).
		WillReturnRows(rows)

	turns, err := store.ListTurns(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "assistant", turns[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}
