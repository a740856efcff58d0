package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/spa-voice-bridge/pkg/booking"
	"github.com/birddigital/spa-voice-bridge/pkg/callsessions"
	"github.com/birddigital/spa-voice-bridge/pkg/carrier"
	"github.com/birddigital/spa-voice-bridge/pkg/conversationlog"
	"github.com/birddigital/spa-voice-bridge/pkg/dispatch"
	"github.com/birddigital/spa-voice-bridge/pkg/logging"
	"github.com/birddigital/spa-voice-bridge/pkg/realtime"
)

var bridgeTestUpgrader = websocket.Upgrader{}

func newCarrierHarness(t *testing.T) (*httptest.Server, *websocket.Conn, chan *carrier.Conn) {
	t.Helper()
	accepted := make(chan *carrier.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/media-stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := carrier.Accept(w, r, logging.Default())
		require.NoError(t, err)
		accepted <- conn
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return srv, client, accepted
}

// newFakeAIProvider stands in for the realtime AI endpoint. Once it receives
// session.update it plays out one booking turn: a transcribed customer
// request, an assistant reply, and a book_spa_slot tool call.
func newFakeAIProvider(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := bridgeTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var envelope struct {
				Type string `json:"type"`
			}
			json.Unmarshal(data, &envelope)
			if envelope.Type != "session.update" {
				continue
			}
			sendServerEvent(ws, realtime.ServerEvent{Type: realtime.KindSessionUpdated})
			sendServerEvent(ws, realtime.ServerEvent{
				Type: realtime.KindUserTranscriptDone, Transcript: "vorrei prenotare un appuntamento", EventID: "evt-1",
			})
			sendServerEvent(ws, realtime.ServerEvent{Type: realtime.KindAssistantDelta, Delta: "certo, "})
			sendServerEvent(ws, realtime.ServerEvent{
				Type: realtime.KindAssistantDone, Transcript: "certo, un attimo di pazienza", EventID: "evt-2",
			})
			sendServerEvent(ws, realtime.ServerEvent{
				Type:      realtime.KindFunctionCallDone,
				Name:      "book_spa_slot",
				Arguments: `{"name":"Maria Rossi","date":"2025-01-20","start_time":"10:00"}`,
				CallID:    "call-1",
			})
		}
	})
	srv := httptest.NewServer(mux)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendServerEvent(ws *websocket.Conn, evt realtime.ServerEvent) {
	data, _ := json.Marshal(evt)
	ws.WriteMessage(websocket.TextMessage, data)
}

func TestRunHappyPathBookingFlow(t *testing.T) {
	aiSrv, aiURL := newFakeAIProvider(t)
	defer aiSrv.Close()

	carrierSrv, client, accepted := newCarrierHarness(t)
	defer carrierSrv.Close()
	defer client.Close()

	bookingMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer bookingMock.Close()
	bookingClient := booking.NewClient(bookingMock)

	convMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer convMock.Close()
	convLog := conversationlog.NewStore(convMock)

	callMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer callMock.Close()
	callStore := callsessions.NewStore(callMock)

	dispatcher := dispatch.New(bookingClient, logging.Default(), 2, 0)

	b := New(Config{
		AIBaseURL:            aiURL,
		AIAPIKey:             "test-key",
		AIModel:              "gpt-realtime",
		Voice:                "alloy",
		SpaName:              "Spa Serenita",
		SessionDurationHours: 2,
	}, logging.Default(), dispatcher, convLog, callStore)

	convMock.ExpectExec("INSERT INTO conversations").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	callMock.ExpectExec("UPDATE call_sessions").
		WithArgs("CA1", callsessions.StatusInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	convMock.ExpectBegin()
	convMock.ExpectExec("INSERT INTO turns").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	convMock.ExpectExec("UPDATE conversations SET turn_count").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	convMock.ExpectCommit()

	convMock.ExpectBegin()
	convMock.ExpectExec("INSERT INTO turns").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	convMock.ExpectExec("UPDATE conversations SET turn_count").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	convMock.ExpectCommit()

	bookRows := pgxmock.NewRows([]string{"status", "booking_id", "booking_reference", "message"}).
		AddRow("success", "b-1", "SPA-000042", "prenotato")
	bookingMock.ExpectQuery("SELECT \\* FROM book_spa_slot").
		WithArgs("Maria Rossi", "+391110002222", "2025-01-20", "10:00:00", "12:00:00").
		WillReturnRows(bookRows)

	convMock.ExpectBegin()
	convMock.ExpectExec("INSERT INTO tool_invocations").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	convMock.ExpectExec("UPDATE conversations SET tool_count").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	convMock.ExpectCommit()

	runDone := make(chan struct{})
	go func() {
		carrierConn := <-accepted
		b.Run(context.Background(), carrierConn)
		close(runDone)
	}()

	startEvt := carrier.Event{
		Type: carrier.EventStart,
		Start: &carrier.StartPayload{
			StreamSid: "MZ1",
			CallSid:   "CA1",
			CustomParameters: carrier.CustomParameters{
				CustomerPhone: "+391110002222",
				CallSid:       "CA1",
				TwilioNumber:  "+390000000000",
			},
		},
	}
	writeCarrierEvent(t, client, startEvt)

	require.Eventually(t, func() bool {
		return bookingMock.ExpectationsWereMet() == nil && convMock.ExpectationsWereMet() == nil
	}, 3*time.Second, 20*time.Millisecond, "booking and conversation log expectations were not met in time")

	convMock.ExpectExec("UPDATE conversations SET ended_at").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	callMock.ExpectExec("UPDATE call_sessions").
		WithArgs("CA1", callsessions.StatusCompleted, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	writeCarrierEvent(t, client, carrier.Event{Type: carrier.EventStop})

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge.Run did not terminate after carrier stop")
	}

	require.NoError(t, callMock.ExpectationsWereMet())
	require.NoError(t, convMock.ExpectationsWereMet())
	require.Equal(t, 0, b.Registry().Len())
}

func TestRunAIHandshakeFailureMarksCallFailed(t *testing.T) {
	carrierSrv, client, accepted := newCarrierHarness(t)
	defer carrierSrv.Close()
	defer client.Close()

	callMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer callMock.Close()
	callStore := callsessions.NewStore(callMock)

	convMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer convMock.Close()
	convLog := conversationlog.NewStore(convMock)

	bookingMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer bookingMock.Close()
	dispatcher := dispatch.New(booking.NewClient(bookingMock), logging.Default(), 2, 0)

	b := New(Config{
		AIBaseURL: "ws://127.0.0.1:1", // nothing listens here
		AIAPIKey:  "test-key",
		AIModel:   "gpt-realtime",
	}, logging.Default(), dispatcher, convLog, callStore)

	convMock.ExpectExec("INSERT INTO conversations").
		WithArgs(pgxmock.AnyArg(), "MZ2", "CA2", "gpt-realtime", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	convMock.ExpectExec("UPDATE conversations SET ended_at").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	callMock.ExpectExec("UPDATE call_sessions").
		WithArgs("CA2", callsessions.StatusFailed, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	runDone := make(chan struct{})
	go func() {
		carrierConn := <-accepted
		b.Run(context.Background(), carrierConn)
		close(runDone)
	}()

	writeCarrierEvent(t, client, carrier.Event{
		Type: carrier.EventStart,
		Start: &carrier.StartPayload{
			StreamSid: "MZ2",
			CallSid:   "CA2",
			CustomParameters: carrier.CustomParameters{
				CustomerPhone: "+391110002222",
			},
		},
	})

	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		t.Fatal("bridge.Run did not terminate after ai handshake failure")
	}

	require.NoError(t, callMock.ExpectationsWereMet())
	require.NoError(t, convMock.ExpectationsWereMet(), "handshake-failure sessions must still get a conversation record with ended_at set")
}

func writeCarrierEvent(t *testing.T, client *websocket.Conn, evt carrier.Event) {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
}
