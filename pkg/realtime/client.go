// Package realtime implements the client for the realtime AI WebSocket: a
// bounded-retry handshake, session configuration, audio append, tool-result
// delivery, and a typed event stream read from the provider.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/spa-voice-bridge/pkg/logging"
)

// ErrHandshake is returned when the retry budget for opening the AI socket is
// exhausted.
var ErrHandshake = errors.New("realtime: ai handshake failed")

const (
	maxDialAttempts = 3
	dialRetryDelay  = 1 * time.Second
	dialBudget      = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

// Conn is one open realtime AI socket for a single call.
type Conn struct {
	ws     *websocket.Conn
	log    *logging.Logger
	events chan ServerEvent

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect opens a realtime AI socket for modelID, retrying up to
// maxDialAttempts times with dialRetryDelay between attempts and an overall
// budget of dialBudget. It returns ErrHandshake if every attempt fails.
func Connect(ctx context.Context, baseURL, apiKey, modelID string, log *logging.Logger) (*Conn, error) {
	deadline := time.Now().Add(dialBudget)

	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, fmt.Sprintf("%s?model=%s", baseURL, modelID), http.Header{
			"Authorization": []string{"Bearer " + apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		})
		cancel()
		if err == nil {
			c := &Conn{
				ws:     ws,
				log:    log,
				events: make(chan ServerEvent, 64),
				closed: make(chan struct{}),
			}
			go c.readPump()
			return c, nil
		}

		lastErr = err
		log.Warn("realtime: dial attempt failed", "attempt", attempt, "err", err)

		if attempt < maxDialAttempts && time.Now().Add(dialRetryDelay).Before(deadline) {
			select {
			case <-time.After(dialRetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrHandshake, lastErr)
}

// Configure sends a session.update event built from cfg.
func (c *Conn) Configure(cfg SessionConfig) error {
	params := sessionParams{
		Modalities:        cfg.Modalities,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Temperature:       cfg.Temperature,
		Tools:             cfg.Tools,
		ToolChoice:        cfg.ToolChoice,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetectionThreshold,
			PrefixPaddingMs:   cfg.TurnDetectionPrefixMs,
			SilenceDurationMs: cfg.TurnDetectionSilenceMs,
		},
	}
	if cfg.InputTranscriptionModel != "" {
		params.InputAudioTranscription = &inputTranscribe{Model: cfg.InputTranscriptionModel}
	}

	return c.writeJSON(sessionUpdateEvent{Type: "session.update", Session: params})
}

// AppendAudio sends one chunk of base64 µ-law audio to the model.
func (c *Conn) AppendAudio(payloadB64 string) error {
	return c.writeJSON(appendAudioEvent{Type: "input_audio_buffer.append", Audio: payloadB64})
}

// SendToolResult delivers a tool's JSON output back to the model as a
// function_call_output item, then triggers a follow-up response. The two
// writes happen in order on the same socket; callers must not interleave
// another SendToolResult before this one returns.
func (c *Conn) SendToolResult(callID, jsonOutput string) error {
	if err := c.writeJSON(conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: functionCallItem{Type: "function_call_output", CallID: callID, Output: jsonOutput},
	}); err != nil {
		return err
	}
	return c.writeJSON(responseCreateEvent{Type: "response.create"})
}

// Events returns the channel of decoded server events. It is closed when the
// connection terminates.
func (c *Conn) Events() <-chan ServerEvent {
	return c.events
}

// Close closes the socket. Idempotent and safe to call concurrently with an
// in-flight read.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ws.Close()
	})
	return nil
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("realtime: %w", websocket.ErrCloseSent)
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readPump() {
	defer close(c.events)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("realtime read error", "err", err)
			}
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn("realtime: malformed frame, skipping", "err", err)
			continue
		}
		if evt.Type == "" {
			continue
		}

		select {
		case c.events <- evt:
		case <-c.closed:
			return
		}
	}
}
