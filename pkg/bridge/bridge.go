// Package bridge implements the per-call session bridge: the state machine
// that accepts a carrier media socket, negotiates and configures a realtime
// AI socket, and runs full-duplex relay between the two until either side
// closes or the carrier sends stop.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/spa-voice-bridge/pkg/callsessions"
	"github.com/birddigital/spa-voice-bridge/pkg/carrier"
	"github.com/birddigital/spa-voice-bridge/pkg/conversationlog"
	"github.com/birddigital/spa-voice-bridge/pkg/dispatch"
	"github.com/birddigital/spa-voice-bridge/pkg/logging"
	"github.com/birddigital/spa-voice-bridge/pkg/realtime"
)

// Config carries the per-call settings the bridge needs to open and
// configure an AI session. It is built once from the process Config and
// handed to every call.
type Config struct {
	AIBaseURL               string
	AIAPIKey                string
	AIModel                 string
	Voice                   string
	SpaName                 string
	SessionDurationHours    int
	InputTranscriptionModel string
}

// Bridge owns the session registry and the long-lived collaborators every
// call shares: the AI dialer's credentials, the tool dispatcher, the
// conversation log, and the call_sessions store.
type Bridge struct {
	cfg        Config
	log        *logging.Logger
	dispatcher *dispatch.Dispatcher
	convLog    *conversationlog.Store
	callStore  *callsessions.Store
	registry   *Registry
}

// New builds a Bridge. The registry starts empty; callers obtain one Bridge
// per process and call Run once per accepted carrier socket.
func New(cfg Config, log *logging.Logger, dispatcher *dispatch.Dispatcher, convLog *conversationlog.Store, callStore *callsessions.Store) *Bridge {
	return &Bridge{
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		convLog:    convLog,
		callStore:  callStore,
		registry:   newRegistry(),
	}
}

// Registry exposes the in-flight session registry, e.g. for a status
// endpoint or graceful shutdown.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Run drives one accepted carrier socket through the full session bridge
// state machine. It blocks until the session reaches CLOSED. The caller
// (the front door's WebSocket handler) should invoke this in its own
// goroutine per connection, since net/http already serves each request on
// its own goroutine.
func (b *Bridge) Run(ctx context.Context, carrierConn *carrier.Conn) {
	sess := newSession(ctx, carrierConn)
	log := b.log.With("component", "bridge")

	defer func() {
		sess.setState(stateClosed)
		carrierConn.Close()
		if sess.aiPeer != nil {
			sess.aiPeer.Close()
		}
		sess.cancel()
	}()

	// ACCEPTED: read frames until start, dropping any media frame that
	// arrives early and treating stop-before-start as a clean no-op exit.
	startEvt, ok := b.awaitStart(sess, log)
	if !ok {
		return
	}

	sess.setStart(startEvt.StreamSid, startEvt.CallSid)
	sess.CustomerPhone = startEvt.CustomParameters.CustomerPhone
	b.registry.put(startEvt.StreamSid, sess)
	defer b.registry.remove(startEvt.StreamSid)

	callLog := log.With("stream_sid", startEvt.StreamSid, "call_sid", startEvt.CallSid)

	// CONNECTING_AI: the conversation record is created here, before the AI
	// dial, so every accepted session gets exactly one conversation row with
	// an eventual ended_at, even one that never makes it past the handshake.
	sess.setState(stateConnectingAI)
	sess.ConversationID = uuid.New()
	if err := b.convLog.CreateConversation(sess.ctx, sess.ConversationID, startEvt.StreamSid, startEvt.CallSid, b.cfg.AIModel, sess.startedAt); err != nil {
		callLog.Warn("conversation log write failed", "err", err)
	}

	aiConn, err := realtime.Connect(sess.ctx, b.cfg.AIBaseURL, b.cfg.AIAPIKey, b.cfg.AIModel, callLog)
	if err != nil {
		callLog.Error("ai handshake failed, closing carrier socket", "err", err)
		b.terminate(sess, callLog, startEvt.CallSid, callsessions.StatusFailed)
		return
	}
	sess.aiPeer = aiConn

	// CONFIGURING
	sess.setState(stateConfiguring)
	instructions, err := realtime.RenderInstructions(realtime.InstructionsParams{
		SpaName:              b.cfg.SpaName,
		CustomerPhone:        sess.CustomerPhone,
		SessionDurationHours: b.cfg.SessionDurationHours,
	})
	if err != nil {
		callLog.Error("failed to render instructions", "err", err)
		b.terminate(sess, callLog, startEvt.CallSid, callsessions.StatusFailed)
		return
	}

	sessionCfg := realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		InputAudioFormat:        "g711_ulaw",
		OutputAudioFormat:       "g711_ulaw",
		Voice:                   b.cfg.Voice,
		Instructions:            instructions,
		Temperature:             0.8,
		TurnDetectionThreshold:  0.5,
		TurnDetectionPrefixMs:   300,
		TurnDetectionSilenceMs:  500,
		InputTranscriptionModel: b.cfg.InputTranscriptionModel,
		Tools:                   toolSchemas(),
		ToolChoice:              "auto",
	}
	if err := aiConn.Configure(sessionCfg); err != nil {
		callLog.Error("failed to configure ai session", "err", err)
		b.terminate(sess, callLog, startEvt.CallSid, callsessions.StatusFailed)
		return
	}
	sess.setInitialized()

	// RUNNING
	sess.setState(stateRunning)
	if err := b.callStore.MarkInProgress(sess.ctx, startEvt.CallSid); err != nil {
		callLog.Warn("failed to mark call session in progress", "err", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		b.relayCarrierToAI(sess, callLog)
		done <- struct{}{}
	}()
	go func() {
		b.relayAIToCarrier(sess, callLog)
		done <- struct{}{}
	}()

	// TERMINATING: either direction exiting starts termination; we must
	// still join both, so wait for the second signal too.
	<-done
	sess.setState(stateTerminating)
	sess.cancel()
	carrierConn.Close()
	aiConn.Close()
	<-done

	duration := b.terminate(sess, callLog, startEvt.CallSid, callsessions.StatusCompleted)
	callLog.Info("session terminated", "duration_seconds", duration)
}

// terminate finalizes the conversation record and the call_sessions row for
// sess, whatever state the session reached. It is the single place that
// writes ended_at/duration for both stores, so every accepted session gets
// exactly one conversation record and one call_sessions row in a terminal
// state, regardless of which state the session failed in.
func (b *Bridge) terminate(sess *Session, log *logging.Logger, callSid string, status callsessions.Status) int {
	sess.endedAt = time.Now().UTC()
	duration := int(sess.endedAt.Sub(sess.startedAt).Seconds())

	if err := b.convLog.FinalizeConversation(context.Background(), sess.ConversationID, sess.endedAt, duration); err != nil {
		log.Warn("conversation log finalize failed", "err", err)
	}
	if err := b.callStore.Finish(context.Background(), callSid, status, sess.endedAt, duration); err != nil {
		log.Warn("call_sessions finish write failed", "err", err, "call_sid", callSid)
	}
	return duration
}

// awaitStart reads carrier frames until start, dropping early media and
// exiting cleanly on stop-before-start. Returns ok=false if the socket
// closes before a start event is seen.
func (b *Bridge) awaitStart(sess *Session, log *logging.Logger) (*carrier.StartPayload, bool) {
	for evt := range sess.carrierPeer.Events() {
		switch evt.Type {
		case carrier.EventStart:
			if evt.Start != nil {
				return evt.Start, true
			}
		case carrier.EventStop:
			log.Info("stop received before start, no ai connection opened")
			return nil, false
		case carrier.EventConnected:
			// informational
		case carrier.EventMedia:
			// dropped: no session to attribute it to yet
		default:
			log.Warn("unrecognized carrier event before start", "event", evt.Type)
		}
	}
	return nil, false
}

// relayCarrierToAI forwards carrier audio to the AI once initialized, and
// watches for stop/close.
func (b *Bridge) relayCarrierToAI(sess *Session, log *logging.Logger) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case evt, ok := <-sess.carrierPeer.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case carrier.EventMedia:
				if !sess.isInitialized() {
					continue
				}
				if evt.Media == nil {
					continue
				}
				if err := sess.aiPeer.AppendAudio(evt.Media.Payload); err != nil {
					log.Warn("failed to append audio to ai", "err", err)
					return
				}
			case carrier.EventStop:
				log.Info("carrier stop received")
				return
			case carrier.EventMark, carrier.EventConnected:
				// informational
			default:
				log.Warn("unrecognized carrier event", "event", evt.Type)
			}
		}
	}
}

// relayAIToCarrier forwards AI audio/events to the carrier, records turns,
// and dispatches tool calls. Dispatch runs inline on this direction's
// goroutine, so this direction waits for the tool call and its result send
// before reading further AI events, preserving ordering for the assistant's
// next turn; the carrier→AI direction runs on its own goroutine and is not
// blocked by a slow booking RPC.
func (b *Bridge) relayAIToCarrier(sess *Session, log *logging.Logger) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case evt, ok := <-sess.aiPeer.Events():
			if !ok {
				return
			}

			switch evt.Type {
			case realtime.KindAudioDelta:
				streamSid, _ := sess.streamAndCallID()
				if streamSid == "" {
					continue
				}
				if err := sess.carrierPeer.SendMedia(streamSid, evt.Delta); err != nil {
					log.Warn("failed to forward audio to carrier", "err", err)
					return
				}

			case realtime.KindUserTranscriptDone:
				b.appendTurn(sess, log, "user", evt.Transcript, evt.EventID)

			case realtime.KindAssistantDelta:
				sess.appendAssistantDelta(evt.Delta)

			case realtime.KindAssistantDone:
				transcript := evt.Transcript
				if transcript == "" {
					transcript = sess.drainAssistantBuf()
				} else {
					sess.drainAssistantBuf()
				}
				b.appendTurn(sess, log, "assistant", transcript, evt.EventID)

			case realtime.KindFunctionCallDone:
				b.handleToolCall(sess, log, evt)

			case realtime.KindSessionUpdated, realtime.KindSpeechStarted:
				// informational

			case realtime.KindError:
				if evt.Error != nil {
					log.Warn("ai reported error", "type", evt.Error.Type, "message", evt.Error.Message)
				}

			default:
				log.Warn("unrecognized ai event", "event", evt.Type)
			}
		}
	}
}

func (b *Bridge) appendTurn(sess *Session, log *logging.Logger, role, transcript, sourceEventID string) {
	if transcript == "" {
		return
	}
	turn := conversationlog.Turn{
		ConversationID: sess.ConversationID,
		TurnNumber:     sess.nextTurn(),
		Role:           role,
		Transcript:     transcript,
		Timestamp:      time.Now().UTC(),
		SourceEventID:  sourceEventID,
	}
	if err := b.convLog.AppendTurn(context.Background(), turn); err != nil {
		log.Warn("failed to append turn", "err", err, "role", role)
	}
}

// handleToolCall dispatches one AI tool call and, synchronously with respect
// to this direction, sends the result and a response.create before any
// further AI response events are acted on. Dispatch applies its own bounded
// context, so this blocks the AI-to-carrier direction for at most that
// timeout, and a second tool call is never dispatched before this one's
// result lands.
func (b *Bridge) handleToolCall(sess *Session, log *logging.Logger, evt realtime.ServerEvent) {
	started := time.Now().UTC()
	result, success := b.dispatcher.Dispatch(sess.ctx, evt.Name, evt.Arguments, sess.CustomerPhone)
	ended := time.Now().UTC()

	outputJSON, err := json.Marshal(result)
	if err != nil {
		log.Error("failed to marshal tool result", "err", err)
		outputJSON = []byte(`{"error":"internal"}`)
	}

	if err := sess.aiPeer.SendToolResult(evt.CallID, string(outputJSON)); err != nil {
		log.Warn("failed to send tool result to ai", "err", err, "tool", evt.Name)
	}

	var argsMap map[string]any
	json.Unmarshal([]byte(evt.Arguments), &argsMap)

	inv := conversationlog.ToolInvocation{
		ConversationID: sess.ConversationID,
		ToolName:       evt.Name,
		Arguments:      argsMap,
		Result:         result,
		Success:        success,
		StartedAt:      started,
		EndedAt:        ended,
		CallID:         evt.CallID,
	}
	if err := b.convLog.AppendToolInvocation(context.Background(), inv); err != nil {
		log.Warn("failed to append tool invocation", "err", err, "tool", evt.Name)
	}
}
