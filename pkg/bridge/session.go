package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/spa-voice-bridge/pkg/carrier"
	"github.com/birddigital/spa-voice-bridge/pkg/realtime"
)

// state is one point in the per-call state machine. Transitions only ever
// move forward; there is no path back to an earlier state.
type state int

const (
	stateAccepted state = iota
	stateConnectingAI
	stateConfiguring
	stateRunning
	stateTerminating
	stateClosed
)

// Session is the per-call record the bridge's two relay goroutines share.
// Fields set once before RUNNING (CustomerPhone, aiPeer) are read without
// locking after that point; sessionID, callID, state, initialized, the
// assistant transcript accumulator and the turn counter are guarded by mu.
type Session struct {
	ConversationID uuid.UUID
	CustomerPhone  string // verbatim from the carrier; never reformatted

	mu          sync.Mutex
	state       state
	sessionID   string // carrier streamSid, authoritative after start
	callID      string // carrier callSid
	initialized bool

	carrierPeer *carrier.Conn
	aiPeer      *realtime.Conn

	assistantBuf strings.Builder

	startedAt time.Time
	endedAt   time.Time

	turnSeq int

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ctx context.Context, carrierConn *carrier.Conn) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	return &Session{
		state:       stateAccepted,
		carrierPeer: carrierConn,
		startedAt:   time.Now().UTC(),
		ctx:         sessCtx,
		cancel:      cancel,
	}
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setStart(sessionID, callID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.callID = callID
	s.mu.Unlock()
}

func (s *Session) streamAndCallID() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.callID
}

func (s *Session) setInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

func (s *Session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) nextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnSeq++
	return s.turnSeq
}

func (s *Session) appendAssistantDelta(delta string) {
	s.mu.Lock()
	s.assistantBuf.WriteString(delta)
	s.mu.Unlock()
}

func (s *Session) drainAssistantBuf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.assistantBuf.String()
	s.assistantBuf.Reset()
	return out
}

// Registry tracks in-flight sessions keyed by carrier stream id, mirroring
// the teacher's single-mutex session-map idiom.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) put(streamSid string, s *Session) {
	r.mu.Lock()
	r.sessions[streamSid] = s
	r.mu.Unlock()
}

func (r *Registry) remove(streamSid string) {
	r.mu.Lock()
	delete(r.sessions, streamSid)
	r.mu.Unlock()
}

// Len returns the number of sessions currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown cancels every in-flight session's root context, driving each
// through its normal TERMINATING path rather than killing it outright.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.cancel()
	}
}
