package realtime

// Outgoing event envelopes sent by the bridge to the realtime AI socket.

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string         `json:"modalities,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string           `json:"output_audio_format,omitempty"`
	Voice                   string           `json:"voice,omitempty"`
	Instructions            string           `json:"instructions,omitempty"`
	Temperature             float64          `json:"temperature,omitempty"`
	TurnDetection           *turnDetection   `json:"turn_detection,omitempty"`
	InputAudioTranscription *inputTranscribe `json:"input_audio_transcription,omitempty"`
	Tools                   []ToolSchema     `json:"tools,omitempty"`
	ToolChoice              string           `json:"tool_choice,omitempty"`
}

type turnDetection struct {
	Type              string `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int    `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
}

type inputTranscribe struct {
	Model string `json:"model"`
}

// ToolSchema describes one tool exposed to the model in session.update.
type ToolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the caller-facing set of options recognized by Configure,
// enumerated in full by the bridge when it builds a session for a call.
type SessionConfig struct {
	Modalities              []string
	InputAudioFormat        string
	OutputAudioFormat       string
	Voice                   string
	Instructions            string
	Temperature             float64
	TurnDetectionThreshold  float64
	TurnDetectionPrefixMs   int
	TurnDetectionSilenceMs  int
	InputTranscriptionModel string
	Tools                   []ToolSchema
	ToolChoice              string
}

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item functionCallItem `json:"item"`
}

type functionCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

// Incoming event kinds relevant to the bridge.
const (
	KindSessionUpdated       = "session.updated"
	KindSpeechStarted        = "input_audio_buffer.speech_started"
	KindUserTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	KindAssistantDelta       = "response.audio_transcript.delta"
	KindAssistantDone        = "response.audio_transcript.done"
	KindAudioDelta           = "response.audio.delta"
	KindFunctionCallDone     = "response.function_call_arguments.done"
	KindError                = "error"
)

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is a decoded frame read from the realtime AI socket. Only the
// fields relevant to Type are populated; this mirrors the wire protocol's
// single flat JSON object per event rather than a Go-side tagged union.
type ServerEvent struct {
	Type string `json:"type"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}
