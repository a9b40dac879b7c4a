package gateway

import (
	"encoding/json"

	"github.com/voxbridge/voxbridge/internal/bridge"
)

// Outbound frame types sent to browser clients.
const (
	FrameSessionCreated   = "session_created"
	FrameSessionClosed    = "session_closed"
	FrameSessionFinalized = "session_finalized"
	FrameHistory          = "history"
	FrameHistoryDelta     = "history_delta"
	FrameAudio            = "audio"
	FrameAudioEnd         = "audio_end"
	FrameAudioInterrupted = "audio_interrupted"
	FrameAgentStart       = "agent_start"
	FrameAgentEnd         = "agent_end"
	FrameHandoff          = "handoff"
	FrameToolStart        = "tool_start"
	FrameToolEnd          = "tool_end"
	FrameSessionError     = "session_error"
	FrameError            = "error"
)

// Inbound control frame types from browser clients.
const (
	ControlInputAudio = "input_audio"
	ControlInterrupt  = "interrupt"
	ControlFinalize   = "finalize"
)

// Frame is one gateway WebSocket message in either direction.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`

	// input_audio / audio payload, base64 PCM16 at 24 kHz.
	Data   string `json:"data,omitempty"`
	Commit bool   `json:"commit,omitempty"`

	// audio frame correlation.
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`

	// history_delta text.
	Text string `json:"text,omitempty"`

	// session_finalized transcripts. A pointer so the key is present,
	// as an empty array, even when the call produced no speech.
	Transcripts *[]bridge.Transcript `json:"transcripts,omitempty"`

	// session_created metadata snapshot.
	Session *SessionInfo `json:"session,omitempty"`

	// history replay on attach.
	History []json.RawMessage `json:"history,omitempty"`

	// error / session_error detail.
	Error string `json:"error,omitempty"`
}

// SessionInfo is the session_created metadata snapshot.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	ThreadID     string `json:"thread_id,omitempty"`
	Caller       string `json:"caller,omitempty"`
	Called       string `json:"called,omitempty"`
	WorkflowSlug string `json:"workflow_slug,omitempty"`
	StartedAt    string `json:"started_at"`
}
