package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind is the discriminant of the server event union. Every event the
// provider can send maps to exactly one kind; unrecognized wire types map
// to EventUnknown and are logged and ignored, never fatal.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSpeechStarted
	EventSpeechStopped
	EventResponseCancelled
	EventAudioDelta
	EventTranscriptDelta
	EventResponseCompleted
	EventSessionEnded
	EventError
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseCancelled:
		return "response_cancelled"
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventResponseCompleted:
		return "response_completed"
	case EventSessionEnded:
		return "session_ended"
	case EventError:
		return "error"
	}
	return "unknown"
}

// ServerEvent is one decoded event from the model.
type ServerEvent struct {
	Kind     EventKind
	WireType string // raw type string as received

	ResponseID   string
	ItemID       string
	ContentIndex int

	// Audio holds decoded PCM16 for EventAudioDelta.
	Audio []byte

	// Text holds the delta text for EventTranscriptDelta.
	Text string

	// OutputText holds explicit response output text for
	// EventResponseCompleted; when present it wins over buffered deltas.
	OutputText []string

	// Err describes the provider error for EventError.
	Err *ProviderError
}

// ProviderError is the error payload of a model "error" event.
type ProviderError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s/%s: %s", e.Type, e.Code, e.Message)
}

// serverEventWire is the superset of fields across all inbound events.
type serverEventWire struct {
	Type         string          `json:"type"`
	ResponseID   string          `json:"response_id"`
	ItemID       string          `json:"item_id"`
	ContentIndex int             `json:"content_index"`
	Delta        string          `json:"delta"`
	Error        *ProviderError  `json:"error"`
	Response     *responsePayload `json:"response"`
}

type responsePayload struct {
	ID     string `json:"id"`
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// ParseServerEvent decodes one JSON frame from the model into the event
// union. Base64 audio is decoded strictly; malformed audio frames fail the
// parse without being fatal to the session.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var wire serverEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parsing server event: %w", err)
	}

	ev := &ServerEvent{
		WireType:     wire.Type,
		ResponseID:   wire.ResponseID,
		ItemID:       wire.ItemID,
		ContentIndex: wire.ContentIndex,
	}

	switch {
	case wire.Type == "input_audio_buffer.speech_started":
		ev.Kind = EventSpeechStarted
	case wire.Type == "input_audio_buffer.speech_stopped":
		ev.Kind = EventSpeechStopped
	case wire.Type == "response.cancelled":
		ev.Kind = EventResponseCancelled
	case strings.HasSuffix(wire.Type, "audio.delta"):
		audio, err := base64.StdEncoding.Strict().DecodeString(wire.Delta)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 in %s: %w", wire.Type, err)
		}
		ev.Kind = EventAudioDelta
		ev.Audio = audio
	case strings.HasSuffix(wire.Type, "transcript.delta"):
		ev.Kind = EventTranscriptDelta
		ev.Text = wire.Delta
	case wire.Type == "response.completed" || wire.Type == "response.done":
		ev.Kind = EventResponseCompleted
		if wire.Response != nil {
			if ev.ResponseID == "" {
				ev.ResponseID = wire.Response.ID
			}
			for _, out := range wire.Response.Output {
				for _, c := range out.Content {
					if (c.Type == "output_text" || c.Type == "text") && c.Text != "" {
						ev.OutputText = append(ev.OutputText, c.Text)
					}
				}
			}
		}
	case wire.Type == "session.ended":
		ev.Kind = EventSessionEnded
	case wire.Type == "error":
		ev.Kind = EventError
		ev.Err = wire.Error
		if ev.Err == nil {
			ev.Err = &ProviderError{Type: "error", Message: "provider sent error event without payload"}
		}
	default:
		ev.Kind = EventUnknown
	}

	return ev, nil
}
