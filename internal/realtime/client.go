package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRecvTimeout is returned by Recv when no frame arrived within the
// receive timeout. Pumps treat it as a cue to re-check their stop signal.
var ErrRecvTimeout = errors.New("realtime receive timed out")

// ErrSessionClosed is returned by Recv after the peer closed the socket.
var ErrSessionClosed = errors.New("realtime session closed")

const (
	openTimeout           = 10 * time.Second
	closeTimeout          = 5 * time.Second
	defaultReceiveTimeout = 500 * time.Millisecond
	maxFrameSize          = 10 << 20
)

// SessionConfig describes one realtime model session.
type SessionConfig struct {
	APIBase      string // provider http(s) base; converted to ws(s)
	ClientSecret string
	Model        string
	Instructions string
	Voice        string
	Tools        []Tool

	// ReceiveTimeout bounds each Recv so callers can observe stop flags.
	// Zero means 500 ms.
	ReceiveTimeout time.Duration
}

// Session is an open WebSocket conversation with the realtime model.
// Reads are single-consumer; writes are serialized internally.
type Session struct {
	conn    *websocket.Conn
	cfg     SessionConfig
	logger  *slog.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// wsURL converts the API base to the realtime WebSocket endpoint.
func wsURL(apiBase, model string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing api base: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api base scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/v1") {
		u.Path += "/v1"
	}
	u.Path += "/realtime"
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the model WebSocket and sends the initial session.update.
func Dial(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}

	target, err := wsURL(cfg.APIBase, cfg.Model)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: openTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.ClientSecret)

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing realtime websocket: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	s := &Session{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("subsystem", "realtime-session", "model", cfg.Model),
	}

	if err := s.sendSessionUpdate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("sending session.update: %w", err)
	}
	s.logger.Debug("realtime session established")
	return s, nil
}

// sendSessionUpdate configures audio formats, voice and server VAD.
func (s *Session) sendSessionUpdate() error {
	pcm24k := map[string]any{"type": "audio/pcm", "rate": 24000}
	output := map[string]any{"format": pcm24k}
	if s.cfg.Voice != "" {
		output["voice"] = s.cfg.Voice
	}
	session := map[string]any{
		"type":         "realtime",
		"model":        s.cfg.Model,
		"instructions": s.cfg.Instructions,
		"audio": map[string]any{
			"input":  map[string]any{"format": pcm24k},
			"output": output,
		},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 500,
		},
	}
	if len(s.cfg.Tools) > 0 {
		session["tools"] = s.cfg.Tools
	}
	return s.send(map[string]any{"type": "session.update", "session": session})
}

// send serializes writes on the shared socket.
func (s *Session) send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

// AppendAudio streams one chunk of PCM16 at 24 kHz into the input buffer.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio closes out the input buffer. Server VAD handles turn-taking,
// so this is only sent when the call ends mid-utterance.
func (s *Session) CommitAudio() error {
	return s.send(map[string]any{"type": "input_audio_buffer.commit"})
}

// CancelResponse interrupts the model's current turn.
func (s *Session) CancelResponse() error {
	return s.send(map[string]any{"type": "response.cancel"})
}

// CreateResponse asks the model to produce a response now, without
// waiting for caller audio. Used for speak-first greetings.
func (s *Session) CreateResponse() error {
	return s.send(map[string]any{"type": "response.create"})
}

// Recv reads and decodes the next server event. It returns ErrRecvTimeout
// when no frame arrived within the receive timeout and ErrSessionClosed
// once the socket is gone. Undecodable frames are skipped with a warning;
// unknown event types come back as EventUnknown for the caller to ignore.
func (s *Session) Recv() (*ServerEvent, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if netTimeout(err) {
			return nil, ErrRecvTimeout
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("reading realtime frame: %w", err)
	}

	ev, err := ParseServerEvent(data)
	if err != nil {
		// A malformed frame (bad base64, broken JSON) must not kill the
		// session; report it and move on.
		s.logger.Warn("skipping malformed realtime frame", "error", err)
		return &ServerEvent{Kind: EventUnknown}, nil
	}
	return ev, nil
}

func netTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// Close sends a close frame and tears the socket down. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
