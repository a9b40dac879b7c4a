// Package gateway fans live call sessions out to browser clients over a
// multiplexing WebSocket and accepts their audio and control frames.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/realtime"
	"github.com/voxbridge/voxbridge/internal/registry"
)

const writeTimeout = 10 * time.Second

// audioLogInterval is how often inbound browser audio packets are
// debug-logged; commits always log.
const audioLogInterval = 25

// Gateway multiplexes all live sessions over per-user WebSocket
// connections.
type Gateway struct {
	reg      *registry.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	userConns map[int64]map[*Conn]struct{}
	sessions  map[string]*sessionState
}

// Conn is one browser WebSocket connection.
type Conn struct {
	id     string
	userID int64
	ws     *websocket.Conn

	sendMu sync.Mutex
	dead   bool
}

type sessionState struct {
	handle      *registry.Handle
	history     []json.RawMessage
	listeners   map[*Conn]struct{}
	finalized   bool
	transcripts []bridge.Transcript
	audioIn     int
}

// New creates a gateway over the given session registry.
func New(reg *registry.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		reg:    reg,
		logger: logger.With("subsystem", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The JWT on the upgrade request is the access check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		userConns: map[int64]map[*Conn]struct{}{},
		sessions:  map[string]*sessionState{},
	}
}

// ServeWS upgrades an authenticated request and runs the connection's
// read pump until the client goes away. Blocks.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Conn{id: uuid.NewString(), userID: userID, ws: ws}
	g.attach(c)
	g.logger.Info("gateway client connected", "conn", c.id, "user", userID)

	defer func() {
		g.detach(c)
		ws.Close()
		g.logger.Info("gateway client disconnected", "conn", c.id)
	}()

	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("gateway read error", "conn", c.id, "error", err)
			}
			return
		}
		g.handleControl(c, &frame)
	}
}

// attach registers the connection and replays owned sessions.
func (g *Gateway) attach(c *Conn) {
	g.mu.Lock()
	if g.userConns[c.userID] == nil {
		g.userConns[c.userID] = map[*Conn]struct{}{}
	}
	g.userConns[c.userID][c] = struct{}{}

	type replay struct {
		info    *SessionInfo
		history []json.RawMessage
	}
	var replays []replay
	for _, st := range g.sessions {
		if !st.visibleTo(c.userID) {
			continue
		}
		st.listeners[c] = struct{}{}
		replays = append(replays, replay{
			info:    sessionInfo(st.handle),
			history: append([]json.RawMessage(nil), st.history...),
		})
	}
	g.mu.Unlock()

	for _, rp := range replays {
		g.sendTo(c, &Frame{Type: FrameSessionCreated, SessionID: rp.info.SessionID, Session: rp.info})
		if len(rp.history) > 0 {
			g.sendTo(c, &Frame{Type: FrameHistory, SessionID: rp.info.SessionID, History: rp.history})
		}
	}
}

func (g *Gateway) detach(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conns := g.userConns[c.userID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(g.userConns, c.userID)
		}
	}
	for _, st := range g.sessions {
		delete(st.listeners, c)
	}
}

// visibleTo reports whether a user may observe this session. Owner 0
// means unowned, visible to every authenticated user.
func (st *sessionState) visibleTo(userID int64) bool {
	return st.handle.OwnerUserID == 0 || st.handle.OwnerUserID == userID
}

func sessionInfo(h *registry.Handle) *SessionInfo {
	return &SessionInfo{
		SessionID:    h.ID,
		ThreadID:     h.ThreadID,
		Caller:       h.Caller,
		Called:       h.Called,
		WorkflowSlug: h.WorkflowSlug,
		StartedAt:    h.StartedAt.UTC().Format(time.RFC3339),
	}
}

// SessionCreated announces a freshly admitted call to its listeners.
func (g *Gateway) SessionCreated(h *registry.Handle) {
	st := &sessionState{handle: h, listeners: map[*Conn]struct{}{}}

	g.mu.Lock()
	g.sessions[h.ID] = st
	for userID, conns := range g.userConns {
		if !st.visibleTo(userID) {
			continue
		}
		for c := range conns {
			st.listeners[c] = struct{}{}
		}
	}
	g.mu.Unlock()

	g.broadcast(h.ID, &Frame{Type: FrameSessionCreated, SessionID: h.ID, Session: sessionInfo(h)})
}

// SessionClosed announces a finished call and drops its state.
func (g *Gateway) SessionClosed(sessionID string) {
	g.broadcast(sessionID, &Frame{Type: FrameSessionClosed, SessionID: sessionID})
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// SessionError reports a mid-call failure to the session's listeners.
// The session stays registered; SessionClosed follows from teardown.
func (g *Gateway) SessionError(sessionID, message string) {
	g.broadcast(sessionID, &Frame{Type: FrameSessionError, SessionID: sessionID, Error: message})
}

// Event fans one model event out to the session's listeners. Wired as the
// bridge's OnEvent callback.
func (g *Gateway) Event(sessionID string, ev *realtime.ServerEvent) {
	var frame *Frame
	switch ev.Kind {
	case realtime.EventAudioDelta:
		frame = &Frame{
			Type:         FrameAudio,
			SessionID:    sessionID,
			Data:         base64.StdEncoding.EncodeToString(ev.Audio),
			ItemID:       ev.ItemID,
			ContentIndex: ev.ContentIndex,
			ResponseID:   ev.ResponseID,
		}
	case realtime.EventTranscriptDelta:
		frame = &Frame{Type: FrameHistoryDelta, SessionID: sessionID, ResponseID: ev.ResponseID, Text: ev.Text}
	case realtime.EventResponseCompleted:
		frame = &Frame{Type: FrameAudioEnd, SessionID: sessionID, ResponseID: ev.ResponseID}
	case realtime.EventSpeechStarted:
		frame = &Frame{Type: FrameAudioInterrupted, SessionID: sessionID}
	case realtime.EventError:
		frame = &Frame{Type: FrameSessionError, SessionID: sessionID, Error: ev.Err.Error()}
	default:
		return
	}

	// Audio is not replayed to late joiners; everything else is history.
	if frame.Type != FrameAudio {
		if raw, err := json.Marshal(frame); err == nil {
			g.mu.Lock()
			if st := g.sessions[sessionID]; st != nil {
				st.history = append(st.history, raw)
			}
			g.mu.Unlock()
		}
	}

	g.broadcast(sessionID, frame)
}

// handleControl dispatches one inbound browser frame.
func (g *Gateway) handleControl(c *Conn, frame *Frame) {
	switch frame.Type {
	case ControlInputAudio:
		g.handleInputAudio(c, frame)
	case ControlInterrupt:
		g.handleInterrupt(c, frame)
	case ControlFinalize:
		g.handleFinalize(c, frame)
	default:
		g.sendTo(c, &Frame{Type: FrameError, Error: "unknown frame type " + frame.Type})
	}
}

func (g *Gateway) handleInputAudio(c *Conn, frame *Frame) {
	g.mu.Lock()
	st := g.sessions[frame.SessionID]
	var count int
	if st != nil && !frame.Commit {
		st.audioIn++
		count = st.audioIn
	}
	g.mu.Unlock()

	if st == nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: "unknown session"})
		return
	}

	if frame.Commit {
		g.logger.Debug("browser audio commit", "session", frame.SessionID, "conn", c.id)
		if err := st.handle.Controls.CommitAudio(); err != nil {
			g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: err.Error()})
		}
		return
	}

	pcm, err := base64.StdEncoding.Strict().DecodeString(frame.Data)
	if err != nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: "invalid base64 audio"})
		return
	}
	if count%audioLogInterval == 0 {
		g.logger.Debug("browser audio", "session", frame.SessionID, "packets", count, "bytes", len(pcm))
	}
	if err := st.handle.Controls.PushAudio(pcm); err != nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: err.Error()})
	}
}

func (g *Gateway) handleInterrupt(c *Conn, frame *Frame) {
	g.mu.Lock()
	st := g.sessions[frame.SessionID]
	g.mu.Unlock()
	if st == nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: "unknown session"})
		return
	}
	if err := st.handle.Controls.Interrupt(); err != nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: err.Error()})
		return
	}
	g.broadcast(frame.SessionID, &Frame{Type: FrameAudioInterrupted, SessionID: frame.SessionID})
}

// handleFinalize ends the model session and announces the transcripts.
// A redundant finalize after the pumps already exited still broadcasts.
func (g *Gateway) handleFinalize(c *Conn, frame *Frame) {
	// Snapshot the listener set up front: Finalize tears the call down,
	// and teardown reports SessionClosed, which drops the session state
	// before Finalize returns.
	g.mu.Lock()
	st := g.sessions[frame.SessionID]
	var targets []*Conn
	if st != nil {
		for lc := range st.listeners {
			targets = append(targets, lc)
		}
	}
	g.mu.Unlock()
	if st == nil {
		g.sendTo(c, &Frame{Type: FrameError, SessionID: frame.SessionID, Error: "unknown session"})
		return
	}

	transcripts, err := st.handle.Controls.Finalize()
	if err != nil {
		g.logger.Warn("finalize failed", "session", frame.SessionID, "error", err)
	}

	g.mu.Lock()
	if st.finalized {
		transcripts = st.transcripts
	} else {
		st.finalized = true
		st.transcripts = transcripts
	}
	g.mu.Unlock()

	if transcripts == nil {
		transcripts = []bridge.Transcript{}
	}

	g.reg.Remove(frame.SessionID)
	final := &Frame{
		Type:        FrameSessionFinalized,
		SessionID:   frame.SessionID,
		ThreadID:    frame.ThreadID,
		Transcripts: &transcripts,
	}
	for _, lc := range targets {
		g.sendTo(lc, final)
	}

	g.mu.Lock()
	delete(g.sessions, frame.SessionID)
	g.mu.Unlock()
}

// broadcast writes a frame to every listener of a session. The listener
// set is copied under the lock; writes happen outside it. Connections
// that fail a write are marked dead and dropped.
func (g *Gateway) broadcast(sessionID string, frame *Frame) {
	g.mu.Lock()
	st := g.sessions[sessionID]
	var targets []*Conn
	if st != nil {
		for c := range st.listeners {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		g.sendTo(c, frame)
	}
}

func (g *Gateway) sendTo(c *Conn, frame *Frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.dead {
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.dead = true
		g.logger.Debug("dropping dead gateway connection", "conn", c.id, "error", err)
		c.ws.Close()
	}
}

// CloseAll closes every browser connection, for shutdown. Their read
// pumps return and release the HTTP handlers.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	var conns []*Conn
	for _, set := range g.userConns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	g.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.sendMu.Lock()
		if !c.dead {
			c.dead = true
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.ws.Close()
		}
		c.sendMu.Unlock()
	}
}

// ConnectionCount reports live browser connections, for metrics.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, conns := range g.userConns {
		n += len(conns)
	}
	return n
}

// ListenerCount reports listeners across all sessions, for metrics.
func (g *Gateway) ListenerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, st := range g.sessions {
		n += len(st.listeners)
	}
	return n
}
