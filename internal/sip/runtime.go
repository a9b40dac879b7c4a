package sip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/realtime"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/store/archive"
	"github.com/voxbridge/voxbridge/internal/workflow"
)

// Notifier receives session lifecycle and model events for browser
// fan-out. Satisfied by *gateway.Gateway.
type Notifier interface {
	SessionCreated(h *registry.Handle)
	SessionClosed(sessionID string)
	SessionError(sessionID, message string)
	Event(sessionID string, ev *realtime.ServerEvent)
}

// modelSession is the slice of *realtime.Session a call runtime needs.
type modelSession interface {
	bridge.ModelSession
	Close() error
}

// Deps are the collaborators a call runtime works against.
type Deps struct {
	Cfg      *config.Config
	Store    *store.Store
	Archive  *archive.Archive // nil unless -archive-dsn is set
	Resolver *workflow.Resolver
	Minter   *realtime.Minter
	Registry *registry.Registry
	Notify   Notifier
	Pool     *media.Pool
	Logger   *slog.Logger
}

// transferCallTool is injected into every model session so the assistant
// can hand the caller off to a human.
var transferCallTool = realtime.Tool{
	Type:        "function",
	Name:        "transfer_call",
	Description: "Transfer the active call to another phone number, optionally announcing the transfer first.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"phone_number": {"type": "string", "description": "E.164 destination number"},
			"announcement": {"type": "string", "description": "Optional message spoken before transferring"}
		},
		"required": ["phone_number"]
	}`),
}

// CallRuntime owns one admitted call from answer to teardown. It
// implements registry.Controls for the browser gateway.
type CallRuntime struct {
	deps Deps

	ID       string
	CallID   string
	Caller   string
	Called   string
	ThreadID string
	Secret   string

	cc       *workflow.CallContext
	endpoint *media.Endpoint
	session  modelSession
	bridge   *bridge.Bridge
	sendBye  func()

	startedAt time.Time
	logger    *slog.Logger

	teardownOnce sync.Once
	done         chan struct{}

	mu    sync.Mutex
	stats bridge.Stats
}

// modelTools converts workflow tools to the provider wire shape and adds
// the built-in transfer tool.
func modelTools(cc *workflow.CallContext) []realtime.Tool {
	tools := make([]realtime.Tool, 0, len(cc.Tools)+1)
	for _, t := range cc.Tools {
		tools = append(tools, realtime.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return append(tools, transferCallTool)
}

// openModelSession mints a client secret and dials the realtime WebSocket.
func openModelSession(ctx context.Context, deps Deps, cc *workflow.CallContext) (secret string, sess *realtime.Session, err error) {
	tools := modelTools(cc)

	secret, err = deps.Minter.Mint(ctx, realtime.MintRequest{
		Model:        cc.Model,
		Instructions: cc.Instructions,
		Voice:        cc.Voice,
		Tools:        tools,
	})
	if err != nil {
		return "", nil, err
	}

	sess, err = realtime.Dial(ctx, realtime.SessionConfig{
		APIBase:      deps.Cfg.ProviderAPIBase,
		ClientSecret: secret,
		Model:        cc.Model,
		Instructions: cc.Instructions,
		Voice:        cc.Voice,
		Tools:        tools,
	}, deps.Logger)
	if err != nil {
		return "", nil, err
	}
	return secret, sess, nil
}

// newCallRuntime assembles the runtime for an admitted call. The caller
// provides an already-started endpoint and an open model session.
func newCallRuntime(deps Deps, callID, caller, called, secret string, cc *workflow.CallContext,
	endpoint *media.Endpoint, session modelSession, sendBye func()) *CallRuntime {

	rt := &CallRuntime{
		deps:      deps,
		ID:        uuid.NewString(),
		CallID:    callID,
		Caller:    caller,
		Called:    called,
		ThreadID:  uuid.NewString(),
		Secret:    secret,
		cc:        cc,
		endpoint:  endpoint,
		session:   session,
		sendBye:   sendBye,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	rt.logger = deps.Logger.With("subsystem", "call", "session", rt.ID, "call_id", callID)

	rt.bridge = bridge.New(bridge.Config{
		Endpoint:   endpoint,
		Session:    session,
		Hooks:      rt,
		SpeakFirst: cc.SpeakFirst,
		OnEvent: func(ev *realtime.ServerEvent) {
			deps.Notify.Event(rt.ID, ev)
		},
		Logger: deps.Logger,
	})
	return rt
}

// Start persists the thread, registers the session and runs the bridge
// in the background. The SIP answer must already be on the wire.
func (rt *CallRuntime) Start(ctx context.Context) error {
	th := &store.Thread{
		ID:           rt.ThreadID,
		WorkflowSlug: rt.cc.Definition.Slug,
		Caller:       rt.Caller,
		Called:       rt.Called,
	}
	if err := rt.deps.Store.CreateThread(ctx, th); err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}
	waitState, _ := json.Marshal(map[string]string{"session_id": rt.ID, "call_id": rt.CallID})
	if err := rt.deps.Store.SetWaitState(ctx, rt.ThreadID, string(waitState)); err != nil {
		return fmt.Errorf("recording wait state: %w", err)
	}

	handle := &registry.Handle{
		ID:           rt.ID,
		ClientSecret: rt.Secret,
		ThreadID:     rt.ThreadID,
		CallID:       rt.CallID,
		Caller:       rt.Caller,
		Called:       rt.Called,
		WorkflowSlug: rt.cc.Definition.Slug,
		StartedAt:    rt.startedAt,
		Controls:     rt,
	}
	if err := rt.deps.Registry.Add(handle); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	rt.deps.Notify.SessionCreated(handle)

	go rt.run()
	return nil
}

// run blocks on the bridge and tears the call down when it exits.
func (rt *CallRuntime) run() {
	stats := rt.bridge.Run()

	rt.mu.Lock()
	rt.stats = stats
	rt.mu.Unlock()

	if stats.Err != nil {
		rt.logger.Error("call ended with error", "error", stats.Err)
		rt.deps.Notify.SessionError(rt.ID, stats.Err.Error())
	}
	rt.teardown(stats.Err != nil)
}

// teardown releases every resource exactly once: BYE on error paths,
// model socket, RTP endpoint, persistence, registry, gateway.
func (rt *CallRuntime) teardown(sendBye bool) {
	rt.teardownOnce.Do(func() {
		rt.bridge.Stop()

		if sendBye && rt.sendBye != nil {
			rt.sendBye()
		}
		if err := rt.session.Close(); err != nil {
			rt.logger.Debug("closing model session", "error", err)
		}
		rt.endpoint.Stop()

		rt.persist()

		rt.deps.Registry.Remove(rt.ID)
		rt.deps.Notify.SessionClosed(rt.ID)
		close(rt.done)

		rt.logger.Info("call torn down",
			"duration", time.Since(rt.startedAt).Round(time.Millisecond),
		)
	})
}

// persist writes transcripts, finishes the thread and records the call.
func (rt *CallRuntime) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt.mu.Lock()
	stats := rt.stats
	rt.mu.Unlock()

	if err := rt.deps.Store.ClearWaitState(ctx, rt.ThreadID); err != nil {
		rt.logger.Warn("clearing wait state", "error", err)
	}
	for _, tr := range stats.Transcripts {
		content, err := json.Marshal(tr)
		if err != nil {
			rt.logger.Warn("encoding transcript", "error", err)
			continue
		}
		if err := rt.deps.Store.AddThreadItem(ctx, rt.ThreadID, store.ItemTranscript, string(content)); err != nil {
			rt.logger.Warn("persisting transcript", "error", err)
		}
	}
	if err := rt.deps.Store.SetThreadStatus(ctx, rt.ThreadID, store.ThreadFinished); err != nil {
		rt.logger.Warn("finishing thread", "error", err)
	}

	errText := ""
	if stats.Err != nil {
		errText = stats.Err.Error()
	}
	record := &store.CallRecord{
		SessionID:     rt.ID,
		ThreadID:      rt.ThreadID,
		Caller:        rt.Caller,
		Called:        rt.Called,
		WorkflowSlug:  rt.cc.Definition.Slug,
		StartedAt:     rt.startedAt,
		Duration:      stats.Duration,
		InboundBytes:  stats.InboundBytes,
		OutboundBytes: stats.OutboundBytes,
		Error:         errText,
	}
	if err := rt.deps.Store.InsertCallRecord(ctx, record); err != nil {
		rt.logger.Warn("recording call", "error", err)
	}

	if rt.deps.Archive != nil {
		call := archive.Call{
			SessionID:    rt.ID,
			ThreadID:     rt.ThreadID,
			WorkflowSlug: rt.cc.Definition.Slug,
			Caller:       rt.Caller,
			Called:       rt.Called,
			StartedAt:    rt.startedAt,
		}
		if err := rt.deps.Archive.WriteTranscripts(ctx, call, stats.Transcripts); err != nil {
			rt.logger.Warn("archiving transcripts", "error", err)
		}
	}
}

// Done is closed once teardown has completed.
func (rt *CallRuntime) Done() <-chan struct{} {
	return rt.done
}

// Hangup implements registry.Controls. Idempotent.
func (rt *CallRuntime) Hangup() {
	rt.bridge.Stop()
	<-rt.done
}

// PushAudio implements registry.Controls: browser audio into the model.
func (rt *CallRuntime) PushAudio(pcm []byte) error {
	return rt.session.AppendAudio(pcm)
}

// CommitAudio implements registry.Controls.
func (rt *CallRuntime) CommitAudio() error {
	return rt.session.CommitAudio()
}

// Interrupt implements registry.Controls.
func (rt *CallRuntime) Interrupt() error {
	return rt.session.CancelResponse()
}

// Finalize implements registry.Controls: stop the call if still live and
// return the collected transcripts. Safe to call repeatedly.
func (rt *CallRuntime) Finalize() ([]bridge.Transcript, error) {
	rt.bridge.Stop()
	<-rt.done

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats.Transcripts, rt.stats.Err
}

// Bridge teardown hooks. The SIP dialog is closed by teardown itself, so
// CloseDialog here only logs; the other two keep the thread consistent
// even when teardown's persistence raced an early bridge exit.
func (rt *CallRuntime) CloseDialog() error {
	rt.logger.Debug("bridge finished")
	return nil
}

func (rt *CallRuntime) ClearVoiceState() error { return nil }

func (rt *CallRuntime) ResumeWorkflow(transcripts []bridge.Transcript) error {
	rt.logger.Debug("call transcripts collected", "count", len(transcripts))
	return nil
}
