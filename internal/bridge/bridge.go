// Package bridge pumps audio between an RTP endpoint and a realtime model
// session, collecting transcripts as it goes. One bridge serves one call.
package bridge

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/realtime"
)

// MediaPort is the RTP side of the bridge, satisfied by *media.Endpoint.
// SendAudio handles socket errors internally (log and continue).
type MediaPort interface {
	Packets() <-chan *rtp.Packet
	SendAudio(pcm []byte)
}

// ModelSession is the provider side, satisfied by *realtime.Session.
type ModelSession interface {
	Recv() (*realtime.ServerEvent, error)
	AppendAudio(pcm []byte) error
	CommitAudio() error
	CancelResponse() error
	CreateResponse() error
}

// RoleAssistant marks transcripts spoken by the model.
const RoleAssistant = "assistant"

// Transcript is one completed utterance attributed to a speaker.
type Transcript struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Hooks run at teardown, in order: CloseDialog, ClearVoiceState,
// ResumeWorkflow. Errors are logged and swallowed; teardown always
// completes.
type Hooks interface {
	CloseDialog() error
	ClearVoiceState() error
	ResumeWorkflow(transcripts []Transcript) error
}

// NopHooks is the default Hooks implementation.
type NopHooks struct{}

func (NopHooks) CloseDialog() error                { return nil }
func (NopHooks) ClearVoiceState() error            { return nil }
func (NopHooks) ResumeWorkflow([]Transcript) error { return nil }

// Stats summarizes one finished bridge run.
type Stats struct {
	Duration      time.Duration
	InboundBytes  int64 // RTP payload bytes received from the caller
	OutboundBytes int64 // PCM bytes received from the model
	Transcripts   []Transcript
	Err           error // first fatal error, nil on clean hang-up
}

// Config wires one bridge.
type Config struct {
	Endpoint MediaPort
	Session  ModelSession

	// Hooks run at teardown; nil means NopHooks.
	Hooks Hooks

	// SpeakFirst makes the model open the conversation: a response is
	// requested as soon as the bridge starts, before any caller audio.
	SpeakFirst bool

	// ShouldContinue, when set, is polled alongside the stop signal. A
	// panic inside it is logged and treated as "continue".
	ShouldContinue func() bool

	// OnEvent receives every decoded model event before the bridge acts
	// on it. Used for browser fan-out. May be nil.
	OnEvent func(*realtime.ServerEvent)

	Logger *slog.Logger
}

// Bridge runs the two pumps for one call.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	commitOnce sync.Once

	mu          sync.Mutex
	inBytes     int64
	outBytes    int64
	transcripts []Transcript
	partials    map[string]*strings.Builder
	err         error
}

// New creates a bridge. Run must be called exactly once.
func New(cfg Config) *Bridge {
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		logger:   cfg.Logger.With("subsystem", "bridge"),
		stop:     make(chan struct{}),
		partials: map[string]*strings.Builder{},
	}
}

// Stop asks both pumps to wind down. Safe to call any number of times,
// from any goroutine.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Run pumps until the caller hangs up, the model ends the session, a
// fatal error occurs, or Stop is called. It blocks, drains both pumps,
// runs the teardown hooks and returns the stats.
func (b *Bridge) Run() Stats {
	start := time.Now()

	if b.cfg.SpeakFirst {
		if err := b.cfg.Session.CreateResponse(); err != nil {
			b.logger.Warn("initial response request failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer b.Stop()
		b.inboundPump()
	}()
	go func() {
		defer wg.Done()
		defer b.Stop()
		b.outboundPump()
	}()
	wg.Wait()

	b.flushPartials()

	b.mu.Lock()
	stats := Stats{
		Duration:      time.Since(start),
		InboundBytes:  b.inBytes,
		OutboundBytes: b.outBytes,
		Transcripts:   b.transcripts,
		Err:           b.err,
	}
	b.mu.Unlock()

	b.runHooks(stats.Transcripts)
	return stats
}

// shouldContinue combines the stop signal with the optional predicate.
func (b *Bridge) shouldContinue() (ok bool) {
	select {
	case <-b.stop:
		return false
	default:
	}
	if b.cfg.ShouldContinue == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("continue predicate panicked", "panic", r)
			ok = true
		}
	}()
	return b.cfg.ShouldContinue()
}

// commitInput closes out the model's input buffer, at most once per
// bridge. Covers hang-up and stop mid-speech as well as stream end.
func (b *Bridge) commitInput() {
	b.commitOnce.Do(func() {
		if err := b.cfg.Session.CommitAudio(); err != nil {
			b.logger.Debug("final audio commit failed", "error", err)
		}
	})
}

// inboundPump moves caller audio into the model: decode G.711 to PCM16
// at 8 kHz, upsample to 24 kHz, append. However the pump exits, a single
// commit closes out the input buffer.
func (b *Bridge) inboundPump() {
	packets := b.cfg.Endpoint.Packets()
	for b.shouldContinue() {
		select {
		case <-b.stop:
			b.commitInput()
			return
		case pkt, ok := <-packets:
			if !ok {
				b.commitInput()
				return
			}
			pcm8k, ok := media.DecodePayload(int(pkt.PayloadType), pkt.Payload)
			if !ok {
				// G.729 and unknown payloads have no PCM form here.
				continue
			}
			b.mu.Lock()
			b.inBytes += int64(len(pkt.Payload))
			b.mu.Unlock()

			if err := b.cfg.Session.AppendAudio(media.Upsample8to24(pcm8k)); err != nil {
				b.fail(err)
				return
			}
		}
	}
	b.commitInput()
}

// outboundPump moves model events to the caller: audio deltas are played
// out the endpoint, transcript deltas accumulate per response until the
// response completes.
func (b *Bridge) outboundPump() {
	for b.shouldContinue() {
		ev, err := b.cfg.Session.Recv()
		if err != nil {
			if errors.Is(err, realtime.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, realtime.ErrSessionClosed) {
				return
			}
			b.fail(err)
			return
		}

		if b.cfg.OnEvent != nil {
			b.cfg.OnEvent(ev)
		}

		switch ev.Kind {
		case realtime.EventAudioDelta:
			b.mu.Lock()
			b.outBytes += int64(len(ev.Audio))
			b.mu.Unlock()
			b.cfg.Endpoint.SendAudio(ev.Audio)
		case realtime.EventTranscriptDelta:
			b.appendPartial(ev.ResponseID, ev.Text)
		case realtime.EventResponseCompleted:
			b.completeResponse(ev)
		case realtime.EventSpeechStarted:
			// Caller barge-in: cut the model's current turn.
			if err := b.cfg.Session.CancelResponse(); err != nil {
				b.logger.Debug("cancel on barge-in failed", "error", err)
			}
		case realtime.EventSessionEnded:
			return
		case realtime.EventError:
			b.fail(ev.Err)
			return
		}
	}
}

func (b *Bridge) appendPartial(responseID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.partials[responseID]
	if !ok {
		buf = &strings.Builder{}
		b.partials[responseID] = buf
	}
	buf.WriteString(text)
}

// completeResponse finalizes one response's transcript. Explicit output
// text on the completed event wins over the buffered deltas.
func (b *Bridge) completeResponse(ev *realtime.ServerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var text string
	if len(ev.OutputText) > 0 {
		text = strings.Join(ev.OutputText, "\n")
	} else if buf, ok := b.partials[ev.ResponseID]; ok {
		text = buf.String()
	}
	delete(b.partials, ev.ResponseID)

	if text != "" {
		b.transcripts = append(b.transcripts, Transcript{Role: RoleAssistant, Text: text})
	}
}

// flushPartials promotes transcripts of responses that never completed,
// such as when the caller hangs up mid-sentence.
func (b *Bridge) flushPartials() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, buf := range b.partials {
		if s := buf.String(); s != "" {
			b.transcripts = append(b.transcripts, Transcript{Role: RoleAssistant, Text: s})
		}
		delete(b.partials, id)
	}
}

func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.logger.Error("bridge failed", "error", err)
	b.Stop()
}

// runHooks executes teardown hooks in fixed order, logging failures.
func (b *Bridge) runHooks(transcripts []Transcript) {
	if err := b.cfg.Hooks.CloseDialog(); err != nil {
		b.logger.Warn("close dialog hook failed", "error", err)
	}
	if err := b.cfg.Hooks.ClearVoiceState(); err != nil {
		b.logger.Warn("clear voice state hook failed", "error", err)
	}
	if err := b.cfg.Hooks.ResumeWorkflow(transcripts); err != nil {
		b.logger.Warn("resume workflow hook failed", "error", err)
	}
}
