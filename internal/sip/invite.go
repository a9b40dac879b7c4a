package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/realtime"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/workflow"
)

// InviteHandler admits incoming calls: codec negotiation, workflow
// resolution, model session setup, then the answer.
type InviteHandler struct {
	deps    Deps
	limiter *InviteLimiter
	sendReq func(req *sip.Request) error
	logger  *slog.Logger

	mu      sync.Mutex
	calls   map[string]*CallRuntime       // answered, by Call-ID
	pending map[string]context.CancelFunc // ringing, by Call-ID
}

// NewInviteHandler wires the admission pipeline. sendReq writes in-dialog
// requests (the BYE we originate) straight to the transport.
func NewInviteHandler(deps Deps, limiter *InviteLimiter, sendReq func(*sip.Request) error) *InviteHandler {
	return &InviteHandler{
		deps:    deps,
		limiter: limiter,
		sendReq: sendReq,
		logger:  deps.Logger.With("subsystem", "invite"),
		calls:   map[string]*CallRuntime{},
		pending: map[string]context.CancelFunc{},
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	if h.limiter != nil && !h.limiter.Allow(sourceHost(req)) {
		h.logger.Warn("invite rate limited", "source", req.Source())
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	// 100 Trying immediately to stop UAC retransmissions.
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	h.mu.Lock()
	_, live := h.calls[callID]
	_, ringing := h.pending[callID]
	if live || ringing {
		h.mu.Unlock()
		h.logger.Info("duplicate call-id rejected", "call_id", callID)
		h.respondError(req, tx, 486, "Busy Here")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.pending[callID] = cancel
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, callID)
		h.mu.Unlock()
		cancel()
	}()

	h.admit(ctx, req, tx, callID)
}

// admit runs the full admission pipeline and either answers the call or
// maps the failure to a SIP status.
func (h *InviteHandler) admit(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, callID string) {
	caller := req.From().Address.User
	called := calledNumber(req)

	// Resolve before touching any media resource: a 404 must not burn a
	// port.
	account, err := h.deps.Store.ActiveSIPAccountByUsername(ctx, req.To().Address.User)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("no account for invite", "call_id", callID, "to", req.To().Address.User)
		h.respondError(req, tx, 404, "Not Found")
		return
	}
	if err != nil {
		h.logger.Error("account lookup failed", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	cc, err := h.deps.Resolver.Resolve(ctx, called, account.ID)
	if err != nil {
		if errors.Is(err, workflow.ErrNoRoute) {
			h.respondError(req, tx, 404, "Not Found")
			return
		}
		h.logger.Error("workflow resolution failed", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	sd, err := media.ParseSDP(req.Body())
	if err != nil {
		h.logger.Info("malformed sdp", "call_id", callID, "error", err)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}
	codec, err := media.NegotiateCodec(sd, h.deps.Cfg.Codecs())
	switch {
	case errors.Is(err, media.ErrNoCommonCodec):
		h.logger.Info("no common codec", "call_id", callID)
		h.respondError(req, tx, 603, "Decline")
		return
	case errors.Is(err, media.ErrNoAudioMedia), errors.Is(err, media.ErrMalformedSDP):
		h.respondError(req, tx, 400, "Bad Request")
		return
	case err != nil:
		h.logger.Error("codec negotiation failed", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	endpoint := media.NewEndpoint(h.deps.Pool, media.EndpointConfig{PayloadType: codec.PayloadType}, h.deps.Logger)
	port, err := endpoint.Start()
	if err != nil {
		h.logger.Error("rtp endpoint start failed", "call_id", callID, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	// A hold offer (port 0) has no remote yet; symmetric RTP learns it on
	// the re-INVITE.
	if audio := sd.AudioMedia(); audio != nil {
		endpoint.SetRemote(sd.RemoteRTPAddr(audio))
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		h.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
		endpoint.Stop()
		return
	}

	// The model session opens while the caller hears ringing; the answer
	// waits for whichever finishes later.
	type sessResult struct {
		secret string
		sess   *realtime.Session
		err    error
	}
	sessCh := make(chan sessResult, 1)
	go func() {
		secret, sess, err := openModelSession(ctx, h.deps, cc)
		sessCh <- sessResult{secret, sess, err}
	}()

	ringDelay := time.Duration(cc.RingTimeout) * time.Second
	if cc.RingTimeout <= 0 {
		ringDelay = time.Duration(h.deps.Cfg.RingTimeout) * time.Second
	}
	ringTimer := time.NewTimer(ringDelay)
	defer ringTimer.Stop()

	var res sessResult
	select {
	case <-ctx.Done():
		// CANCEL during ring.
		endpoint.Stop()
		h.respondError(req, tx, 487, "Request Terminated")
		go func() {
			if r := <-sessCh; r.sess != nil {
				r.sess.Close()
			}
		}()
		return
	case res = <-sessCh:
		select {
		case <-ringTimer.C:
		case <-ctx.Done():
			endpoint.Stop()
			if res.sess != nil {
				res.sess.Close()
			}
			h.respondError(req, tx, 487, "Request Terminated")
			return
		}
	}

	if res.err != nil {
		h.logger.Error("model session setup failed", "call_id", callID, "error", res.err)
		endpoint.Stop()
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	sessionID := uuid.NewString()
	answer := media.BuildAnswer(sessionID, h.deps.Cfg.MediaIP(), port, codec)
	ok := sip.NewResponseFromRequest(req, 200, "OK", answer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := ok.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}
	if err := tx.Respond(ok); err != nil {
		h.logger.Error("failed to send 200 ok", "call_id", callID, "error", err)
		endpoint.Stop()
		res.sess.Close()
		return
	}

	// Punch NAT so the far end learns our media address immediately.
	endpoint.SendSilence()

	rt := newCallRuntime(h.deps, callID, caller, called, res.secret, cc, endpoint, res.sess,
		h.byeSender(req, ok))
	if err := rt.Start(ctx); err != nil {
		h.logger.Error("call start failed", "call_id", callID, "error", err)
		endpoint.Stop()
		res.sess.Close()
		return
	}

	h.mu.Lock()
	h.calls[callID] = rt
	h.mu.Unlock()
	go func() {
		<-rt.Done()
		h.mu.Lock()
		delete(h.calls, callID)
		h.mu.Unlock()
	}()

	h.logger.Info("call answered",
		"call_id", callID,
		"session", rt.ID,
		"codec", codec.Name,
		"rtp_port", port,
		"workflow", cc.Definition.Slug,
	)
}

// HandleBye ends a live call on the caller's hang-up.
func (h *InviteHandler) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	h.mu.Lock()
	rt := h.calls[callID]
	h.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	if rt == nil {
		h.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}
	h.logger.Info("bye received", "call_id", callID, "session", rt.ID)
	go rt.Hangup()
}

// HandleCancel aborts a ringing call; the INVITE path answers 487.
func (h *InviteHandler) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	h.mu.Lock()
	cancel := h.pending[callID]
	h.mu.Unlock()
	if cancel != nil {
		h.logger.Info("cancel received", "call_id", callID)
		cancel()
	}
}

// ActiveCalls reports live calls, for metrics.
func (h *InviteHandler) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// HangupAll tears down every live call, for graceful shutdown.
func (h *InviteHandler) HangupAll() {
	h.mu.Lock()
	calls := make([]*CallRuntime, 0, len(h.calls))
	for _, rt := range h.calls {
		calls = append(calls, rt)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range calls {
		wg.Add(1)
		go func(rt *CallRuntime) {
			defer wg.Done()
			rt.Hangup()
		}(rt)
	}
	wg.Wait()
}

// byeSender builds the in-dialog BYE we originate when a call dies on an
// error path. Header directions flip: our To (with its tag) becomes the
// From of the BYE.
func (h *InviteHandler) byeSender(invite *sip.Request, answer *sip.Response) func() {
	return func() {
		recipient := invite.Contact()
		var target sip.Uri
		if recipient != nil {
			target = *recipient.Address.Clone()
		} else {
			target = *invite.From().Address.Clone()
		}

		bye := sip.NewRequest(sip.BYE, target)
		bye.SipVersion = invite.SipVersion

		if to := answer.To(); to != nil {
			from := &sip.FromHeader{Address: *to.Address.Clone(), Params: to.Params.Clone()}
			bye.AppendHeader(from)
		}
		if from := invite.From(); from != nil {
			to := &sip.ToHeader{Address: *from.Address.Clone(), Params: from.Params.Clone()}
			bye.AppendHeader(to)
		}
		if cid := invite.CallID(); cid != nil {
			bye.AppendHeader(sip.HeaderClone(cid))
		}
		cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
		if inviteCSeq := invite.CSeq(); inviteCSeq != nil {
			cseq.SeqNo = inviteCSeq.SeqNo + 1
		}
		bye.AppendHeader(cseq)
		maxFwd := sip.MaxForwardsHeader(70)
		bye.AppendHeader(&maxFwd)

		bye.SetTransport(invite.Transport())
		bye.SetDestination(invite.Source())

		if err := h.sendReq(bye); err != nil {
			h.logger.Warn("failed to send bye", "error", err)
		}
	}
}

// calledNumber extracts the dialed number, preferring trunk-provided
// headers over the To URI.
func calledNumber(req *sip.Request) string {
	if hdr := req.GetHeader("X-Original-To"); hdr != nil && hdr.Value() != "" {
		return uriUser(hdr.Value())
	}
	if hdr := req.GetHeader("P-Called-Party-Id"); hdr != nil && hdr.Value() != "" {
		return uriUser(hdr.Value())
	}
	if to := req.To(); to != nil && to.Address.User != "" {
		return to.Address.User
	}
	if from := req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// uriUser pulls the user part out of a SIP URI, or returns the raw value
// when it is already a bare number.
func uriUser(value string) string {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	if i := strings.Index(v, "sip:"); i >= 0 {
		v = v[i+len("sip:"):]
	} else if i := strings.Index(v, "tel:"); i >= 0 {
		v = v[i+len("tel:"):]
	}
	if i := strings.IndexAny(v, "@;>"); i >= 0 {
		v = v[:i]
	}
	return v
}

// sourceHost extracts the IP address (without port) from the request's
// source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
