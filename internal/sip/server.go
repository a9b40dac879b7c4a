// Package sip terminates the telephony leg: INVITE admission, call
// runtimes bridging RTP to the realtime model, and trunk registration.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Server wraps the sipgo stack with voxbridge handlers.
type Server struct {
	deps    Deps
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	invites *InviteHandler
	trunk   *TrunkRegistrar
	limiter *InviteLimiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(deps Deps) (*Server, error) {
	logger := deps.Logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("VoxBridge"),
		sipgo.WithUserAgentHostname(deps.Cfg.MediaIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	limiter := NewInviteLimiter(deps.Cfg.InviteRate)
	sendReq := func(req *sip.Request) error { return client.WriteRequest(req) }
	invites := NewInviteHandler(deps, limiter, sendReq)

	s := &Server{
		deps:    deps,
		ua:      ua,
		srv:     srv,
		client:  client,
		invites: invites,
		limiter: limiter,
		logger:  logger,
	}
	if deps.Cfg.TrunkEnabled() {
		s.trunk = NewTrunkRegistrar(client,
			deps.Cfg.TrunkRegistrar,
			deps.Cfg.TrunkUsername,
			deps.Cfg.TrunkPassword,
			deps.Cfg.MediaIP(),
			logger,
		)
	}

	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.invites.HandleInvite)
	s.srv.OnBye(s.invites.HandleBye)
	s.srv.OnCancel(s.invites.HandleCancel)
	s.srv.OnAck(s.handleACK)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on the configured transports. Non-blocking; the
// listeners run until Stop.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.deps.Cfg.SIPPort)
	tcpAddr := udpAddr

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	if s.trunk != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.trunk.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Sweep()
			}
		}
	}()

	return nil
}

// Stop shuts down intake, hangs up live calls and closes the stack.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.invites.HangupAll()
	s.wg.Wait()
	s.srv.Close()
	s.client.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// ActiveCalls reports live calls, for metrics.
func (s *Server) ActiveCalls() int {
	return s.invites.ActiveCalls()
}

// handleACK confirms the dialog after our 200 OK. The transaction layer
// has nothing to respond with; receipt is logged for tracing.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip ack received", "call_id", callID, "source", req.Source())
}

// handleOptions answers keepalive pings from the trunk.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
