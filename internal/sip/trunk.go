package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const defaultRegisterExpiry = 300

// TrunkRegistrar keeps the outbound REGISTER with the upstream trunk
// alive, handling digest challenges and re-registering before expiry.
type TrunkRegistrar struct {
	client    *sipgo.Client
	registrar string // host[:port]
	username  string
	password  string
	hostname  string // our contact host
	logger    *slog.Logger
}

// NewTrunkRegistrar creates a registrar for the configured trunk.
func NewTrunkRegistrar(client *sipgo.Client, registrar, username, password, hostname string, logger *slog.Logger) *TrunkRegistrar {
	return &TrunkRegistrar{
		client:    client,
		registrar: registrar,
		username:  username,
		password:  password,
		hostname:  hostname,
		logger:    logger.With("subsystem", "trunk"),
	}
}

// Run maintains the registration until the context is cancelled.
// Failures back off exponentially; success re-registers at 80% of the
// server-granted expiry.
func (tr *TrunkRegistrar) Run(ctx context.Context) {
	tr.logger.Info("starting trunk registration",
		"registrar", tr.registrar,
		"username", tr.username,
	)

	backoff := newBackoff()
	for {
		granted, err := tr.sendRegister(ctx, defaultRegisterExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retry := backoff.next()
			tr.logger.Error("trunk registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retry.String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
				continue
			}
		}

		backoff.reset()
		tr.logger.Info("trunk registered", "expires_in", granted)

		// Re-register before expiry, with headroom for network delays.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			tr.logger.Debug("re-registering trunk")
		}
	}
}

// sendRegister performs one REGISTER exchange with digest auth handling.
// On success it returns the server-granted expiry.
func (tr *TrunkRegistrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := "sip:" + tr.registrar
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)

	host := tr.registrar
	if h, _, ok := strings.Cut(tr.registrar, ":"); ok {
		host = h
	}
	aor := fmt.Sprintf("<sip:%s@%s>", tr.username, host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", tr.username, tr.hostname)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := tr.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challengeHdr := res.GetHeader(authHeader)
		if challengeHdr == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challengeHdr.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: tr.username,
			Password: tr.password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := tr.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4 the registrar may shorten the requested
	// expiry; the Contact expires param wins over the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// getResponse waits for a final (non-1xx) response on a client
// transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires param from a Contact value.
func parseContactExpires(contactValue string) int {
	for _, part := range strings.Split(contactValue, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "expires="); ok {
			if n, err := strconv.Atoi(strings.Trim(v, `"`)); err == nil {
				return n
			}
		}
	}
	return 0
}

// backoff is a capped exponential retry delay: 2s, 4s, 8s ... 60s.
type backoff struct {
	attempt int
}

func newBackoff() *backoff {
	return &backoff{}
}

func (b *backoff) next() time.Duration {
	b.attempt++
	d := time.Duration(1<<uint(b.attempt)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
