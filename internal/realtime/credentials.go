package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrMintFailed wraps terminal credential-mint failures; the SIP layer
// answers 500 for these.
var ErrMintFailed = errors.New("minting client secret failed")

const (
	mintConnectTimeout = 10 * time.Second
	maxMintAttempts    = 9
)

// paramMode is where a mint parameter is placed in the request body.
type paramMode int

const (
	modeTopLevel paramMode = iota // parameter at the body's top level
	modeSession                   // parameter nested under "session"
	modeNone                      // parameter omitted entirely
)

// MintRequest describes the session to mint a client secret for.
type MintRequest struct {
	Model        string
	Instructions string
	Voice        string
	Tools        []Tool
	// Realtime carries provider-specific beta session parameters, if any.
	Realtime map[string]any
}

// Tool is a function tool in the provider's wire shape.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Minter mints short-lived client secrets against the provider's REST API.
type Minter struct {
	apiBase string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewMinter creates a credential minter. The HTTP client bounds connect
// time at 10 s and leaves the response read unbounded: the provider may
// hold the request while provisioning.
func NewMinter(apiBase, apiKey string, logger *slog.Logger) *Minter {
	return &Minter{
		apiBase: strings.TrimRight(apiBase, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: mintConnectTimeout}).DialContext,
			},
		},
		logger: logger.With("subsystem", "realtime-mint"),
	}
}

// mintURL appends the client_secrets path, tolerating bases that already
// end in /v1.
func (m *Minter) mintURL() string {
	if strings.HasSuffix(m.apiBase, "/v1") {
		return m.apiBase + "/realtime/client_secrets"
	}
	return m.apiBase + "/v1/realtime/client_secrets"
}

// buildBody renders the mint request with voice and realtime placed
// according to their current modes.
func buildBody(req MintRequest, voiceMode, realtimeMode paramMode) ([]byte, error) {
	session := map[string]any{
		"type":  "realtime",
		"model": req.Model,
	}
	if req.Instructions != "" {
		session["instructions"] = req.Instructions
	}
	if len(req.Tools) > 0 {
		session["tools"] = req.Tools
	}

	body := map[string]any{"session": session}

	if req.Voice != "" {
		switch voiceMode {
		case modeTopLevel:
			body["voice"] = req.Voice
		case modeSession:
			session["voice"] = req.Voice
		}
	}
	if len(req.Realtime) > 0 {
		switch realtimeMode {
		case modeTopLevel:
			body["realtime"] = req.Realtime
		case modeSession:
			session["realtime"] = req.Realtime
		}
	}

	return json.Marshal(body)
}

// mintResponse covers both the GA shape {"value": ...} and the beta shape
// {"client_secret": {"value": ...}}.
type mintResponse struct {
	Value        string `json:"value"`
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Error *ProviderError `json:"error"`
}

// Mint requests a client secret, reshaping the body when the provider
// rejects a parameter placement with unknown_parameter. Placement for each
// of voice and realtime walks top-level, then session, then omitted; at
// most 9 attempts.
func (m *Minter) Mint(ctx context.Context, req MintRequest) (string, error) {
	voiceMode := modeTopLevel
	realtimeMode := modeTopLevel

	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		secret, retryParam, err := m.attempt(ctx, req, voiceMode, realtimeMode)
		if err != nil {
			return "", err
		}
		if secret != "" {
			return secret, nil
		}

		// The provider rejected a placement; move that parameter to its
		// next mode and try again.
		switch {
		case strings.Contains(retryParam, "voice") && voiceMode != modeNone:
			voiceMode++
			m.logger.Debug("retrying mint with relocated voice parameter", "attempt", attempt)
		case strings.Contains(retryParam, "realtime") && realtimeMode != modeNone:
			realtimeMode++
			m.logger.Debug("retrying mint with relocated realtime parameter", "attempt", attempt)
		default:
			return "", fmt.Errorf("%w: provider rejected parameter %q with no placement left", ErrMintFailed, retryParam)
		}
	}
	return "", fmt.Errorf("%w: placement retries exhausted", ErrMintFailed)
}

// attempt performs one mint POST. It returns the secret on success, or the
// rejected parameter name when the provider answered unknown_parameter.
func (m *Minter) attempt(ctx context.Context, req MintRequest, voiceMode, realtimeMode paramMode) (secret, retryParam string, err error) {
	payload, err := buildBody(req, voiceMode, realtimeMode)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMintFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.mintURL(), bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("%w: reading response: %v", ErrMintFailed, err)
	}

	var parsed mintResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil && resp.StatusCode < 300 {
		return "", "", fmt.Errorf("%w: unparseable response: %v", ErrMintFailed, jsonErr)
	}

	if resp.StatusCode >= 400 {
		if parsed.Error != nil && parsed.Error.Code == "unknown_parameter" {
			return "", parsed.Error.Param, nil
		}
		// Log the provider's error body without the request (which holds
		// instructions and tool schemas).
		m.logger.Error("client secret mint rejected",
			"status", resp.StatusCode,
			"body", truncate(string(body), 512),
		)
		return "", "", fmt.Errorf("%w: provider status %d", ErrMintFailed, resp.StatusCode)
	}

	if parsed.Value != "" {
		return parsed.Value, "", nil
	}
	if parsed.ClientSecret.Value != "" {
		return parsed.ClientSecret.Value, "", nil
	}
	return "", "", fmt.Errorf("%w: response carried no client secret", ErrMintFailed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
