package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mintServer records decoded request bodies and answers via respond.
func mintServer(t *testing.T, respond func(n int, body map[string]any, w http.ResponseWriter)) (*httptest.Server, *int) {
	t.Helper()
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/realtime/client_secrets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		respond(count, body, w)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func writeError(w http.ResponseWriter, code, param string) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": "invalid_request_error", "code": code, "param": param},
	})
}

func TestMintFirstAttemptSucceeds(t *testing.T) {
	srv, count := mintServer(t, func(_ int, body map[string]any, w http.ResponseWriter) {
		if body["voice"] != "alloy" {
			t.Errorf("voice not at top level: %v", body["voice"])
		}
		session, _ := body["session"].(map[string]any)
		if session == nil || session["model"] != "gpt-realtime" {
			t.Errorf("session = %v", body["session"])
		}
		json.NewEncoder(w).Encode(map[string]any{"value": "ek_abc"})
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	secret, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime", Voice: "alloy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "ek_abc" {
		t.Errorf("secret = %q", secret)
	}
	if *count != 1 {
		t.Errorf("requests = %d, want 1", *count)
	}
}

func TestMintVoiceRelocatedToSession(t *testing.T) {
	srv, count := mintServer(t, func(n int, body map[string]any, w http.ResponseWriter) {
		switch n {
		case 1:
			writeError(w, "unknown_parameter", "voice")
		case 2:
			if _, present := body["voice"]; present {
				t.Error("voice still at top level on retry")
			}
			session, _ := body["session"].(map[string]any)
			if session["voice"] != "marin" {
				t.Errorf("session voice = %v", session["voice"])
			}
			json.NewEncoder(w).Encode(map[string]any{"value": "ek_retry"})
		}
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	secret, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime", Voice: "marin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "ek_retry" {
		t.Errorf("secret = %q", secret)
	}
	if *count != 2 {
		t.Errorf("requests = %d, want exactly 2", *count)
	}
}

func TestMintVoiceDroppedEntirely(t *testing.T) {
	srv, count := mintServer(t, func(n int, body map[string]any, w http.ResponseWriter) {
		switch n {
		case 1, 2:
			writeError(w, "unknown_parameter", "voice")
		case 3:
			if _, present := body["voice"]; present {
				t.Error("voice at top level after two rejections")
			}
			session, _ := body["session"].(map[string]any)
			if _, present := session["voice"]; present {
				t.Error("voice in session after two rejections")
			}
			json.NewEncoder(w).Encode(map[string]any{"value": "ek_plain"})
		}
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	secret, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime", Voice: "alloy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "ek_plain" {
		t.Errorf("secret = %q", secret)
	}
	if *count != 3 {
		t.Errorf("requests = %d, want 3", *count)
	}
}

func TestMintBetaSecretShape(t *testing.T) {
	srv, _ := mintServer(t, func(_ int, _ map[string]any, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{"value": "ek_beta"},
		})
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	secret, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "ek_beta" {
		t.Errorf("secret = %q", secret)
	}
}

func TestMintBaseAlreadyHasV1(t *testing.T) {
	srv, _ := mintServer(t, func(_ int, _ map[string]any, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{"value": "ek_v1"})
	})

	m := NewMinter(srv.URL+"/v1", "test-key", discardLogger())
	if _, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMintTerminalProviderError(t *testing.T) {
	srv, count := mintServer(t, func(_ int, _ map[string]any, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_api_key", "message": "bad key"},
		})
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	_, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime"})
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("err = %v, want ErrMintFailed", err)
	}
	if *count != 1 {
		t.Errorf("requests = %d, want no retry on terminal error", *count)
	}
}

func TestMintUnknownParameterUnhandled(t *testing.T) {
	srv, _ := mintServer(t, func(_ int, _ map[string]any, w http.ResponseWriter) {
		writeError(w, "unknown_parameter", "instructions")
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	_, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime"})
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("err = %v, want ErrMintFailed", err)
	}
	if !strings.Contains(err.Error(), "instructions") {
		t.Errorf("error should name the rejected parameter: %v", err)
	}
}

func TestMintEmptySecretRejected(t *testing.T) {
	srv, _ := mintServer(t, func(_ int, _ map[string]any, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{"id": "sess_1"})
	})

	m := NewMinter(srv.URL, "test-key", discardLogger())
	if _, err := m.Mint(context.Background(), MintRequest{Model: "gpt-realtime"}); !errors.Is(err, ErrMintFailed) {
		t.Errorf("err = %v, want ErrMintFailed for missing secret", err)
	}
}
