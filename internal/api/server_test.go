package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/gateway"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *registry.Registry) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	gw := gateway.New(reg, logger)

	cfg := &config.Config{}
	srv, err := NewServer(cfg, st, reg, gw, nil)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, st, reg
}

func login(t *testing.T, ts *httptest.Server, username, password string) *http.Response {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	res, err := http.Post(ts.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	return res
}

func loginToken(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()

	res := login(t, ts, username, password)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", res.StatusCode)
	}

	var env struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if env.Data.Token == "" {
		t.Fatal("login returned empty token")
	}
	return env.Data.Token
}

func authedGet(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return res
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", res.StatusCode)
	}
}

func TestLoginValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/api/login", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", res.StatusCode)
	}

	res = login(t, ts, "admin", "")
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("empty password status = %d, want 400", res.StatusCode)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	ts, st, _ := newTestServer(t)
	if _, err := st.CreateUser(context.Background(), "admin", "correct-horse"); err != nil {
		t.Fatalf("creating user: %v", err)
	}

	res := login(t, ts, "admin", "wrong")
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", res.StatusCode)
	}

	res = login(t, ts, "nobody", "whatever")
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d, want 401", res.StatusCode)
	}
}

func TestSessionsRequiresAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res := authedGet(t, ts, "/api/sessions", "")
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated sessions status = %d, want 401", res.StatusCode)
	}
}

func TestSessionsListsLiveCalls(t *testing.T) {
	ts, st, reg := newTestServer(t)
	if _, err := st.CreateUser(context.Background(), "admin", "correct-horse"); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	token := loginToken(t, ts, "admin", "correct-horse")

	err := reg.Add(&registry.Handle{
		ID:           "sess-1",
		ClientSecret: "ek_secret",
		ThreadID:     "thread-1",
		CallID:       "call-1",
		Caller:       "15550001111",
		Called:       "18005551212",
		WorkflowSlug: "support",
		StartedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("registering session: %v", err)
	}

	res := authedGet(t, ts, "/api/sessions", token)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sessions status = %d, want 200", res.StatusCode)
	}

	raw, _ := io.ReadAll(res.Body)
	var env struct {
		Data []sessionSummary `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decoding sessions: %v", err)
	}
	if len(env.Data) != 1 {
		t.Fatalf("sessions count = %d, want 1", len(env.Data))
	}
	if env.Data[0].ID != "sess-1" || env.Data[0].WorkflowSlug != "support" {
		t.Errorf("unexpected session summary: %+v", env.Data[0])
	}
	if bytes.Contains(raw, []byte("ek_secret")) {
		t.Error("session list leaked the client secret")
	}
}

func TestTokenViaQueryParam(t *testing.T) {
	ts, st, _ := newTestServer(t)
	if _, err := st.CreateUser(context.Background(), "admin", "correct-horse"); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	token := loginToken(t, ts, "admin", "correct-horse")

	res, err := http.Get(ts.URL + "/api/sessions?token=" + token)
	if err != nil {
		t.Fatalf("query token request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d, want 200", res.StatusCode)
	}
}

func TestRecentCalls(t *testing.T) {
	ts, st, _ := newTestServer(t)
	if _, err := st.CreateUser(context.Background(), "admin", "correct-horse"); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	token := loginToken(t, ts, "admin", "correct-horse")

	record := &store.CallRecord{
		SessionID:    "sess-1",
		ThreadID:     "thread-1",
		Caller:       "15550001111",
		Called:       "18005551212",
		WorkflowSlug: "support",
		StartedAt:    time.Now(),
		Duration:     42 * time.Second,
	}
	if err := st.InsertCallRecord(context.Background(), record); err != nil {
		t.Fatalf("inserting call record: %v", err)
	}

	res := authedGet(t, ts, "/api/calls", token)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calls status = %d, want 200", res.StatusCode)
	}

	var env struct {
		Data []store.CallRecord `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decoding calls: %v", err)
	}
	if len(env.Data) != 1 || env.Data[0].SessionID != "sess-1" {
		t.Errorf("unexpected call records: %+v", env.Data)
	}
}
