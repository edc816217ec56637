package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-cli/session"
)

// recordingDisplayer records every Displayer call by name.
type recordingDisplayer struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingDisplayer) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingDisplayer) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recordingDisplayer) Banner(string, string)         { r.add("banner") }
func (r *recordingDisplayer) SessionFound(time.Time)        { r.add("session_found") }
func (r *recordingDisplayer) SessionMissing()               { r.add("session_missing") }
func (r *recordingDisplayer) LoggingIn(string)              { r.add("logging_in") }
func (r *recordingDisplayer) LoginOK(time.Time)             { r.add("login_ok") }
func (r *recordingDisplayer) LoginFailed(error)             { r.add("login_failed") }
func (r *recordingDisplayer) Refreshed(time.Time)           { r.add("refreshed") }
func (r *recordingDisplayer) RemoteUpdate(time.Time)        { r.add("remote_update") }
func (r *recordingDisplayer) LoggedOut(error)               { r.add("logged_out") }
func (r *recordingDisplayer) Banned(string)                 { r.add("banned") }
func (r *recordingDisplayer) Visibility(bool)               { r.add("visibility") }
func (r *recordingDisplayer) Schedule(time.Time, time.Time) { r.add("schedule") }
func (r *recordingDisplayer) APICallOK(string)              { r.add("api_ok") }
func (r *recordingDisplayer) APICallFailed(error)           { r.add("api_failed") }
func (r *recordingDisplayer) Fatal(error)                   { r.add("fatal") }

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(ttl).Unix(),
		"jti": time.Now().UnixNano(),
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

// fakeServer serves login, refresh and the profile endpoint.
type fakeServer struct {
	t      *testing.T
	banned atomic.Bool
	logins atomic.Int32
	calls  atomic.Int32
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.logins.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{
			"accessToken":  mintToken(f.t, time.Hour),
			"refreshToken": "rt-1",
		})
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"accessToken": mintToken(f.t, time.Hour),
		})
	})
	mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.banned.Load() {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "forbidden",
				"message": "Account banned for abuse",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":    "user-1",
			"email": "jane@example.com",
			"name":  "Jane",
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testCLIConfig(serverURL string) config {
	return config{
		serverURL:   serverURL,
		refreshPath: "/api/auth/refresh",
		loginPath:   "/api/auth/login",
		mePath:      "/api/users/me",
		origin:      serverURL,
		store:       storeMemory,
		interval:    20 * time.Millisecond,
		email:       "jane@example.com",
		password:    "secret",
	}
}

func TestGetConfig(t *testing.T) {
	t.Setenv("SESSION_CLI_TEST", "from-env")

	tests := []struct {
		name      string
		flagValue string
		envKey    string
		want      string
	}{
		{"flag wins", "from-flag", "SESSION_CLI_TEST", "from-flag"},
		{"env over default", "", "SESSION_CLI_TEST", "from-env"},
		{"default", "", "SESSION_CLI_UNSET", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getConfig(tt.flagValue, tt.envKey, "default"); got != tt.want {
				t.Errorf("getConfig() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://auth.example.com", false},
		{"http with port", "http://localhost:8080", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger_Levels(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, zerolog.ErrorLevel, newLogger("ERROR").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, newLogger("bogus").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, newLogger("").GetLevel())
}

func TestOpenBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		store   string
		wantBus string
	}{
		{storeMemory, "*session.MemoryBus"},
		{storeFile, "*session.PollBus"},
		{storeSQLite, "*session.PollBus"},
		{storeRedis, "*session.RedisBus"},
	}
	for _, tt := range tests {
		t.Run(tt.store, func(t *testing.T) {
			cfg := testCLIConfig("http://localhost:8080")
			cfg.store = tt.store
			cfg.tokenFile = filepath.Join(dir, "tokens.json")
			cfg.sqlitePath = filepath.Join(dir, "session.db")
			cfg.redisURL = "redis://" + mr.Addr()

			be, err := openBackend(cfg, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = be.close() })

			assert.Equal(t, tt.wantBus, fmt.Sprintf("%T", be.bus))

			rec, err := be.store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestOpenBackend_BadRedisURL(t *testing.T) {
	cfg := testCLIConfig("http://localhost:8080")
	cfg.store = storeRedis
	cfg.redisURL = "not a url"

	_, err := openBackend(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestDisplayNotifier(t *testing.T) {
	d := &recordingDisplayer{}
	n := displayNotifier(d)

	n.Notify(session.Signal{Kind: session.SignalLoggedIn})
	n.Notify(session.Signal{Kind: session.SignalRefreshed})
	n.Notify(session.Signal{Kind: session.SignalRemoteUpdate})
	n.Notify(session.Signal{Kind: session.SignalLoggedOut})
	n.Notify(session.Signal{Kind: session.SignalBanned, Message: "banned"})
	n.Notify(session.Signal{Kind: session.SignalVisibility, Visibility: session.Hidden})

	for _, name := range []string{"login_ok", "refreshed", "remote_update", "logged_out", "banned", "visibility"} {
		assert.Equal(t, 1, d.count(name), name)
	}
}

func TestControls_NeverBlock(t *testing.T) {
	ctl := newControls()
	a := ctl.actions()

	for range 20 {
		a.Visibility(true)
		a.Refresh()
	}
	assert.Len(t, ctl.visibility, cap(ctl.visibility))
	assert.Len(t, ctl.refresh, 1)
}

func TestRun_LoginAndCallAPI(t *testing.T) {
	srv := &fakeServer{t: t}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	d := &recordingDisplayer{}
	err := run(ctx, testCLIConfig(ts.URL), d, newControls(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.logins.Load())
	assert.Equal(t, 1, d.count("session_missing"))
	assert.Equal(t, 1, d.count("login_ok"))
	assert.GreaterOrEqual(t, d.count("api_ok"), 2)
	assert.Zero(t, d.count("api_failed"))
}

func TestRun_ReusesStoredSession(t *testing.T) {
	srv := &fakeServer{t: t}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	cfg := testCLIConfig(ts.URL)
	cfg.store = storeFile
	cfg.tokenFile = filepath.Join(t.TempDir(), "tokens.json")

	store := session.NewFileStore(cfg.tokenFile, cfg.origin, zerolog.Nop())
	_, err := session.NewTokenStore(store).Set(context.Background(), mintToken(t, time.Hour), "rt-stored")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	d := &recordingDisplayer{}
	require.NoError(t, run(ctx, cfg, d, newControls(), zerolog.Nop()))

	assert.Zero(t, srv.logins.Load())
	assert.Equal(t, 1, d.count("session_found"))
	assert.GreaterOrEqual(t, d.count("api_ok"), 1)
}

func TestRun_WaitsWithoutCredentials(t *testing.T) {
	srv := &fakeServer{t: t}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	cfg := testCLIConfig(ts.URL)
	cfg.email, cfg.password = "", ""

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d := &recordingDisplayer{}
	require.NoError(t, run(ctx, cfg, d, newControls(), zerolog.Nop()))

	assert.Equal(t, 1, d.count("logged_out"))
	assert.Zero(t, srv.calls.Load())
}

func TestRun_LoginFailure(t *testing.T) {
	srv := &fakeServer{t: t}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	cfg := testCLIConfig(ts.URL)
	cfg.password = "wrong"

	d := &recordingDisplayer{}
	err := run(context.Background(), cfg, d, newControls(), zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, 1, d.count("login_failed"))
}

func TestRun_StopsWhenBanned(t *testing.T) {
	srv := &fakeServer{t: t}
	srv.banned.Store(true)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := &recordingDisplayer{}
	err := run(ctx, testCLIConfig(ts.URL), d, newControls(), zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrAccountBanned), "got %v", err)
	assert.Equal(t, 1, d.count("banned"))

	report(d, err)
	assert.Zero(t, d.count("fatal"), "ban is already on screen")
}

func TestRun_ManualRefresh(t *testing.T) {
	srv := &fakeServer{t: t}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	cfg := testCLIConfig(ts.URL)
	cfg.interval = time.Hour

	ctl := newControls()
	ctl.actions().Refresh()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	d := &recordingDisplayer{}
	require.NoError(t, run(ctx, cfg, d, ctl, zerolog.Nop()))
	assert.Equal(t, 1, d.count("refreshed"))
}
