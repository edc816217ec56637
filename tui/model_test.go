package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestModel_FocusDrivesVisibility(t *testing.T) {
	var got []bool
	m := NewModel(Actions{Visibility: func(v bool) { got = append(got, v) }})

	m, cmd := update(t, m, tea.BlurMsg{})
	if cmd == nil {
		t.Fatal("expected a command for blur")
	}
	cmd()
	m, cmd = update(t, m, tea.FocusMsg{})
	cmd()

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Errorf("visibility callbacks = %v, want [false true]", got)
	}
}

func TestModel_FocusWithoutCallback(t *testing.T) {
	m := NewModel(Actions{})
	if _, cmd := update(t, m, tea.FocusMsg{}); cmd != nil {
		t.Error("expected no command without a visibility callback")
	}
}

func TestModel_SessionLifecycle(t *testing.T) {
	m := NewModel(Actions{})
	exp := time.Now().Add(15 * time.Minute)

	m, _ = update(t, m, MsgBanner{Origin: "https://app.test", Store: "file"})
	m, _ = update(t, m, MsgLoginOK{ExpiresAt: exp})
	if m.state != stateActive {
		t.Fatalf("state = %v, want active", m.state)
	}
	if !strings.Contains(m.viewMain(), "https://app.test") {
		t.Error("view does not show the origin")
	}

	m, _ = update(t, m, MsgLoggedOut{Err: errors.New("refresh token rejected")})
	if m.state != stateLoggedOut {
		t.Fatalf("state = %v, want logged out", m.state)
	}
	if !m.expiresAt.IsZero() {
		t.Error("expiry not cleared on logout")
	}
}

func TestModel_Banned(t *testing.T) {
	m := NewModel(Actions{})
	m, _ = update(t, m, MsgLoginOK{ExpiresAt: time.Now().Add(time.Hour)})
	m, _ = update(t, m, MsgBanned{Message: "Account suspended"})

	if m.state != stateBanned {
		t.Fatalf("state = %v, want banned", m.state)
	}
	if !strings.Contains(m.viewBanned(), "Account suspended") {
		t.Error("view does not show the server message")
	}
}

func TestModel_RefreshKeyOnlyWhenActive(t *testing.T) {
	calls := 0
	m := NewModel(Actions{Refresh: func() { calls++ }})
	key := tea.KeyPressMsg{Code: 'r', Text: "r"}

	if _, cmd := update(t, m, key); cmd != nil {
		t.Error("refresh must be ignored before login")
	}

	m, _ = update(t, m, MsgLoginOK{ExpiresAt: time.Now().Add(time.Hour)})
	_, cmd := update(t, m, key)
	if cmd == nil {
		t.Fatal("expected a refresh command")
	}
	cmd()
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestModel_StatusLogIsBounded(t *testing.T) {
	m := NewModel(Actions{})
	for i := 0; i < maxStatusLines*3; i++ {
		m, _ = update(t, m, MsgAPICallOK{Summary: "ok"})
	}
	if len(m.statusLines) != maxStatusLines {
		t.Errorf("status lines = %d, want %d", len(m.statusLines), maxStatusLines)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
