package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the session CLI.
type Displayer interface {
	Banner(origin, store string)
	SessionFound(expiresAt time.Time)
	SessionMissing()
	LoggingIn(email string)
	LoginOK(expiresAt time.Time)
	LoginFailed(err error)
	Refreshed(expiresAt time.Time)
	RemoteUpdate(expiresAt time.Time)
	LoggedOut(err error)
	Banned(message string)
	Visibility(visible bool)
	Schedule(expiresAt, nextRefresh time.Time)
	APICallOK(summary string)
	APICallFailed(err error)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(origin, store string) {
	fmt.Fprintln(p.w, "=== Session Manager CLI ===")
	fmt.Fprintf(p.w, "Origin: %s (store: %s)\n", origin, store)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Found existing session, access token expires in %s\n", formatDuration(time.Until(expiresAt)))
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "No existing session found")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Login successful, access token expires in %s\n", formatDuration(time.Until(expiresAt)))
}

func (p *PlainDisplayer) LoginFailed(err error) {
	fmt.Fprintf(p.w, "Login failed: %v\n", err)
}

func (p *PlainDisplayer) Refreshed(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Token refreshed, expires in %s\n", formatDuration(time.Until(expiresAt)))
}

func (p *PlainDisplayer) RemoteUpdate(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Token updated by another process, expires in %s\n", formatDuration(time.Until(expiresAt)))
}

func (p *PlainDisplayer) LoggedOut(err error) {
	if err != nil {
		fmt.Fprintf(p.w, "Session ended: %v\n", err)
		return
	}
	fmt.Fprintln(p.w, "Logged out")
}

func (p *PlainDisplayer) Banned(message string) {
	fmt.Fprintf(p.w, "Account disabled by the server: %s\n", message)
}

func (p *PlainDisplayer) Visibility(visible bool) {
	if visible {
		fmt.Fprintln(p.w, "Terminal focused, resuming refresh timer")
		return
	}
	fmt.Fprintln(p.w, "Terminal unfocused, refresh timer paused")
}

func (p *PlainDisplayer) Schedule(_, _ time.Time) {}

func (p *PlainDisplayer) APICallOK(summary string) {
	fmt.Fprintf(p.w, "API call successful: %s\n", summary)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_, _ string)       {}
func (NoopDisplayer) SessionFound(_ time.Time) {}
func (NoopDisplayer) SessionMissing()          {}
func (NoopDisplayer) LoggingIn(_ string)       {}
func (NoopDisplayer) LoginOK(_ time.Time)      {}
func (NoopDisplayer) LoginFailed(_ error)      {}
func (NoopDisplayer) Refreshed(_ time.Time)    {}
func (NoopDisplayer) RemoteUpdate(_ time.Time) {}
func (NoopDisplayer) LoggedOut(_ error)        {}
func (NoopDisplayer) Banned(_ string)          {}
func (NoopDisplayer) Visibility(_ bool)        {}
func (NoopDisplayer) Schedule(_, _ time.Time)  {}
func (NoopDisplayer) APICallOK(_ string)       {}
func (NoopDisplayer) APICallFailed(_ error)    {}
func (NoopDisplayer) Fatal(_ error)            {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(origin, store string) {
	t.p.Send(MsgBanner{Origin: origin, Store: store})
}

func (t *ProgramDisplayer) SessionFound(expiresAt time.Time) {
	t.p.Send(MsgSessionFound{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(expiresAt time.Time) {
	t.p.Send(MsgLoginOK{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) Refreshed(expiresAt time.Time) {
	t.p.Send(MsgRefreshed{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) RemoteUpdate(expiresAt time.Time) {
	t.p.Send(MsgRemoteUpdate{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) LoggedOut(err error) {
	t.p.Send(MsgLoggedOut{Err: err})
}

func (t *ProgramDisplayer) Banned(message string) {
	t.p.Send(MsgBanned{Message: message})
}

func (t *ProgramDisplayer) Visibility(visible bool) {
	t.p.Send(MsgVisibility{Visible: visible})
}

func (t *ProgramDisplayer) Schedule(expiresAt, nextRefresh time.Time) {
	t.p.Send(MsgSchedule{ExpiresAt: expiresAt, NextRefresh: nextRefresh})
}

func (t *ProgramDisplayer) APICallOK(summary string) {
	t.p.Send(MsgAPICallOK{Summary: summary})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
