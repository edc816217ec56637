package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct {
	Origin string
	Store  string
}

// MsgSessionFound signals that a stored session was picked up.
type MsgSessionFound struct{ ExpiresAt time.Time }

// MsgSessionMissing signals that no stored session exists.
type MsgSessionMissing struct{}

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals that login succeeded.
type MsgLoginOK struct{ ExpiresAt time.Time }

// MsgLoginFailed signals that login failed.
type MsgLoginFailed struct{ Err error }

// MsgRefreshed signals that this process refreshed the access token.
type MsgRefreshed struct{ ExpiresAt time.Time }

// MsgRemoteUpdate signals that another process refreshed the token.
type MsgRemoteUpdate struct{ ExpiresAt time.Time }

// MsgLoggedOut signals that the session ended. Err is nil for an explicit
// logout.
type MsgLoggedOut struct{ Err error }

// MsgBanned signals that the server banned or deactivated the account.
type MsgBanned struct{ Message string }

// MsgVisibility signals a focus change of the terminal.
type MsgVisibility struct{ Visible bool }

// MsgSchedule carries the current expiry and proactive refresh deadline.
type MsgSchedule struct {
	ExpiresAt   time.Time
	NextRefresh time.Time
}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Summary string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
