package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTokenMissing means no credential is stored. Treat as unauthenticated.
	ErrTokenMissing = errors.New("no session token present")

	// ErrMalformedToken is returned when an access token's claims cannot be decoded.
	ErrMalformedToken = errors.New("malformed access token")

	// ErrRefreshTransient covers network failures and 5xx responses from the
	// refresh endpoint. These are retried with backoff.
	ErrRefreshTransient = errors.New("refresh failed transiently")

	// ErrRefreshRejected indicates that the refresh token itself is invalid or expired.
	ErrRefreshRejected = errors.New("refresh token rejected")

	// ErrAccountBanned matches any *AccountBannedError via errors.Is.
	ErrAccountBanned = errors.New("account banned or deactivated")

	// ErrQueueTimeout is returned to a request that waited longer than
	// Config.MaxQueueWait for a concurrent refresh to settle.
	ErrQueueTimeout = errors.New("timed out waiting for token refresh")

	// ErrStoreUnavailable means the shared record could not be read. The
	// session is kept; the next refresh tries again.
	ErrStoreUnavailable = errors.New("token store unavailable")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("session manager closed")
)

// AccountBannedError carries the server-supplied message of a ban or
// deactivation response so it can be shown to the user verbatim.
type AccountBannedError struct {
	Message string
}

func (e *AccountBannedError) Error() string {
	if e.Message == "" {
		return ErrAccountBanned.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAccountBanned, e.Message)
}

func (e *AccountBannedError) Is(target error) bool {
	return target == ErrAccountBanned
}

var banMarkers = []string{"banned", "deactivated", "suspended"}

// isBanMessage reports whether msg carries a ban/deactivation signal.
func isBanMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range banMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isFatal reports whether a refresh error must not be retried.
func isFatal(err error) bool {
	return errors.Is(err, ErrRefreshRejected) ||
		errors.Is(err, ErrAccountBanned) ||
		errors.Is(err, ErrTokenMissing)
}
