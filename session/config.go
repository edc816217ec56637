package session

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Default timing parameters. The inactivity threshold and queue wait follow
// the product's current session policy and are expected to be overridden.
const (
	DefaultRefreshWindow       = 2 * time.Minute
	DefaultInactivityThreshold = 5 * time.Minute
	DefaultMaxQueueWait        = 10 * time.Second
	DefaultMaxAttempts         = 3
	DefaultBaseDelay           = 500 * time.Millisecond
	DefaultMaxDelay            = 8 * time.Second
	DefaultJitter              = 0.2
	DefaultPollInterval        = 50 * time.Millisecond

	refreshTokenTimeout = 10 * time.Second
)

// Config holds the tunables of a Manager.
type Config struct {
	// RefreshURL is the endpoint that exchanges a refresh token for a new
	// access token.
	RefreshURL string

	// Origin scopes the shared token record, like a browser origin.
	Origin string

	// RefreshWindow is the lead time before expiry at which a proactive
	// refresh fires.
	RefreshWindow time.Duration

	// InactivityThreshold is how long the session may be idle or hidden
	// before the stored token is revalidated.
	InactivityThreshold time.Duration

	// MaxQueueWait bounds how long a request waits for a concurrent refresh.
	MaxQueueWait time.Duration

	// MaxAttempts is the number of refresh attempts before giving up.
	MaxAttempts int

	// Backoff between attempts: BaseDelay * 2^(n-1), capped at MaxDelay,
	// plus up to Jitter (fraction of the delay) of random jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// DefaultConfig returns a Config with default timings for the given
// refresh endpoint.
func DefaultConfig(refreshURL string) Config {
	return Config{
		RefreshURL:          refreshURL,
		Origin:              originOf(refreshURL),
		RefreshWindow:       DefaultRefreshWindow,
		InactivityThreshold: DefaultInactivityThreshold,
		MaxQueueWait:        DefaultMaxQueueWait,
		MaxAttempts:         DefaultMaxAttempts,
		BaseDelay:           DefaultBaseDelay,
		MaxDelay:            DefaultMaxDelay,
		Jitter:              DefaultJitter,
	}
}

// Validate checks the configuration for obviously broken values.
func (c Config) Validate() error {
	if c.Origin == "" {
		return errors.New("origin cannot be empty")
	}
	if c.RefreshWindow < 0 {
		return fmt.Errorf("refresh window must not be negative, got: %s", c.RefreshWindow)
	}
	if c.InactivityThreshold <= 0 {
		return fmt.Errorf("inactivity threshold must be positive, got: %s", c.InactivityThreshold)
	}
	if c.MaxQueueWait <= 0 {
		return fmt.Errorf("max queue wait must be positive, got: %s", c.MaxQueueWait)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got: %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("invalid backoff bounds: base %s, max %s", c.BaseDelay, c.MaxDelay)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got: %v", c.Jitter)
	}
	return nil
}

// originOf returns scheme://host of rawURL, or rawURL itself when it does
// not parse.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
