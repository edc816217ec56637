package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the advisory fields read from an access token payload.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

var unverifiedParser = jwt.NewParser()

// DecodeExpiryClaimUnverified reads the exp and sub claims of an access token
// WITHOUT verifying its signature.
//
// The result is only good for scheduling refreshes. It must never be used to
// decide whether a request is authorized; that judgment belongs to the server.
func DecodeExpiryClaimUnverified(token string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := unverifiedParser.ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if rc.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}
	return Claims{
		Subject:   rc.Subject,
		ExpiresAt: rc.ExpiresAt.Time.UTC(),
	}, nil
}

// DecodeExpiry returns the expiry timestamp of token. See
// DecodeExpiryClaimUnverified for the trust caveat.
func DecodeExpiry(token string) (time.Time, error) {
	c, err := DecodeExpiryClaimUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	return c.ExpiresAt, nil
}
