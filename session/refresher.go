package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	retry "github.com/appleboy/go-httpretry"
)

// Refresher exchanges a refresh token for a new access token. The returned
// refresh token is empty when the server does not rotate it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (string, string, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	return f(ctx, refreshToken)
}

// Doer executes HTTP requests. *retry.Client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// errorResponse is the JSON error body shared by the refresh endpoint and
// business endpoints.
type errorResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
}

func (e errorResponse) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.ErrorDescription != "":
		return e.ErrorDescription
	default:
		return e.Error
	}
}

// banMessage returns the server message and true when body is a ban or
// deactivation signal.
func banMessage(body []byte) (string, bool) {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return "", false
	}
	if isBanMessage(errResp.Error) || isBanMessage(errResp.Message) {
		if errResp.Message != "" {
			return errResp.Message, true
		}
		return errResp.Error, true
	}
	return "", false
}

// HTTPRefresher calls the refresh endpoint: POST {"refreshToken"} returning
// {"accessToken", "refreshToken"?}.
type HTTPRefresher struct {
	url    string
	client Doer
}

// NewHTTPRefresher returns a refresher for url. A nil client gets a
// go-httpretry client with its default policy, which absorbs short network
// blips inside a single attempt.
func NewHTTPRefresher(url string, client Doer) (*HTTPRefresher, error) {
	if client == nil {
		c, err := retry.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		client = c
	}
	return &HTTPRefresher{url: url, client: client}, nil
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.DoWithContext(reqCtx, req)
	if err != nil {
		return "", "", fmt.Errorf("%w: refresh request failed: %v", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to read response: %v", ErrRefreshTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", classifyRefreshFailure(resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", fmt.Errorf("%w: failed to parse token response: %v", ErrRefreshTransient, err)
	}
	if tokenResp.AccessToken == "" {
		return "", "", fmt.Errorf("%w: access token is empty", ErrRefreshTransient)
	}
	if _, err := DecodeExpiry(tokenResp.AccessToken); err != nil {
		// A token we cannot schedule is as good as none.
		return "", "", fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	return tokenResp.AccessToken, tokenResp.RefreshToken, nil
}

// classifyRefreshFailure maps a non-2xx refresh response onto the error
// taxonomy: definitive rejections are not retried, everything else is.
func classifyRefreshFailure(status int, body []byte) error {
	if status == http.StatusForbidden {
		if msg, ok := banMessage(body); ok {
			return &AccountBannedError{Message: msg}
		}
	}

	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusBadRequest,
		errResp.Error == "invalid_grant",
		errResp.Error == "invalid_token":
		return fmt.Errorf("%w: status %d: %s", ErrRefreshRejected, status, errResp.text())
	default:
		return fmt.Errorf("%w: refresh failed with status %d: %s", ErrRefreshTransient, status, string(body))
	}
}
