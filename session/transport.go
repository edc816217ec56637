package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a 403 body is read to look for a ban
// signal.
const maxErrorBody = 1 << 20

// Transport is an http.RoundTripper that authenticates every request with
// the Manager's access token. It refreshes ahead of expiry, retries once
// after a 401 with a refreshed token, and ends the session on a ban
// response. Every other response passes through untouched.
type Transport struct {
	m    *Manager
	base http.RoundTripper
}

// Transport returns a RoundTripper sending through base
// (http.DefaultTransport when nil).
func (m *Manager) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{m: m, base: base}
}

// Client returns an *http.Client using m.Transport(nil).
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: m.Transport(nil)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	if err := t.preflight(ctx); err != nil {
		return nil, err
	}

	sent := t.m.Current()
	if sent.AccessToken == "" {
		return nil, ErrTokenMissing
	}

	resp, err := t.send(req, body, sent.AccessToken)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return t.checkBan(ctx, resp)
	case http.StatusUnauthorized:
		drain(resp)
		return t.retryUnauthorized(req, body, sent)
	default:
		return resp, nil
	}
}

// preflight records activity, revalidates after inactivity, and refreshes
// or waits for a refresh when the token is about to expire.
func (t *Transport) preflight(ctx context.Context) error {
	now := t.m.now()
	last := t.m.touch(now)
	if !last.IsZero() && now.Sub(last) > t.m.cfg.InactivityThreshold {
		t.m.log.Debug().Dur("idle", now.Sub(last)).Msg("revalidating session after inactivity")
		if err := t.m.Validate(ctx); err != nil {
			return err
		}
	}

	rec := t.m.Current()
	if rec.AccessToken == "" {
		return ErrTokenMissing
	}
	if rec.InWindow(now, t.m.cfg.RefreshWindow) {
		if out := t.m.coord.RefreshWithRetry(ctx); !out.OK() {
			return out.Err
		}
		return nil
	}
	if out, waited := t.m.coord.Wait(ctx); waited && !out.OK() {
		return out.Err
	}
	return nil
}

// retryUnauthorized re-issues req once with a refreshed token. If another
// request already refreshed since sent was attached, its token is reused
// without a second network refresh.
func (t *Transport) retryUnauthorized(req *http.Request, body []byte, sent TokenRecord) (*http.Response, error) {
	ctx := req.Context()

	if !sent.InWindow(t.m.now(), t.m.cfg.RefreshWindow) {
		t.m.metrics.ClockDisagreements.Inc()
		t.m.log.Warn().
			Str("url", req.URL.Redacted()).
			Time("expires_at", sent.ExpiresAt).
			Msg("server rejected a token the local clock considers valid")
	}

	token := ""
	if cur := t.m.Current(); cur.AccessToken != "" && cur.AccessToken != sent.AccessToken {
		token = cur.AccessToken
	} else {
		out := t.m.coord.RefreshWithRetry(ctx)
		if !out.OK() {
			return nil, fmt.Errorf("refresh after 401 failed: %w", out.Err)
		}
		token = out.Record.AccessToken
	}

	resp, err := t.send(req, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		return t.checkBan(ctx, resp)
	}
	return resp, nil
}

// checkBan ends the session when resp is a ban response and otherwise
// returns it with its body intact.
func (t *Transport) checkBan(ctx context.Context, resp *http.Response) (*http.Response, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if msg, ok := banMessage(data); ok {
		resp.Body.Close()
		banErr := &AccountBannedError{Message: msg}
		t.m.ban(ctx, banErr)
		return nil, banErr
	}

	// Bodies beyond the inspected prefix continue from the original stream.
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(data), resp.Body),
		Closer: resp.Body,
	}
	return resp, nil
}

// replayBody serves an already read prefix followed by the rest of the
// original body, which it closes.
type replayBody struct {
	io.Reader
	io.Closer
}

// send clones req with a fresh copy of body and the bearer token. The
// caller's request is never modified.
func (t *Transport) send(req *http.Request, body []byte, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	switch {
	case body == nil:
	case len(body) == 0:
		r.Body = http.NoBody
		r.ContentLength = 0
	default:
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}

// snapshotBody reads and closes the request body so it can be sent twice.
// It returns nil for requests without a body.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
