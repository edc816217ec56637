// Package api is a small client for the account endpoints the CLI talks to.
// Authenticated calls go through a session.Transport, so they never deal
// with tokens themselves.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// Default endpoint paths.
const (
	DefaultLoginPath   = "/api/auth/login"
	DefaultRefreshPath = "/api/auth/refresh"
	DefaultMePath      = "/api/users/me"
)

// Tokens is the credential pair returned by login.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// User is the profile returned by the me endpoint.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type ClientOpts struct {
	BaseURL   string
	LoginPath string
	MePath    string
	// Transport authenticates requests; usually a *session.Transport.
	Transport http.RoundTripper
}

type Client struct {
	public    *resty.Client
	authed    *resty.Client
	loginPath string
	mePath    string
}

func NewClient(opts ClientOpts) *Client {
	c := &Client{
		loginPath: opts.LoginPath,
		mePath:    opts.MePath,
	}
	if c.loginPath == "" {
		c.loginPath = DefaultLoginPath
	}
	if c.mePath == "" {
		c.mePath = DefaultMePath
	}

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": "session-cli",
	}
	c.public = resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeaders(headers)
	c.authed = resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeaders(headers)
	if opts.Transport != nil {
		c.authed.SetTransport(opts.Transport)
	}
	return c
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	var tokens Tokens
	_, err := handleError(c.public.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&tokens).
		Post(c.loginPath))
	if err != nil {
		return Tokens{}, err
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("login response is missing tokens")
	}
	return tokens, nil
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	_, err := handleError(c.authed.R().
		SetContext(ctx).
		SetResult(&user).
		Get(c.mePath))
	return user, err
}

// handleError turns failing responses (>399) into errors; resty reports
// them with a nil error otherwise.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}
