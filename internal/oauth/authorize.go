package oauth

import (
	"context"
	"fmt"
	"net"
	"net/url"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
)

// AuthorizeOptions drive a direct code exchange. Exactly one of AuthURL
// (the full redirect URL the browser landed on) or AuthCode is required.
type AuthorizeOptions struct {
	Client   string
	Scopes   []string
	AuthURL  string
	AuthCode string
	// RedirectURI is used with a bare AuthCode. Defaults to DefaultRedirectURI.
	RedirectURI string
	// RequireState rejects redirect URLs without a state parameter.
	RequireState bool
	// ExpectedState, when set, must equal the redirect's state.
	ExpectedState string
}

// AuthorizeResult is the outcome of a successful exchange.
type AuthorizeResult struct {
	RefreshToken string
	Email        string
	Scopes       []string
}

func (o AuthorizeOptions) validate() error {
	if err := validateScopes(o.Scopes); err != nil {
		return err
	}

	switch {
	case o.AuthURL != "" && o.AuthCode != "":
		return apperrors.New(apperrors.KindInvalidInput, "auth URL and auth code are mutually exclusive",
			"pass either --auth-url or --auth-code")
	case o.AuthURL == "" && o.AuthCode == "":
		return apperrors.New(apperrors.KindInvalidInput, "an auth URL or auth code is required",
			"pass the redirected URL with --auth-url")
	case o.RequireState && o.AuthURL == "":
		return apperrors.New(apperrors.KindInvalidInput, "state validation needs the full redirect URL",
			"pass the redirected URL with --auth-url instead of --auth-code")
	}

	return nil
}

// Authorize exchanges a pasted redirect URL or bare code for a refresh token.
func (e *Engine) Authorize(ctx context.Context, opts AuthorizeOptions) (string, error) {
	res, err := e.AuthorizeDetailed(ctx, opts)
	if err != nil {
		return "", err
	}

	return res.RefreshToken, nil
}

// AuthorizeDetailed is Authorize returning the account email and granted
// scopes when the provider reported them.
func (e *Engine) AuthorizeDetailed(ctx context.Context, opts AuthorizeOptions) (AuthorizeResult, error) {
	if err := opts.validate(); err != nil {
		return AuthorizeResult{}, err
	}

	code, redirect := opts.AuthCode, opts.RedirectURI
	if redirect == "" {
		redirect = DefaultRedirectURI
	}

	if opts.AuthURL != "" {
		var err error

		code, redirect, err = parseRedirect(opts)
		if err != nil {
			return AuthorizeResult{}, err
		}
	}

	client := clientName(opts.Client)

	creds, ep, err := e.client(client)
	if err != nil {
		return AuthorizeResult{}, err
	}

	res, err := e.exchange(ctx, client, creds, ep, code, redirect, opts.Scopes)
	if err != nil {
		return AuthorizeResult{}, err
	}

	return AuthorizeResult(res), nil
}

// parseRedirect extracts the code and derives the redirect URI (scheme,
// host and path, no query) from a redirect URL.
func parseRedirect(opts AuthorizeOptions) (code, redirect string, err error) {
	u, err := url.Parse(opts.AuthURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", apperrors.New(apperrors.KindInvalidRedirect,
			fmt.Sprintf("cannot parse redirect URL %q", opts.AuthURL),
			"paste the full URL from the browser address bar, starting with http://")
	}

	q := u.Query()

	if perr := q.Get("error"); perr != "" {
		return "", "", apperrors.New(apperrors.KindInvalidRedirect,
			"provider returned error "+perr,
			"restart the authorization and approve the requested access")
	}

	code = q.Get("code")
	if code == "" {
		return "", "", apperrors.New(apperrors.KindInvalidRedirect, "no code found in URL",
			"paste the full URL the browser was redirected to after approving access")
	}

	state := q.Get("state")
	if opts.RequireState && state == "" {
		return "", "", apperrors.New(apperrors.KindInvalidRedirect, "missing state in redirect URL",
			"paste the full URL the browser was redirected to after approving access")
	}

	if opts.ExpectedState != "" && state != opts.ExpectedState {
		return "", "", apperrors.New(apperrors.KindStateMismatch,
			"redirect state does not match the issued authorization URL",
			"generate a new URL with `gwcli auth url` and use the redirect from that one")
	}

	redirect = u.Scheme + "://" + u.Host + u.Path

	return code, redirect, nil
}

// ManualAuthResult is a generated authorization URL and the state to
// verify when the user pastes the redirect back.
type ManualAuthResult struct {
	URL         string
	State       string
	RedirectURI string
}

// ManualAuthURL builds an authorization URL for a copy/paste flow. A
// loopback port is probed to give the redirect URI a plausible shape; no
// server listens on it.
func (e *Engine) ManualAuthURL(_ context.Context, opts URLOptions) (ManualAuthResult, error) {
	if err := validateScopes(opts.Scopes); err != nil {
		return ManualAuthResult{}, err
	}

	client := clientName(opts.Client)

	creds, ep, err := e.client(client)
	if err != nil {
		return ManualAuthResult{}, err
	}

	state, err := randomState()
	if err != nil {
		return ManualAuthResult{}, err
	}

	port, err := e.probePort()
	if err != nil {
		return ManualAuthResult{}, err
	}

	redirect := fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)

	return ManualAuthResult{
		URL:         e.authCodeURL(creds, ep, redirect, state, opts),
		State:       state,
		RedirectURI: redirect,
	}, nil
}

func (e *Engine) probePort() (int, error) {
	ln, err := e.listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probing loopback port: %w", err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}

	return addr.Port, nil
}
