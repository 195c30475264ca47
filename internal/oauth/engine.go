// Package oauth implements the interactive OAuth2 authorization flows that
// turn a user's consent into a stored refresh token: direct code exchange,
// manual URL generation, and a loopback callback server.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
)

const (
	// CallbackPath is the loopback redirect path.
	CallbackPath = "/oauth2/callback"

	// DefaultTimeout bounds the wait for the loopback callback.
	DefaultTimeout = 120 * time.Second

	// DefaultRedirectURI is used when exchanging a bare code without a
	// redirect URL to derive one from.
	DefaultRedirectURI = "http://127.0.0.1" + CallbackPath

	stateBytes = 32
)

// ClientCredentialsReader looks up the OAuth client id and secret for a
// named client.
type ClientCredentialsReader interface {
	ClientCredentials(client string) (models.ClientCredentials, error)
}

// ListenFunc opens the loopback listener. net.Listen by default.
type ListenFunc func(network, address string) (net.Listener, error)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Credentials ClientCredentialsReader
	Exchanger   Exchanger
	// Endpoint defaults to google.Endpoint. Per-client auth and token
	// URIs from the credentials file take precedence.
	Endpoint oauth2.Endpoint
	Listen   ListenFunc
	Logger   *slog.Logger
	// Timeout is the default loopback wait.
	Timeout time.Duration
}

// Engine runs authorization flows.
type Engine struct {
	creds     ClientCredentialsReader
	exchanger Exchanger
	endpoint  oauth2.Endpoint
	listen    ListenFunc
	logger    *slog.Logger
	timeout   time.Duration
}

// NewEngine returns an Engine, filling unset fields with defaults.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		creds:     cfg.Credentials,
		exchanger: cfg.Exchanger,
		endpoint:  cfg.Endpoint,
		listen:    cfg.Listen,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
	}

	if e.exchanger == nil {
		e.exchanger = OAuth2Exchanger{}
	}

	if e.endpoint.AuthURL == "" && e.endpoint.TokenURL == "" {
		e.endpoint = google.Endpoint
	}

	if e.listen == nil {
		e.listen = net.Listen
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}

	return e
}

// URLOptions shape the provider authorization URL.
type URLOptions struct {
	Client       string
	Scopes       []string
	ForceConsent bool
	LoginHint    string
}

// client resolves credentials and the endpoint for the named client.
func (e *Engine) client(name string) (models.ClientCredentials, oauth2.Endpoint, error) {
	if name == "" {
		name = models.DefaultClient
	}

	if e.creds == nil {
		return models.ClientCredentials{}, oauth2.Endpoint{}, apperrors.New(apperrors.KindMissingCredentials,
			fmt.Sprintf("no credential source configured for client %s", name), "")
	}

	creds, err := e.creds.ClientCredentials(name)
	if err != nil {
		return models.ClientCredentials{}, oauth2.Endpoint{}, err
	}

	ep := e.endpoint
	if creds.AuthURI != "" {
		ep.AuthURL = creds.AuthURI
	}

	if creds.TokenURI != "" {
		ep.TokenURL = creds.TokenURI
	}

	return creds, ep, nil
}

func (e *Engine) authCodeURL(creds models.ClientCredentials, ep oauth2.Endpoint, redirect, state string, o URLOptions) string {
	cfg := &oauth2.Config{
		ClientID:    creds.ClientID,
		Endpoint:    ep,
		RedirectURL: redirect,
		Scopes:      o.Scopes,
	}

	params := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}

	if o.ForceConsent {
		params = append(params, oauth2.ApprovalForce)
	}

	if o.LoginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", o.LoginHint))
	}

	return cfg.AuthCodeURL(state, params...)
}

// exchange redeems code and insists on a refresh token.
func (e *Engine) exchange(ctx context.Context, client string, creds models.ClientCredentials, ep oauth2.Endpoint, code, redirect string, scopes []string) (ExchangeResult, error) {
	res, err := e.exchanger.Exchange(ctx, ExchangeRequest{
		Code:         code,
		RedirectURI:  redirect,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     ep,
		Scopes:       scopes,
	})
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("client %s: %w", client, err)
	}

	if res.RefreshToken == "" {
		return ExchangeResult{}, apperrors.New(apperrors.KindNoRefreshToken,
			fmt.Sprintf("provider returned no refresh token for client %s", client),
			"revoke the app's access or re-run with --force-consent so the provider issues a new refresh token")
	}

	e.logger.Info("SECURITY_AUDIT: authorization code exchanged",
		"event", "code_exchanged",
		"client", client,
		"has_email", res.Email != "",
	)

	return res, nil
}

func validateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return apperrors.New(apperrors.KindInvalidInput, "at least one OAuth scope is required",
			"pass --services or --scopes")
	}

	return nil
}

// randomState returns 32 random bytes, URL-safe base64 without padding.
func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func clientName(c string) string {
	if c == "" {
		return models.DefaultClient
	}

	return c
}
