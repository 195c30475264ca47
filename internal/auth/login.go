package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
	"github.com/alexjbarnes/gwcli/internal/oauth"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

// TokenWriter is the part of the credential store a login writes.
type TokenWriter interface {
	SetToken(client, email string, tok models.Token) error
	SetDefaultAccount(client, email string) error
}

// LoginConfig wires a Login.
type LoginConfig struct {
	Engine *oauth.Engine
	Store  TokenWriter
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Login authorizes an account and stores its refresh token.
type Login struct {
	engine *oauth.Engine
	store  TokenWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewLogin returns a Login.
func NewLogin(cfg LoginConfig) *Login {
	l := &Login{
		engine: cfg.Engine,
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
	}

	if l.logger == nil {
		l.logger = slog.Default()
	}

	if l.now == nil {
		l.now = time.Now
	}

	return l
}

// LoginOptions select the account and flow. With AuthURL or AuthCode set
// the code is exchanged directly; otherwise a loopback server waits for
// the browser.
type LoginOptions struct {
	Client string
	// Email is the expected account. Optional when the provider returns
	// an id_token.
	Email        string
	Services     []string
	ExtraScopes  []string
	ForceConsent bool

	AuthURL       string
	AuthCode      string
	RedirectURI   string
	RequireState  bool
	ExpectedState string

	Timeout   time.Duration
	OnAuthURL func(string)
	OnPhase   func(oauth.Phase)
}

// LoginResult is the stored token plus the URL the user was sent to on
// the loopback flow.
type LoginResult struct {
	Token   models.Token
	AuthURL string
}

// Scopes returns the scopes a login with these options requests.
func (o LoginOptions) Scopes() ([]string, error) {
	scopes, err := ScopesFor(o.Services)
	if err != nil {
		return nil, err
	}

	scopes = append(scopes, o.ExtraScopes...)
	if len(scopes) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "no services or scopes requested",
			"pass --services (e.g. gmail,calendar) or --services all")
	}

	return dedupe(append(append([]string{}, IdentityScopes...), scopes...)), nil
}

// Run performs the flow and persists the result. The account becomes the
// default for its client.
func (l *Login) Run(ctx context.Context, opts LoginOptions) (LoginResult, error) {
	client, err := secrets.NormalizeClient(opts.Client)
	if err != nil {
		return LoginResult{}, err
	}

	scopes, err := opts.Scopes()
	if err != nil {
		return LoginResult{}, err
	}

	want := secrets.NormalizeEmail(opts.Email)

	var (
		refresh, got, authURL string
		granted               []string
	)

	if opts.AuthURL != "" || opts.AuthCode != "" {
		res, err := l.engine.AuthorizeDetailed(ctx, oauth.AuthorizeOptions{
			Client:        client,
			Scopes:        scopes,
			AuthURL:       opts.AuthURL,
			AuthCode:      opts.AuthCode,
			RedirectURI:   opts.RedirectURI,
			RequireState:  opts.RequireState,
			ExpectedState: opts.ExpectedState,
		})
		if err != nil {
			return LoginResult{}, err
		}

		refresh, got, granted = res.RefreshToken, res.Email, res.Scopes
	} else {
		res, err := l.engine.AuthorizeWithLocalServer(ctx, oauth.LocalServerOptions{
			URLOptions: oauth.URLOptions{
				Client:       client,
				Scopes:       scopes,
				ForceConsent: opts.ForceConsent,
				LoginHint:    want,
			},
			Timeout:   opts.Timeout,
			OnAuthURL: opts.OnAuthURL,
			OnPhase:   opts.OnPhase,
		})
		if err != nil {
			return LoginResult{}, err
		}

		refresh, got, granted, authURL = res.RefreshToken, res.Email, res.Scopes, res.AuthURL
	}

	got = secrets.NormalizeEmail(got)

	email := want
	if email == "" {
		email = got
	}

	if email == "" {
		return LoginResult{}, apperrors.New(apperrors.KindInvalidInput,
			"could not determine the authorized account",
			"pass the account email: `gwcli auth add <email>`")
	}

	if got != "" && got != email {
		l.logger.Warn("SECURITY_AUDIT: login account mismatch",
			"event", "login_account_mismatch",
			"requested", email,
			"authorized", got,
			"client", client)

		return LoginResult{}, apperrors.New(apperrors.KindInvalidInput,
			fmt.Sprintf("authorized as %s but %s was requested", got, email),
			"sign in with the requested account, or omit the email to store whichever account you pick")
	}

	if len(granted) == 0 {
		granted = scopes
	}

	tok := models.Token{
		Client:       client,
		Email:        email,
		Services:     NormalizeServices(opts.Services),
		Scopes:       granted,
		CreatedAt:    l.now().UTC(),
		RefreshToken: refresh,
	}

	if err := l.store.SetToken(client, email, tok); err != nil {
		return LoginResult{}, err
	}

	if err := l.store.SetDefaultAccount(client, email); err != nil {
		return LoginResult{}, err
	}

	l.logger.Info("SECURITY_AUDIT: account authorized",
		"event", "account_authorized",
		"account", email,
		"client", client,
		"scopes", len(granted))

	return LoginResult{Token: tok, AuthURL: authURL}, nil
}
