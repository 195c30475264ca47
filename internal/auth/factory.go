package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
	"github.com/alexjbarnes/gwcli/internal/oauth"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

// TokenReader is the part of the credential store the factory reads.
type TokenReader interface {
	GetToken(client, email string) (models.Token, error)
	GetServiceAccountKey(email string) (models.ServiceAccountKey, error)
}

// KeyReader loads a service-account key by email. When unset the factory
// reads keys from its TokenReader.
type KeyReader func(email string) (models.ServiceAccountKey, error)

// PlanKind says which credential path a plan took.
type PlanKind string

const (
	PlanUser           PlanKind = "user"
	PlanServiceAccount PlanKind = "service_account"
)

// AuthPlan is a resolved credential path. TokenSource fetches lazily, so
// building a plan makes no network calls.
type AuthPlan struct {
	Kind PlanKind
	// Email is the user account or the service-account email.
	Email string
	// Client is the OAuth client used on the user path.
	Client string
	// Subject is the impersonated user on the service-account path.
	Subject string
	Scopes  []string

	TokenSource oauth2.TokenSource
}

// FactoryConfig wires a Factory.
type FactoryConfig struct {
	Resolver    AccountResolver
	Store       TokenReader
	Credentials oauth.ClientCredentialsReader
	KeyReader   KeyReader
	Clients     ClientMapper
	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint
	// HTTPClient, when set, carries token refresh requests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds authenticated HTTP clients for the identity its resolver
// picks.
type Factory struct {
	resolver   AccountResolver
	store      TokenReader
	creds      oauth.ClientCredentialsReader
	keys       KeyReader
	clients    ClientMapper
	endpoint   oauth2.Endpoint
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFactory returns a Factory, filling unset fields with defaults.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		resolver:   cfg.Resolver,
		store:      cfg.Store,
		creds:      cfg.Credentials,
		keys:       cfg.KeyReader,
		clients:    cfg.Clients,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}

	if f.endpoint.AuthURL == "" && f.endpoint.TokenURL == "" {
		f.endpoint = google.Endpoint
	}

	if f.keys == nil && f.store != nil {
		f.keys = f.store.GetServiceAccountKey
	}

	if f.logger == nil {
		f.logger = slog.Default()
	}

	return f
}

// Resolve picks the credential path for the current identity.
func (f *Factory) Resolve(ctx context.Context, scopes []string) (*AuthPlan, error) {
	if len(scopes) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "at least one scope is required", "")
	}

	if f.resolver == nil {
		return nil, missingAccount("")
	}

	id, err := f.resolver(ctx)
	if err != nil {
		return nil, err
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	if id.ServiceAccount != "" {
		return f.serviceAccountPlan(ctx, id, scopes)
	}

	if id.Email == "" {
		return nil, missingAccount("")
	}

	return f.userPlan(ctx, id, scopes)
}

// HTTPClient returns a client that authenticates every request for the
// current identity.
func (f *Factory) HTTPClient(ctx context.Context, scopes []string) (*http.Client, error) {
	plan, err := f.Resolve(ctx, scopes)
	if err != nil {
		return nil, err
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	return oauth2.NewClient(ctx, plan.TokenSource), nil
}

func (f *Factory) serviceAccountPlan(ctx context.Context, id Identity, scopes []string) (*AuthPlan, error) {
	email := secrets.NormalizeEmail(id.ServiceAccount)
	remediation := fmt.Sprintf("run `gwcli auth service-account add %s <key.json>`", email)

	if f.keys == nil {
		return nil, apperrors.New(apperrors.KindAuthRequired,
			"no service-account key store is configured", remediation)
	}

	key, err := f.keys(email)
	if err != nil {
		if errors.Is(err, secrets.ErrServiceAccountNotFound) {
			return nil, apperrors.Wrap(apperrors.KindAuthRequired, err,
				fmt.Sprintf("no key stored for service account %s", email), remediation)
		}

		return nil, err
	}

	raw := key.Raw
	if len(raw) == 0 {
		if raw, err = json.Marshal(key); err != nil {
			return nil, fmt.Errorf("encoding service-account key: %w", err)
		}
	}

	cfg, err := google.JWTConfigFromJSON(raw, scopes...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidServiceAccountKey, err,
			fmt.Sprintf("unusable key for service account %s", email), remediation)
	}

	if id.Impersonate != "" {
		cfg.Subject = secrets.NormalizeEmail(id.Impersonate)
	}

	f.logger.Debug("resolved service-account credentials",
		slog.String("service_account", email),
		slog.String("subject", cfg.Subject))

	return &AuthPlan{
		Kind:        PlanServiceAccount,
		Email:       email,
		Subject:     cfg.Subject,
		Scopes:      scopes,
		TokenSource: cfg.TokenSource(ctx),
	}, nil
}

func (f *Factory) userPlan(ctx context.Context, id Identity, scopes []string) (*AuthPlan, error) {
	email := secrets.NormalizeEmail(id.Email)

	client := id.ClientOverride
	if client == "" && f.clients != nil {
		client = f.clients.ClientForAccount(email)
	}

	client, err := secrets.NormalizeClient(client)
	if err != nil {
		return nil, err
	}

	if f.creds == nil {
		return nil, apperrors.New(apperrors.KindMissingCredentials,
			fmt.Sprintf("no OAuth client credentials for client %s", client),
			fmt.Sprintf("run `gwcli auth credentials <file> --client %s`", client))
	}

	creds, err := f.creds.ClientCredentials(client)
	if err != nil {
		return nil, err
	}

	if f.store == nil {
		return nil, authRequired(email, client, nil)
	}

	tok, err := f.store.GetToken(client, email)
	if err != nil {
		if errors.Is(err, secrets.ErrTokenNotFound) {
			return nil, authRequired(email, client, err)
		}

		return nil, err
	}

	if tok.RefreshToken == "" {
		return nil, authRequired(email, client, nil)
	}

	endpoint := f.endpoint
	if creds.AuthURI != "" {
		endpoint.AuthURL = creds.AuthURI
	}

	if creds.TokenURI != "" {
		endpoint.TokenURL = creds.TokenURI
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	f.logger.Debug("resolved user credentials",
		slog.String("account", email),
		slog.String("client", client))

	return &AuthPlan{
		Kind:        PlanUser,
		Email:       email,
		Client:      client,
		Scopes:      scopes,
		TokenSource: cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}),
	}, nil
}

func authRequired(email, client string, cause error) error {
	msg := fmt.Sprintf("no stored token for %s (client %s)", email, client)
	rem := fmt.Sprintf("run `gwcli auth add %s --client %s`", email, client)

	if cause != nil {
		return apperrors.Wrap(apperrors.KindAuthRequired, cause, msg, rem)
	}

	return apperrors.New(apperrors.KindAuthRequired, msg, rem)
}
