package main

import (
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/alexjbarnes/gwcli/internal/auth"
	"github.com/alexjbarnes/gwcli/internal/config"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/logging"
	"github.com/alexjbarnes/gwcli/internal/models"
	"github.com/alexjbarnes/gwcli/internal/oauth"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

// app carries what every command needs. It is populated by the root
// command's PersistentPreRunE.
type app struct {
	out    io.Writer
	errOut io.Writer

	flags auth.Flags

	cfg           *config.Config
	file          *config.File
	logger        *slog.Logger
	backend       keyring.Backend
	backendName   string
	backendSource config.BackendSource
	store         *secrets.Store

	// Test seams. Nil means the real implementation.
	openBackend func(name, dir string) (keyring.Backend, error)
	exchanger   oauth.Exchanger
	endpoint    oauth2.Endpoint
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut}
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a.cfg = cfg
	if a.logger == nil {
		level := cfg.LogLevel
		if level == "" {
			level = "warn"
		}

		a.logger = logging.NewLogger(cfg.Environment, level)
	}

	f, err := config.LoadFile(cfg.FilePath())
	if err != nil {
		return err
	}

	a.file = f
	a.backendName, a.backendSource = cfg.ResolveKeyringBackend(f)

	open := a.openBackend
	if open == nil {
		open = func(name, dir string) (keyring.Backend, error) {
			return keyring.Open(name, dir, keyring.WithLogger(a.logger))
		}
	}

	b, err := open(a.backendName, cfg.KeyringDir())
	if err != nil {
		return err
	}

	a.backend = b
	a.store = secrets.NewStore(b, a.logger)

	a.logger.Debug("gwcli initialised",
		slog.String("version", Version),
		slog.String("config_dir", cfg.ConfigDir),
		slog.String("keyring_backend", a.backendName),
		slog.String("keyring_source", string(a.backendSource)),
	)

	return nil
}

// close releases the keyring backend. Safe to call more than once.
func (a *app) close() error {
	if a.backend == nil {
		return nil
	}

	b := a.backend
	a.backend = nil

	return keyring.Close(b)
}

// envFlags are the GWCLI_* identity selectors.
func (a *app) envFlags() auth.Flags {
	return auth.Flags{
		Account:        a.cfg.Account,
		Client:         a.cfg.Client,
		ServiceAccount: a.cfg.ServiceAccount,
		Impersonate:    a.cfg.Impersonate,
	}
}

// client is the effective --client / GWCLI_CLIENT value, normalized.
func (a *app) client() (string, error) {
	c := a.flags.Client
	if c == "" {
		c = a.cfg.Client
	}

	return secrets.NormalizeClient(c)
}

func (a *app) credentials() config.CredentialsReader {
	return config.CredentialsReader{Dir: a.cfg.ConfigDir}
}

func (a *app) engine() *oauth.Engine {
	return oauth.NewEngine(oauth.EngineConfig{
		Credentials: a.credentials(),
		Exchanger:   a.exchanger,
		Endpoint:    a.endpoint,
		Logger:      a.logger,
		Timeout:     a.cfg.AuthTimeout,
	})
}

func (a *app) login() *auth.Login {
	return auth.NewLogin(auth.LoginConfig{
		Engine: a.engine(),
		Store:  a.store,
		Logger: a.logger,
	})
}

func (a *app) factory() *auth.Factory {
	return auth.NewFactory(auth.FactoryConfig{
		Resolver:    auth.NewFlagResolver(a.flags, a.envFlags(), a.store),
		Store:       a.store,
		Credentials: a.credentials(),
		Clients:     a.file,
		Endpoint:    a.endpoint,
		Logger:      a.logger,
	})
}

// rememberClient records a non-default client for email so later calls
// without --client pick it.
func (a *app) rememberClient(email, client string) error {
	cur := a.file.ClientForAccount(email)
	if cur == client || (cur == "" && client == models.DefaultClient) {
		return nil
	}

	a.file.SetAccountClient(email, client)

	return a.file.Save(a.cfg.FilePath())
}
