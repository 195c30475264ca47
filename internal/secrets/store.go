// Package secrets stores credentials (refresh tokens, default account
// pointers and service account keys) on top of a keyring.Backend. All
// JSON encoding of stored values happens here; backends see opaque
// strings.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/models"
)

// ErrTokenNotFound is returned by GetToken when no token is stored for
// the (client, email) pair.
var ErrTokenNotFound = errors.New("token not found")

// storedToken is the JSON shape kept under token:* keys.
type storedToken struct {
	RefreshToken string   `json:"refresh_token"`
	Services     []string `json:"services,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// Store provides structured credential operations over a Backend.
type Store struct {
	backend keyring.Backend
	logger  *slog.Logger
}

// NewStore wraps backend. A nil logger uses slog.Default().
func NewStore(backend keyring.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{backend: backend, logger: logger}
}

// Backend returns the underlying backend.
func (s *Store) Backend() keyring.Backend {
	return s.backend
}

// SetToken stores tok for (client, email), overwriting any previous
// token. Tokens for the default client are also written under the
// legacy unqualified key.
func (s *Store) SetToken(client, email string, tok models.Token) error {
	c, err := NormalizeClient(client)
	if err != nil {
		return err
	}

	e, err := account(email)
	if err != nil {
		return err
	}

	if tok.RefreshToken == "" {
		return apperrors.New(apperrors.KindInvalidInput,
			fmt.Sprintf("refusing to store empty refresh token for %s (client %s)", e, c), "")
	}

	st := storedToken{
		RefreshToken: tok.RefreshToken,
		Services:     tok.Services,
		Scopes:       tok.Scopes,
	}
	if !tok.CreatedAt.IsZero() {
		st.CreatedAt = tok.CreatedAt.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling token for %s: %w", e, err)
	}

	if err := s.backend.Set(tokenKey(c, e), string(data)); err != nil {
		s.logger.Warn("SECURITY_AUDIT: token storage failed",
			"event", "token_store_failed",
			"client", c,
			"email", e,
			"error", err.Error(),
		)

		return fmt.Errorf("storing token for %s (client %s): %w", e, c, err)
	}

	if c == models.DefaultClient {
		if err := s.backend.Set(legacyTokenKey(e), string(data)); err != nil {
			return fmt.Errorf("storing legacy token alias for %s: %w", e, err)
		}
	}

	s.logger.Info("SECURITY_AUDIT: token stored",
		"event", "token_stored",
		"client", c,
		"email", e,
		"scopes", len(tok.Scopes),
	)

	return nil
}

// GetToken returns the token stored for (client, email). For the default
// client a token found only under the legacy key is migrated to the
// namespaced key; the legacy alias is left in place.
func (s *Store) GetToken(client, email string) (models.Token, error) {
	c, err := NormalizeClient(client)
	if err != nil {
		return models.Token{}, err
	}

	e, err := account(email)
	if err != nil {
		return models.Token{}, err
	}

	raw, ok, err := s.backend.Get(tokenKey(c, e))
	if err != nil {
		return models.Token{}, fmt.Errorf("reading token for %s (client %s): %w", e, c, err)
	}

	if !ok && c == models.DefaultClient {
		raw, ok, err = s.backend.Get(legacyTokenKey(e))
		if err != nil {
			return models.Token{}, fmt.Errorf("reading legacy token for %s: %w", e, err)
		}

		if ok {
			if err := s.backend.Set(tokenKey(c, e), raw); err != nil {
				return models.Token{}, fmt.Errorf("migrating legacy token for %s: %w", e, err)
			}

			s.logger.Info("migrated legacy token key",
				slog.String("email", e),
				slog.String("client", c),
			)
		}
	}

	if !ok {
		return models.Token{}, fmt.Errorf("%w for %s (client %s)", ErrTokenNotFound, e, c)
	}

	return decodeToken(c, e, raw)
}

func decodeToken(client, email, raw string) (models.Token, error) {
	var st storedToken
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.Token{}, fmt.Errorf("parsing stored token for %s (client %s): %w", email, client, err)
	}

	tok := models.Token{
		Client:       client,
		Email:        email,
		Services:     st.Services,
		Scopes:       st.Scopes,
		RefreshToken: st.RefreshToken,
	}

	if st.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, st.CreatedAt)
		if err != nil {
			return models.Token{}, fmt.Errorf("parsing created_at for %s (client %s): %w", email, client, err)
		}

		tok.CreatedAt = t
	}

	return tok, nil
}

// DeleteToken removes the token for (client, email). For the default
// client the legacy alias is removed too, otherwise the next read would
// migrate it back.
func (s *Store) DeleteToken(client, email string) error {
	c, err := NormalizeClient(client)
	if err != nil {
		return err
	}

	e, err := account(email)
	if err != nil {
		return err
	}

	if err := s.backend.Delete(tokenKey(c, e)); err != nil {
		s.logger.Warn("SECURITY_AUDIT: token deletion failed",
			"event", "token_delete_failed",
			"client", c,
			"email", e,
			"error", err.Error(),
		)

		return fmt.Errorf("deleting token for %s (client %s): %w", e, c, err)
	}

	if c == models.DefaultClient {
		if err := s.backend.Delete(legacyTokenKey(e)); err != nil {
			return fmt.Errorf("deleting legacy token for %s: %w", e, err)
		}
	}

	s.logger.Info("SECURITY_AUDIT: token deleted",
		"event", "token_deleted",
		"client", c,
		"email", e,
	)

	return nil
}

// ListTokens returns every stored token, one per (client, email), sorted
// by client then email. Entries that fail to decode are logged and
// skipped so one bad value does not hide the rest.
func (s *Store) ListTokens() ([]models.Token, error) {
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing secret keys: %w", err)
	}

	type pair struct{ client, email string }

	seen := make(map[pair]bool)

	var tokens []models.Token

	for _, k := range keys {
		client, email, ok := parseTokenKey(k)
		if !ok {
			continue
		}

		c, err := NormalizeClient(client)
		if err != nil {
			continue
		}

		p := pair{c, NormalizeEmail(email)}
		if seen[p] {
			continue
		}

		seen[p] = true

		tok, err := s.GetToken(p.client, p.email)
		if err != nil {
			if errors.Is(err, apperrors.ErrDecryptionFailure) {
				return nil, err
			}

			s.logger.Warn("skipping unreadable token entry",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)

			continue
		}

		tokens = append(tokens, tok)
	}

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Client != tokens[j].Client {
			return tokens[i].Client < tokens[j].Client
		}

		return tokens[i].Email < tokens[j].Email
	})

	return tokens, nil
}

// GetDefaultAccount returns the default account for client, falling back
// to the global default. It returns "" when neither is set.
func (s *Store) GetDefaultAccount(client string) (string, error) {
	c, err := NormalizeClient(client)
	if err != nil {
		return "", err
	}

	v, ok, err := s.backend.Get(defaultAccountKeyFor(c))
	if err != nil {
		return "", fmt.Errorf("reading default account for client %s: %w", c, err)
	}

	if ok && v != "" {
		return v, nil
	}

	v, _, err = s.backend.Get(defaultAccountKey)
	if err != nil {
		return "", fmt.Errorf("reading global default account: %w", err)
	}

	return v, nil
}

// SetDefaultAccount points both the per-client and the global default at
// email.
func (s *Store) SetDefaultAccount(client, email string) error {
	c, err := NormalizeClient(client)
	if err != nil {
		return err
	}

	e, err := account(email)
	if err != nil {
		return err
	}

	if err := s.backend.Set(defaultAccountKeyFor(c), e); err != nil {
		return fmt.Errorf("setting default account for client %s: %w", c, err)
	}

	if err := s.backend.Set(defaultAccountKey, e); err != nil {
		return fmt.Errorf("setting global default account: %w", err)
	}

	return nil
}
