package secrets

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
)

const (
	tokenPrefix       = "token:"
	defaultAccountKey = "default_account"
	defaultSAKey      = "default_service_account"
	saKeyPrefix       = "sa_key:"
)

var clientNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NormalizeEmail trims and lowercases an account email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// account normalizes email and rejects values that cannot be keyed.
func account(email string) (string, error) {
	e := NormalizeEmail(email)
	if e == "" {
		return "", apperrors.New(apperrors.KindInvalidInput, "account email is required",
			"pass the account email, e.g. `--account you@example.com`")
	}

	if strings.Contains(e, ":") {
		return "", apperrors.New(apperrors.KindInvalidInput,
			fmt.Sprintf("invalid account email %q", email), "account emails cannot contain ':'")
	}

	return e, nil
}

// NormalizeClient trims and lowercases a client name. Empty means the
// default client.
func NormalizeClient(client string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(client))
	if c == "" {
		return models.DefaultClient, nil
	}

	if !clientNameRE.MatchString(c) {
		return "", apperrors.New(apperrors.KindInvalidInput,
			fmt.Sprintf("invalid client name %q", client),
			"client names use lowercase letters, digits, '.', '_' and '-'")
	}

	return c, nil
}

func tokenKey(client, email string) string {
	return tokenPrefix + client + ":" + email
}

func legacyTokenKey(email string) string {
	return tokenPrefix + email
}

func defaultAccountKeyFor(client string) string {
	return defaultAccountKey + ":" + client
}

func serviceAccountKey(email string) string {
	return saKeyPrefix + email
}

// parseTokenKey extracts (client, email) from a backend key. It accepts
// token:<client>:<email> and the legacy token:<email> form, which belongs
// to the default client.
func parseTokenKey(key string) (client, email string, ok bool) {
	rest, found := strings.CutPrefix(key, tokenPrefix)
	if !found {
		return "", "", false
	}

	switch strings.Count(rest, ":") {
	case 0:
		client, email = models.DefaultClient, rest
	case 1:
		client, email, _ = strings.Cut(rest, ":")
	default:
		return "", "", false
	}

	if client == "" || email == "" {
		return "", "", false
	}

	return client, email, true
}
