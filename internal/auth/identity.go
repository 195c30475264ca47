// Package auth turns "which identity should this call use" into a ready
// authenticated HTTP client, and orchestrates logins that populate the
// credential store.
package auth

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

// Identity is what an AccountResolver decides a call should run as.
// ServiceAccount wins over Email when both are set.
type Identity struct {
	Email          string
	ClientOverride string
	ServiceAccount string
	Impersonate    string
}

// AccountResolver is called on every client construction so it always
// sees the current flags.
type AccountResolver func(ctx context.Context) (Identity, error)

// StaticResolver always resolves to id.
func StaticResolver(id Identity) AccountResolver {
	return func(context.Context) (Identity, error) { return id, nil }
}

// Flags are the identity selectors captured once per invocation, either
// from command-line flags or from GWCLI_* environment variables.
type Flags struct {
	Account        string
	Client         string
	ServiceAccount string
	Impersonate    string
}

// ClientMapper returns the configured OAuth client for an account, or "".
type ClientMapper interface {
	ClientForAccount(email string) string
}

// DefaultsReader is the part of the credential store the resolver reads.
type DefaultsReader interface {
	GetDefaultAccount(client string) (string, error)
	GetDefaultServiceAccount() (string, error)
	ListTokens() ([]models.Token, error)
}

// NewFlagResolver resolves identities in this order:
//
//  1. --account
//  2. --service-account
//  3. GWCLI_ACCOUNT
//  4. GWCLI_SERVICE_ACCOUNT
//  5. the default account for the effective client (falling back to the
//     global default)
//  6. the default service account
//  7. the only stored token, when exactly one exists
//
// Anything else is a MissingAccount error. The client override is
// --client, then GWCLI_CLIENT.
func NewFlagResolver(flags, env Flags, store DefaultsReader) AccountResolver {
	return func(context.Context) (Identity, error) {
		id := Identity{
			ClientOverride: firstNonEmpty(flags.Client, env.Client),
			Impersonate:    firstNonEmpty(flags.Impersonate, env.Impersonate),
		}

		switch {
		case flags.Account != "":
			id.Email = flags.Account
			return id, nil
		case flags.ServiceAccount != "":
			id.ServiceAccount = flags.ServiceAccount
			return id, nil
		case env.Account != "":
			id.Email = env.Account
			return id, nil
		case env.ServiceAccount != "":
			id.ServiceAccount = env.ServiceAccount
			return id, nil
		}

		if store == nil {
			return Identity{}, missingAccount("")
		}

		client, err := secrets.NormalizeClient(id.ClientOverride)
		if err != nil {
			return Identity{}, err
		}

		def, err := store.GetDefaultAccount(client)
		if err != nil {
			return Identity{}, err
		}

		if def != "" {
			id.Email = def
			return id, nil
		}

		sa, err := store.GetDefaultServiceAccount()
		if err != nil {
			return Identity{}, err
		}

		if sa != "" {
			id.ServiceAccount = sa
			return id, nil
		}

		tokens, err := store.ListTokens()
		if err != nil {
			return Identity{}, err
		}

		if id.ClientOverride != "" {
			tokens = filterClient(tokens, client)
		}

		switch len(tokens) {
		case 0:
			return Identity{}, missingAccount("")
		case 1:
			id.Email = tokens[0].Email
			id.ClientOverride = tokens[0].Client

			return id, nil
		}

		return Identity{}, missingAccount(fmt.Sprintf("%d accounts are stored", len(tokens)))
	}
}

func filterClient(tokens []models.Token, client string) []models.Token {
	var out []models.Token

	for _, t := range tokens {
		if t.Client == client {
			out = append(out, t)
		}
	}

	return out
}

func missingAccount(detail string) error {
	msg := "no account selected"
	if detail != "" {
		msg += ": " + detail
	}

	return apperrors.New(apperrors.KindMissingAccount, msg,
		"pass --account <email>, set GWCLI_ACCOUNT, or run `gwcli auth default <email>`")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}
