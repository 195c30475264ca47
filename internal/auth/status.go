package auth

import (
	"fmt"

	"github.com/alexjbarnes/gwcli/internal/secrets"
)

// Status summarises the credential subsystem for `gwcli auth status`.
type Status struct {
	Backend       string
	BackendSource string
	StorePath     string
	ConfigDir     string

	Client                string
	DefaultAccount        string
	DefaultServiceAccount string
	Accounts              int
	ServiceAccounts       int
}

// StatusInput is what the caller already knows about the environment.
type StatusInput struct {
	Backend       string
	BackendSource string
	StorePath     string
	ConfigDir     string
	Client        string
}

// CollectStatus fills in the store-derived fields.
func CollectStatus(store *secrets.Store, in StatusInput) (Status, error) {
	client, err := secrets.NormalizeClient(in.Client)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Backend:       in.Backend,
		BackendSource: in.BackendSource,
		StorePath:     in.StorePath,
		ConfigDir:     in.ConfigDir,
		Client:        client,
	}

	if st.DefaultAccount, err = store.GetDefaultAccount(client); err != nil {
		return Status{}, err
	}

	if st.DefaultServiceAccount, err = store.GetDefaultServiceAccount(); err != nil {
		return Status{}, err
	}

	tokens, err := store.ListTokens()
	if err != nil {
		return Status{}, err
	}

	st.Accounts = len(tokens)

	sas, err := store.ListServiceAccounts()
	if err != nil {
		return Status{}, fmt.Errorf("listing service accounts: %w", err)
	}

	st.ServiceAccounts = len(sas)

	return st, nil
}
