package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/gwcli/internal/fsutil"
)

// File is the YAML config file.
type File struct {
	// KeyringBackend names the secret backend. Overrides GWCLI_KEYRING_BACKEND.
	KeyringBackend string `yaml:"keyring_backend,omitempty"`

	// AccountClients maps an account email to the OAuth client it logs in
	// through when no --client is given.
	AccountClients map[string]string `yaml:"account_clients,omitempty"`
}

// LoadFile reads the config file at path. A missing file is an empty config.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &File{}, nil
		}

		return nil, fmt.Errorf("reading config file: %w", err)
	}

	warnInsecureFile(path)

	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if len(f.AccountClients) > 0 {
		norm := make(map[string]string, len(f.AccountClients))
		for email, client := range f.AccountClients {
			norm[normalizeKey(email)] = normalizeKey(client)
		}

		f.AccountClients = norm
	}

	return f, nil
}

// Save writes the config file atomically with 0600 permissions.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling config file: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, data, fsutil.FilePerm); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ClientForAccount returns the configured client for email, or "".
func (f *File) ClientForAccount(email string) string {
	if f == nil {
		return ""
	}

	return f.AccountClients[normalizeKey(email)]
}

// SetAccountClient records client as the default for email. An empty
// client removes the mapping.
func (f *File) SetAccountClient(email, client string) {
	email, client = normalizeKey(email), normalizeKey(client)

	if client == "" {
		delete(f.AccountClients, email)
		return
	}

	if f.AccountClients == nil {
		f.AccountClients = make(map[string]string)
	}

	f.AccountClients[email] = client
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
