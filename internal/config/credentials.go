package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/fsutil"
	"github.com/alexjbarnes/gwcli/internal/models"
)

// credentialSections are the wrappers Google's console uses for
// downloaded client secrets, most common first. "" is a flat object.
var credentialSections = []string{"installed", "web", ""}

// ParseClientCredentials reads client_id and client_secret from a
// downloaded client_secret_*.json ("installed" or "web" section) or a
// flat {client_id, client_secret} object.
func ParseClientCredentials(raw []byte) (models.ClientCredentials, error) {
	if !gjson.ValidBytes(raw) {
		return models.ClientCredentials{}, fmt.Errorf("client credentials are not valid JSON")
	}

	for _, section := range credentialSections {
		prefix := ""
		if section != "" {
			prefix = section + "."
		}

		id := gjson.GetBytes(raw, prefix+"client_id").String()
		if id == "" {
			continue
		}

		secret := gjson.GetBytes(raw, prefix+"client_secret").String()
		if secret == "" {
			return models.ClientCredentials{}, fmt.Errorf("client credentials have client_id but no client_secret")
		}

		return models.ClientCredentials{
			ClientID:     id,
			ClientSecret: secret,
			AuthURI:      gjson.GetBytes(raw, prefix+"auth_uri").String(),
			TokenURI:     gjson.GetBytes(raw, prefix+"token_uri").String(),
		}, nil
	}

	return models.ClientCredentials{}, fmt.Errorf("client credentials have no client_id")
}

// CredentialsReader loads OAuth client credentials from the config
// directory.
type CredentialsReader struct {
	Dir string
}

// ClientCredentials reads the credentials file for client.
func (r CredentialsReader) ClientCredentials(client string) (models.ClientCredentials, error) {
	if client == "" {
		client = models.DefaultClient
	}

	path := CredentialsPath(r.Dir, client)
	remediation := fmt.Sprintf("download an OAuth client JSON (Desktop app) and run `gwcli auth credentials <file> --client %s`", client)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ClientCredentials{}, apperrors.New(apperrors.KindMissingCredentials,
				fmt.Sprintf("no OAuth client credentials for client %s (expected %s)", client, path), remediation)
		}

		return models.ClientCredentials{}, fmt.Errorf("reading client credentials %s: %w", path, err)
	}

	creds, err := ParseClientCredentials(raw)
	if err != nil {
		return models.ClientCredentials{}, apperrors.Wrap(apperrors.KindMissingCredentials, err,
			fmt.Sprintf("unusable OAuth client credentials for client %s in %s", client, path), remediation)
	}

	return creds, nil
}

// WriteClientCredentials validates raw and stores it as the credentials
// file for client.
func WriteClientCredentials(dir, client string, raw []byte) (string, error) {
	if _, err := ParseClientCredentials(raw); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvalidInput, err, "invalid OAuth client credentials file",
			"use the JSON downloaded from the cloud console's OAuth client page")
	}

	path := CredentialsPath(dir, client)
	if err := fsutil.WriteFileAtomic(path, raw, fsutil.FilePerm); err != nil {
		return "", fmt.Errorf("saving client credentials: %w", err)
	}

	return path, nil
}
