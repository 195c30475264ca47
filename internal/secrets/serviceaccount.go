package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/models"
)

// ErrServiceAccountNotFound is returned when no key is stored for an email.
var ErrServiceAccountNotFound = errors.New("service account key not found")

const saKeyRemediation = "download a JSON key for the service account from the cloud console and run `gwcli auth service-account add <email> <key.json>`"

// ParseServiceAccountKey validates and decodes a service account JSON key.
// The key must be a JSON object whose type is "service_account" and which
// carries client_email and private_key.
func ParseServiceAccountKey(raw []byte) (models.ServiceAccountKey, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return models.ServiceAccountKey{}, apperrors.New(apperrors.KindInvalidServiceAccountKey,
			"service account key is not a JSON object", saKeyRemediation)
	}

	if t := gjson.GetBytes(raw, "type").String(); t != models.ServiceAccountType {
		return models.ServiceAccountKey{}, apperrors.New(apperrors.KindInvalidServiceAccountKey,
			fmt.Sprintf("key type is %q, want %q", t, models.ServiceAccountType), saKeyRemediation)
	}

	var key models.ServiceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return models.ServiceAccountKey{}, apperrors.Wrap(apperrors.KindInvalidServiceAccountKey, err,
			"decoding service account key", saKeyRemediation)
	}

	if key.ClientEmail == "" || key.PrivateKey == "" {
		return models.ServiceAccountKey{}, apperrors.New(apperrors.KindInvalidServiceAccountKey,
			"service account key is missing client_email or private_key", saKeyRemediation)
	}

	key.Raw = append([]byte(nil), raw...)

	return key, nil
}

// SetServiceAccountKey validates keyJSON and stores it for email.
func (s *Store) SetServiceAccountKey(email string, keyJSON []byte) error {
	e, err := account(email)
	if err != nil {
		return err
	}

	if _, err := ParseServiceAccountKey(keyJSON); err != nil {
		return err
	}

	if err := s.backend.Set(serviceAccountKey(e), string(keyJSON)); err != nil {
		return fmt.Errorf("storing service account key for %s: %w", e, err)
	}

	s.logger.Info("SECURITY_AUDIT: service account key stored",
		"event", "sa_key_stored",
		"email", e,
	)

	return nil
}

// GetServiceAccountKey returns the stored key for email.
func (s *Store) GetServiceAccountKey(email string) (models.ServiceAccountKey, error) {
	e, err := account(email)
	if err != nil {
		return models.ServiceAccountKey{}, err
	}

	raw, ok, err := s.backend.Get(serviceAccountKey(e))
	if err != nil {
		return models.ServiceAccountKey{}, fmt.Errorf("reading service account key for %s: %w", e, err)
	}

	if !ok {
		return models.ServiceAccountKey{}, fmt.Errorf("%w for %s", ErrServiceAccountNotFound, e)
	}

	key, err := ParseServiceAccountKey([]byte(raw))
	if err != nil {
		return models.ServiceAccountKey{}, fmt.Errorf("stored key for %s: %w", e, err)
	}

	return key, nil
}

// DeleteServiceAccountKey removes the key for email and clears the
// default service account pointer if it referenced email.
func (s *Store) DeleteServiceAccountKey(email string) error {
	e, err := account(email)
	if err != nil {
		return err
	}

	if err := s.backend.Delete(serviceAccountKey(e)); err != nil {
		return fmt.Errorf("deleting service account key for %s: %w", e, err)
	}

	def, err := s.GetDefaultServiceAccount()
	if err != nil {
		return err
	}

	if def == e {
		if err := s.backend.Delete(defaultSAKey); err != nil {
			return fmt.Errorf("clearing default service account: %w", err)
		}
	}

	s.logger.Info("SECURITY_AUDIT: service account key deleted",
		"event", "sa_key_deleted",
		"email", e,
	)

	return nil
}

// ListServiceAccounts returns the emails with stored keys, sorted.
func (s *Store) ListServiceAccounts() ([]string, error) {
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing secret keys: %w", err)
	}

	var emails []string

	for _, k := range keys {
		if e, ok := strings.CutPrefix(k, saKeyPrefix); ok && e != "" {
			emails = append(emails, e)
		}
	}

	sort.Strings(emails)

	return emails, nil
}

// GetDefaultServiceAccount returns the default service account email or "".
func (s *Store) GetDefaultServiceAccount() (string, error) {
	v, _, err := s.backend.Get(defaultSAKey)
	if err != nil {
		return "", fmt.Errorf("reading default service account: %w", err)
	}

	return v, nil
}

// SetDefaultServiceAccount sets the default service account.
func (s *Store) SetDefaultServiceAccount(email string) error {
	e, err := account(email)
	if err != nil {
		return err
	}

	if err := s.backend.Set(defaultSAKey, e); err != nil {
		return fmt.Errorf("setting default service account: %w", err)
	}

	return nil
}
