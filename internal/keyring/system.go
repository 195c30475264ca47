package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// indexKey holds a JSON list of every key this backend wrote. OS
// keychains cannot enumerate entries by service.
const indexKey = "__index__"

// System stores secrets in the OS keychain (macOS Keychain, Windows
// Credential Manager, Secret Service on Linux).
type System struct {
	service string
	mu      sync.Mutex
}

// NewSystem returns a backend filing entries under service.
func NewSystem(service string) *System {
	return &System{service: service}
}

func (s *System) Get(key string) (string, bool, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("reading %s from system keyring: %w", key, err)
	}

	return v, true, nil
}

func (s *System) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("writing %s to system keyring: %w", key, err)
	}

	keys, err := s.index()
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k == key {
			return nil
		}
	}

	return s.writeIndex(append(keys, key))
}

func (s *System) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from system keyring: %w", key, err)
	}

	keys, err := s.index()
	if err != nil {
		return err
	}

	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}

	return s.writeIndex(kept)
}

func (s *System) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.index()
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *System) index() ([]string, error) {
	raw, err := keyring.Get(s.service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading system keyring index: %w", err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("parsing system keyring index: %w", err)
	}

	return keys, nil
}

func (s *System) writeIndex(keys []string) error {
	if len(keys) == 0 {
		err := keyring.Delete(s.service, indexKey)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("clearing system keyring index: %w", err)
		}

		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	if err := keyring.Set(s.service, indexKey, string(data)); err != nil {
		return fmt.Errorf("writing system keyring index: %w", err)
	}

	return nil
}
