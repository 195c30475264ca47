// Package keyring implements pluggable key/value persistence for secrets.
//
// Values are opaque strings; callers own their serialization. Every
// on-disk implementation encrypts at rest with a key bound to the current
// machine and OS user, so copied files are useless elsewhere.
package keyring

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
)

// Backend names accepted by Open.
const (
	BackendAuto   = "auto"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendSystem = "system"
	BackendMemory = "memory"
)

// Backends lists the selectable backend names.
var Backends = []string{BackendFile, BackendBolt, BackendSystem, BackendMemory}

const (
	fileStoreName = "secrets.enc"
	boltStoreName = "secrets.db"

	// SystemService is the OS keychain service name entries are filed under.
	SystemService = "gwcli"
)

// Backend is a flat string key/value store.
type Backend interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Set creates or overwrites key.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists every stored key in sorted order.
	Keys() ([]string, error)
}

type options struct {
	identity func() (string, error)
	kdf      kdfParams
	logger   *slog.Logger
}

// Option configures the encrypted backends.
type Option func(*options)

// WithIdentity overrides the machine identity used to seed key derivation.
func WithIdentity(fn func() (string, error)) Option {
	return func(o *options) { o.identity = fn }
}

// WithLogger sets the logger used for audit events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func withKDF(p kdfParams) Option {
	return func(o *options) { o.kdf = p }
}

func buildOptions(opts []Option) options {
	o := options{
		identity: machineIdentity,
		kdf:      defaultKDF,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	return o
}

// Open returns the backend registered under name, rooted at dir for the
// file-based implementations. An empty name or "auto" selects the
// encrypted file backend.
func Open(name, dir string, opts ...Option) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto, BackendFile:
		return NewFile(filepath.Join(dir, fileStoreName), opts...), nil
	case BackendBolt:
		return OpenBolt(filepath.Join(dir, boltStoreName), opts...)
	case BackendSystem:
		return NewSystem(SystemService), nil
	case BackendMemory:
		return NewMemory(), nil
	}

	return nil, apperrors.New(apperrors.KindInvalidInput,
		fmt.Sprintf("unknown keyring backend %q", name),
		"use one of: "+strings.Join(Backends, ", "))
}

// StorePath reports where the named backend keeps its data, or "" for
// backends without a file.
func StorePath(name, dir string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto, BackendFile:
		return filepath.Join(dir, fileStoreName)
	case BackendBolt:
		return filepath.Join(dir, boltStoreName)
	}

	return ""
}

// Close releases resources held by b, if it holds any.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
