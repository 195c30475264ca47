package keyring

import (
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/fsutil"
)

// File is an encrypted single-file Backend. The whole key/value map is
// serialized as one JSON object and sealed as one blob:
//
//	salt(16) || iv(12) || authTag(16) || ciphertext
//
// The AES-256-GCM key is derived with scrypt from the machine identity and
// the salt. Every write generates a fresh salt and IV and replaces the
// whole file atomically.
type File struct {
	path string
	opts options

	// mu serializes read-modify-write cycles within this process. There
	// is no cross-process lock; concurrent processes race, last write wins.
	mu sync.Mutex
}

// NewFile returns a file backend stored at path. The file is created on
// the first write.
func NewFile(path string, opts ...Option) *File {
	return &File{path: path, opts: buildOptions(opts)}
}

// Path returns the store file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return "", false, err
	}

	v, ok := data[key]

	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}

	data[key] = value

	return f.save(data)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}

	if _, ok := data[key]; !ok {
		return nil
	}

	delete(data, key)

	return f.save(data)
}

func (f *File) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}

	return sortedKeys(data), nil
}

// load reads and decrypts the store. A missing or too-short file is an
// empty store; an authentication failure is a hard error.
func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]string), nil
		}

		return nil, fmt.Errorf("reading secret store %s: %w", f.path, err)
	}

	if len(raw) < minFileLen {
		f.opts.logger.Debug("secret store shorter than header, treating as empty",
			slog.String("path", f.path),
			slog.Int("bytes", len(raw)),
		)

		return make(map[string]string), nil
	}

	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : headerLen]
	ct := raw[headerLen:]

	gcm, err := f.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	// GCM expects ciphertext||tag.
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		f.opts.logger.Warn("SECURITY_AUDIT: secret store decryption failed",
			slog.String("event", "store_decrypt_failed"),
			slog.String("path", f.path),
		)

		return nil, apperrors.Wrap(apperrors.KindDecryptionFailure, err,
			"decrypting secret store "+f.path,
			"the file is corrupt or was written by another user or machine; move it aside and run `gwcli auth add` again")
	}

	data := make(map[string]string)
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecryptionFailure, err,
			"parsing decrypted secret store "+f.path,
			"move the file aside and run `gwcli auth add` again")
	}

	return data, nil
}

// save seals data under a fresh salt and IV and atomically replaces the file.
func (f *File) save(data map[string]string) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling secret store: %w", err)
	}

	salt, err := randomBytes(saltLen)
	if err != nil {
		return err
	}

	iv, err := randomBytes(ivLen)
	if err != nil {
		return err
	}

	gcm, err := f.cipherFor(salt)
	if err != nil {
		return err
	}

	sealed := gcm.Seal(nil, iv, plain, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, headerLen+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)

	if err := fsutil.WriteFileAtomic(f.path, out, fsutil.FilePerm); err != nil {
		return fmt.Errorf("writing secret store: %w", err)
	}

	return nil
}

func (f *File) cipherFor(salt []byte) (cipher.AEAD, error) {
	seed, err := identitySeed(f.opts.identity)
	if err != nil {
		return nil, fmt.Errorf("resolving machine identity for %s: %w", f.path, err)
	}

	key, err := deriveKey(seed, salt, f.opts.kdf)
	if err != nil {
		return nil, err
	}

	return newGCM(key)
}
