package keyring

import (
	"crypto/cipher"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/fsutil"
)

// boltOpenTimeout is the maximum time to wait for the bolt database lock.
const boltOpenTimeout = 5 * time.Second

var (
	secretsBucket = []byte("secrets")
	metaBucket    = []byte("meta")
	saltKey       = []byte("salt")
)

// Bolt is a Backend that stores each secret as its own sealed value in a
// bbolt database. The database-wide salt lives in the meta bucket and the
// key is derived once per open; each value carries its own random IV.
type Bolt struct {
	db   *bolt.DB
	gcm  cipher.AEAD
	path string
	log  *slog.Logger
}

// OpenBolt opens the database at path, creating it and its salt if it
// does not exist.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := buildOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirPerm); err != nil {
		return nil, fmt.Errorf("creating keyring directory: %w", err)
	}

	db, err := bolt.Open(path, fsutil.FilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening keyring db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(secretsBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(saltKey); len(v) == saltLen {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt, err = randomBytes(saltLen)
		if err != nil {
			return err
		}

		return meta.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing keyring db: %w", err)
	}

	seed, err := identitySeed(o.identity)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolving machine identity for %s: %w", path, err)
	}

	key, err := deriveKey(seed, salt, o.kdf)
	if err != nil {
		db.Close()
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db, gcm: gcm, path: path, log: o.logger}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Path returns the database location.
func (b *Bolt) Path() string {
	return b.path
}

func (b *Bolt) Get(key string) (string, bool, error) {
	var sealed []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get([]byte(key))
		if v != nil {
			sealed = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return "", false, err
	}

	if sealed == nil {
		return "", false, nil
	}

	plain, err := openValue(b.gcm, sealed)
	if err != nil {
		b.log.Warn("SECURITY_AUDIT: keyring value decryption failed",
			slog.String("event", "store_decrypt_failed"),
			slog.String("path", b.path),
		)

		return "", false, apperrors.Wrap(apperrors.KindDecryptionFailure, err,
			"decrypting keyring entry in "+b.path,
			"the database is corrupt or was written by another user or machine; move it aside and run `gwcli auth add` again")
	}

	return string(plain), true, nil
}

func (b *Bolt) Set(key, value string) error {
	sealed, err := sealValue(b.gcm, []byte(value))
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(key), sealed)
	})
}

func (b *Bolt) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete([]byte(key))
	})
}

func (b *Bolt) Keys() ([]string, error) {
	var keys []string

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	// bbolt iterates in byte order, which is already sorted.
	return keys, err
}
