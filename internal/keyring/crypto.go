package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// keyLen is the derived AES-256 key length in bytes.
	keyLen = 32

	// saltLen is the per-write random salt length.
	saltLen = 16

	// ivLen is the AES-GCM nonce length (96 bits).
	ivLen = 12

	// tagLen is the AES-GCM authentication tag length (128 bits).
	tagLen = 16

	// headerLen covers salt, IV and tag. Files shorter than
	// minFileLen cannot hold a sealed payload and read as empty.
	headerLen  = saltLen + ivLen + tagLen
	minFileLen = headerLen + 1
)

// kdfParams holds the scrypt cost parameters.
type kdfParams struct {
	N int
	R int
	P int
}

// defaultKDF: N=2^15, r=8, p=1.
var defaultKDF = kdfParams{N: 32768, R: 8, P: 1}

// deriveKey derives a 32-byte key from the machine identity seed and salt
// using scrypt. The seed is NFKC-normalized so equivalent host or user
// names derive the same key.
func deriveKey(seed string, salt []byte, p kdfParams) ([]byte, error) {
	seed = norm.NFKC.String(seed)

	key, err := scrypt.Key([]byte(seed), salt, p.N, p.R, p.P, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// machineIdentity returns hostname + NUL + OS username.
func machineIdentity() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}

	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}

	if name == "" {
		name = os.Getenv("USER")
	}

	if name == "" {
		name = os.Getenv("USERNAME")
	}

	if name == "" {
		return "", fmt.Errorf("cannot determine OS username")
	}

	return host + "\x00" + name, nil
}

// newGCM builds an AES-256-GCM AEAD from key. The key slice is zeroed
// afterwards; the cipher keeps its own expanded copy.
func newGCM(key []byte) (cipher.AEAD, error) {
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// zeroKey overwrites key material in place.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}

	return b, nil
}

// sealValue encrypts a single value with a random IV.
// Format: [12-byte IV][ciphertext+tag].
func sealValue(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	iv, err := randomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)
	out := make([]byte, len(iv)+len(ct))
	copy(out, iv)
	copy(out[len(iv):], ct)

	return out, nil
}

// openValue reverses sealValue.
func openValue(gcm cipher.AEAD, data []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plain, nil
}

// identitySeed resolves the seed, rejecting a blank identity so a broken
// environment cannot silently encrypt under an empty password.
func identitySeed(fn func() (string, error)) (string, error) {
	seed, err := fn()
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(strings.ReplaceAll(seed, "\x00", "")) == "" {
		return "", fmt.Errorf("empty machine identity")
	}

	return seed, nil
}
