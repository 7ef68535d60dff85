// Package security holds the field-encryption envelope and the auth-hook
// gate.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"columnist/internal/domain"
)

const (
	encPrefix      = "enc:"
	saltSize       = 16
	nonceSize      = 12
	keySize        = 32 // AES-256
	kdfIterations  = 310_000
	minPassphrase  = 8 // codepoints
)

// SensitiveField reports whether a column name matches a sensitive
// pattern. Delegates to the domain rule so index maintenance and the
// envelope always agree on what is sensitive.
func SensitiveField(name string) bool { return domain.SensitiveField(name) }

// KeyHandle is a copyable snapshot of the derived key state, used to
// restore the previous key when a rotation fails partway.
type KeyHandle struct {
	key  []byte
	salt []byte
}

// Salt returns the handle's salt for persistence. The salt is not secret
// but must never be logged.
func (h KeyHandle) Salt() []byte { return append([]byte(nil), h.salt...) }

// Valid reports whether the handle carries a key.
func (h KeyHandle) Valid() bool { return len(h.key) == keySize }

// Encryptor encrypts sensitive field values with AES-256-GCM under a
// PBKDF2-derived key. The key lives only in memory; the salt is handed to
// the engine for persistence so the same passphrase re-derives the same
// key on reopen.
type Encryptor struct {
	mu   sync.RWMutex
	key  []byte
	salt []byte
}

// NewEncryptor returns an encryptor with no key configured.
func NewEncryptor() *Encryptor { return &Encryptor{} }

// DeriveKey derives the AES key for (passphrase, salt). A passphrase
// shorter than 8 codepoints is rejected; a nil salt draws a random one.
func DeriveKey(passphrase string, salt []byte) (KeyHandle, error) {
	if utf8.RuneCountInString(passphrase) < minPassphrase {
		return KeyHandle{}, fmt.Errorf("%w: need at least %d characters", domain.ErrWeakPassphrase, minPassphrase)
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return KeyHandle{}, fmt.Errorf("%w: generate salt: %v", domain.ErrEncryption, err)
		}
	}
	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keySize, sha256.New)
	return KeyHandle{key: key, salt: append([]byte(nil), salt...)}, nil
}

// SetKey installs a derived key.
func (e *Encryptor) SetKey(h KeyHandle) {
	e.mu.Lock()
	e.zeroLocked()
	e.key = append([]byte(nil), h.key...)
	e.salt = append([]byte(nil), h.salt...)
	e.mu.Unlock()
}

// Handle snapshots the current key state.
func (e *Encryptor) Handle() KeyHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return KeyHandle{
		key:  append([]byte(nil), e.key...),
		salt: append([]byte(nil), e.salt...),
	}
}

// Restore reinstates a previously snapshotted key state.
func (e *Encryptor) Restore(h KeyHandle) { e.SetKey(h) }

// Configured reports whether a key is installed.
func (e *Encryptor) Configured() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.key) == keySize
}

// Encrypt seals plaintext with a fresh 12-byte nonce per call and returns
// "enc:" + base64(nonce ‖ ciphertext ‖ tag).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Values without the
// envelope prefix pass through unchanged (they predate the key). A
// prefixed value that fails to open is a hard error for that read; the
// engine never silently returns ciphertext or stale plaintext.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", domain.ErrDecryption, err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: envelope too short", domain.ErrDecryption)
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the envelope prefix.
func (e *Encryptor) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Zeroize clears the key bytes. Call on engine close.
func (e *Encryptor) Zeroize() {
	e.mu.Lock()
	e.zeroLocked()
	e.key = nil
	e.salt = nil
	e.mu.Unlock()
}

func (e *Encryptor) zeroLocked() {
	for i := range e.key {
		e.key[i] = 0
	}
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	e.mu.RLock()
	key := append([]byte(nil), e.key...)
	e.mu.RUnlock()
	if len(key) != keySize {
		return nil, domain.ErrNoEncryptionKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher: %v", domain.ErrEncryption, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", domain.ErrEncryption, err)
	}
	return gcm, nil
}
