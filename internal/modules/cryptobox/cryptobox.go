// Package cryptobox provides symmetric encryption and one-way hashing.
//
// The AES-256 key is derived once, with Argon2id, from the configured secret
// and salt. The same secret therefore decrypts data written by any earlier
// process; rotating the secret makes old ciphertext unreadable.
package cryptobox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"github.com/flowguard-project/flowguard/internal/core"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoKeyMaterial is returned when no secret is configured.
	ErrNoKeyMaterial = errors.New("cryptobox: no secret configured")
	// ErrMalformedCiphertext is returned when a blob cannot be decoded or
	// fails authentication.
	ErrMalformedCiphertext = errors.New("cryptobox: malformed ciphertext")
)

const (
	keyLen       = 32
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Box encrypts and decrypts with one derived key. CPU-heavy calls are bounded
// by a weighted semaphore so a burst of encryptions cannot starve other
// requests of CPU.
type Box struct {
	aead       cipher.AEAD
	sem        *semaphore.Weighted
	bcryptCost int
}

// New derives the key from cfg.Secret and cfg.Salt.
func New(cfg core.CryptoConfig) (*Box, error) {
	if cfg.Secret == "" {
		return nil, ErrNoKeyMaterial
	}
	salt := cfg.Salt
	if salt == "" {
		salt = "flowguard"
	}
	key := argon2.IDKey([]byte(cfg.Secret), []byte(salt), argonTime, argonMemory, argonThreads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	workers := cfg.Concurrency
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Box{
		aead:       aead,
		sem:        semaphore.NewWeighted(int64(workers)),
		bcryptCost: cost,
	}, nil
}

func (b *Box) run(ctx context.Context, fn func()) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cryptobox: %w", err)
	}
	defer b.sem.Release(1)
	fn()
	return nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (b *Box) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	var sealed []byte
	if err := b.run(ctx, func() {
		sealed = b.aead.Seal(nonce, nonce, plaintext, nil)
	}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(ctx context.Context, blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns+b.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}

	var (
		plain   []byte
		openErr error
	)
	if err := b.run(ctx, func() {
		plain, openErr = b.aead.Open(nil, data[:ns], data[ns:], nil)
	}); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, openErr)
	}
	return plain, nil
}

// Hash returns the hex SHA-256 digest of input.
func (b *Box) Hash(input string) string { return Hash(input) }

// HashCredential returns a bcrypt hash suitable for password storage.
func (b *Box) HashCredential(ctx context.Context, credential string) (string, error) {
	var (
		hash []byte
		err  error
	)
	if runErr := b.run(ctx, func() {
		hash, err = bcrypt.GenerateFromPassword([]byte(credential), b.bcryptCost)
	}); runErr != nil {
		return "", runErr
	}
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential reports whether credential matches hash.
func (b *Box) VerifyCredential(ctx context.Context, hash, credential string) (bool, error) {
	var err error
	if runErr := b.run(ctx, func() {
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential))
	}); runErr != nil {
		return false, runErr
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verifying credential: %w", err)
	}
}

// Hash returns the hex SHA-256 digest of input. It needs no key material.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
