package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrBadSecretKey = errors.New("tenant: secret key must be set")

// tokenFormat matches Telegram bot tokens: "<bot id>:<secret>".
var tokenFormat = regexp.MustCompile(`^\d{5,}:[A-Za-z0-9_-]{30,}$`)

// ValidTokenFormat reports whether token looks like a Telegram bot token.
func ValidTokenFormat(token string) bool {
	return tokenFormat.MatchString(strings.TrimSpace(token))
}

// Sealer encrypts credentials at rest with XChaCha20-Poly1305.
//
// The key is derived from an operator secret (BOTFLEET_SECRET_KEY); a 32 byte
// base64 value is used as-is, anything else is hashed with SHA-256.
type Sealer struct {
	key []byte
}

func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrBadSecretKey
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Sealer{key: raw}, nil
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sealer{key: sum[:]}, nil
}

// Seal binds the ciphertext to tenantID so a sealed token cannot be moved
// to another tenant row.
func (s *Sealer) Seal(tenantID, token string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(token)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(token), []byte(tenantID)), nil
}

func (s *Sealer) Open(tenantID string, sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("tenant %s: sealed token too short", tenantID)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(tenantID))
	if err != nil {
		return "", fmt.Errorf("tenant %s: open token: %w", tenantID, err)
	}
	return string(pt), nil
}

// Credentials resolves decrypted tokens on demand. Tokens only live in memory
// for as long as the caller holds them.
type Credentials interface {
	Credential(ctx context.Context, tenantID string) (string, error)
}

// StoreCredentials reads sealed tokens from a Store and opens them.
type StoreCredentials struct {
	Store  Store
	Sealer *Sealer
}

// Credential returns ErrNoCredential when the tenant has no token.
func (c StoreCredentials) Credential(ctx context.Context, tenantID string) (string, error) {
	t, err := c.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if len(t.SealedToken) == 0 {
		return "", ErrNoCredential
	}
	return c.Sealer.Open(tenantID, t.SealedToken)
}
