package core

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

var credentialKeyInfo = []byte("datagate.credential.v1")

// Credential is the opaque token handed to a client after a merge
type Credential string

// RegistryBackend persists the identity -> credential mapping
type RegistryBackend interface {
	Get(ctx context.Context, identity string) (string, bool, error)
	Put(ctx context.Context, identity, credential string) error
	Close() error
}

// CredentialRegistry issues and checks content-derived credentials.
//
// Without a secret a credential is SHA-256(identity || data), which anyone
// holding the same identity and dataset can recompute; it is only as
// private as the dataset. WithSecret switches to an HMAC keyed by a
// server-held secret while keeping Issue and Verify unchanged.
type CredentialRegistry struct {
	backend RegistryBackend
	macKey  []byte
	locks   *keyLock
	logger  *zap.Logger
}

// RegistryOption configures a CredentialRegistry
type RegistryOption func(*CredentialRegistry) error

// WithSecret derives credentials with HMAC-SHA256 under a key expanded
// from secret with HKDF. An empty secret keeps plain SHA-256.
func WithSecret(secret []byte) RegistryOption {
	return func(r *CredentialRegistry) error {
		if len(secret) == 0 {
			r.macKey = nil
			return nil
		}
		key := make([]byte, sha256.Size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, credentialKeyInfo), key); err != nil {
			return fmt.Errorf("derive credential key: %w", err)
		}
		r.macKey = key
		return nil
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *CredentialRegistry) error {
		r.logger = logger
		return nil
	}
}

// NewCredentialRegistry creates a registry over backend
func NewCredentialRegistry(backend RegistryBackend, opts ...RegistryOption) (*CredentialRegistry, error) {
	r := &CredentialRegistry{
		backend: backend,
		locks:   newKeyLock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Derive computes the credential for (identity, data) without storing it.
// Identity bytes come first, then the data, with no separator.
func (r *CredentialRegistry) Derive(identity string, data []byte) Credential {
	var h hash.Hash
	if r.macKey != nil {
		h = hmac.New(sha256.New, r.macKey)
	} else {
		h = sha256.New()
	}
	h.Write([]byte(identity))
	h.Write(data)
	return Credential(hex.EncodeToString(h.Sum(nil)))
}

// Issue derives the credential for (identity, data), stores it as the
// identity's current credential and returns it.
func (r *CredentialRegistry) Issue(ctx context.Context, identity string, data []byte) (Credential, error) {
	const op = "issue"

	if identity == "" {
		return "", invalidRequest(op, "client identity is required")
	}

	credential := r.Derive(identity, data)

	unlock := r.locks.Lock(identity)
	defer unlock()

	if err := r.backend.Put(ctx, identity, string(credential)); err != nil {
		return "", newError(KindAssembly, op, "store credential", err)
	}

	r.logger.Info("Credential issued", zap.String("client_id", identity))
	return credential, nil
}

// Verify reports whether presented is the current credential of identity.
// Unknown or empty identities and backend failures all deny.
func (r *CredentialRegistry) Verify(ctx context.Context, identity string, presented Credential) bool {
	if identity == "" || presented == "" {
		return false
	}

	stored, ok, err := r.backend.Get(ctx, identity)
	if err != nil {
		r.logger.Error("Credential lookup failed", zap.String("client_id", identity), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Close releases the backend
func (r *CredentialRegistry) Close() error {
	return r.backend.Close()
}
