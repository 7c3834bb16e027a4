// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrInvalidSignature is the single failure a verifier reports.
	// When the cause was a key that could not be loaded, the error
	// also matches ErrKeyUnavailable.
	ErrInvalidSignature = errors.New("signature: invalid signature")

	// ErrSigning is returned when a payload cannot be signed, usually
	// because the private key is unavailable.
	ErrSigning = errors.New("signature: signing failed")
)

// PublicKeySource resolves identifiers to public keys. *KeyStore
// implements it.
type PublicKeySource interface {
	PublicKey(id string) (*rsa.PublicKey, error)
}

// PrivateKeySource resolves identifiers to private keys. *KeyStore
// implements it.
type PrivateKeySource interface {
	PrivateKey(id string) (*rsa.PrivateKey, error)
}

// Verifier checks RSA PKCS#1 v1.5 / SHA-256 detached signatures.
type Verifier struct {
	keys   PublicKeySource
	logger *slog.Logger
}

// NewVerifier creates a verifier. A nil logger discards diagnostics.
func NewVerifier(keys PublicKeySource, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{keys: keys, logger: logger}
}

// Verify returns nil if signature is a valid signature over payload by
// the key named keyID. Every failure wraps ErrInvalidSignature.
func (v *Verifier) Verify(payload, signature []byte, keyID string) error {
	key, err := v.keys.PublicKey(keyID)
	if err != nil {
		return errors.Join(ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrInvalidSignature, keyID, err)
	}
	return nil
}

// Valid is Verify reduced to a boolean. Failures are logged at Debug
// with the reason; callers log the rejection itself with their own
// context.
func (v *Verifier) Valid(payload, signature []byte, keyID string) bool {
	if err := v.Verify(payload, signature, keyID); err != nil {
		v.logger.Debug("signature verification failed", "key_id", keyID, "error", err)
		return false
	}
	return true
}

// Signer produces RSA PKCS#1 v1.5 / SHA-256 detached signatures.
// PKCS#1 v1.5 signing is deterministic: the same payload and key
// always give the same bytes.
type Signer struct {
	keys PrivateKeySource
}

// NewSigner creates a signer.
func NewSigner(keys PrivateKeySource) *Signer {
	return &Signer{keys: keys}
}

// Sign signs payload with the private key named keyID. Failures wrap
// ErrSigning.
func (s *Signer) Sign(payload []byte, keyID string) ([]byte, error) {
	key, err := s.keys.PrivateKey(keyID)
	if err != nil {
		return nil, errors.Join(ErrSigning, err)
	}
	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrSigning, keyID, err)
	}
	return signature, nil
}
