// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
)

// ErrKeyUnavailable is returned when a key file is missing, unreadable,
// or does not contain an RSA key of the expected kind.
var ErrKeyUnavailable = errors.New("signature: key unavailable")

// IntermediateIdentity is the key identifier of the relay's own key
// pair: its private half signs forwarded packets, its public half is
// what the Final Server verifies them against.
const IntermediateIdentity = "intermediate"

const sensorKeyPrefix = "sensor:"

// DefaultFailureTTL is how long a failed key lookup is remembered
// before the file is read again.
const DefaultFailureTTL = 5 * time.Second

// SensorKeyID returns the key identifier for a sensor id.
func SensorKeyID(sensorID int16) string {
	return sensorKeyPrefix + strconv.Itoa(int(sensorID))
}

// KeyStoreConfig locates key files.
type KeyStoreConfig struct {
	// SensorKeyDir holds one public key per sensor, named
	// "<sensorId>.pem". Sensor identifiers resolve here unless
	// PublicKeys names them explicitly.
	SensorKeyDir string

	// PublicKeys maps identifiers to public key files.
	PublicKeys map[string]string

	// PrivateKeys maps identifiers to private key files.
	PrivateKeys map[string]string

	// FailureTTL bounds how often a missing or unreadable key file is
	// retried. Lookups within the window return the remembered error
	// without touching disk. Zero means DefaultFailureTTL; negative
	// disables the failure cache.
	FailureTTL time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives one Info line per key loaded. Nil discards.
	Logger *slog.Logger
}

// KeyStore resolves identifiers to RSA keys. Each key is read from
// disk at most once until invalidated. A failed load is remembered for
// FailureTTL, so a flood of lookups for an unknown sensor costs one
// file read per window, and a key file installed later is picked up
// once the window passes. Safe for concurrent use.
type KeyStore struct {
	config KeyStoreConfig
	logger *slog.Logger

	mu       sync.Mutex
	public   map[string]*rsa.PublicKey
	private  map[string]*rsa.PrivateKey
	failures map[string]keyFailure
}

type keyFailure struct {
	err     error
	expires time.Time
}

// NewKeyStore creates a store. No files are read until the first
// lookup.
func NewKeyStore(config KeyStoreConfig) *KeyStore {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.FailureTTL == 0 {
		config.FailureTTL = DefaultFailureTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &KeyStore{
		config:   config,
		logger:   logger,
		public:   make(map[string]*rsa.PublicKey),
		private:  make(map[string]*rsa.PrivateKey),
		failures: make(map[string]keyFailure),
	}
}

// PublicKey returns the public key for id, loading it on first use.
func (s *KeyStore) PublicKey(id string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.public[id]; ok {
		return key, nil
	}
	failureKey := "public " + id
	if err := s.recentFailure(failureKey); err != nil {
		return nil, err
	}

	path, err := s.publicKeyPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, s.fail(failureKey, fmt.Errorf("%w: public key %q: %v", ErrKeyUnavailable, id, err))
	}
	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, s.fail(failureKey, fmt.Errorf("%w: public key %q from %s: %v", ErrKeyUnavailable, id, path, err))
	}

	s.public[id] = key
	s.logger.Info("loaded public key",
		"key_id", id,
		"path", path,
		"fingerprint", Fingerprint(key),
	)
	return key, nil
}

// PrivateKey returns the private key for id, loading it on first use.
func (s *KeyStore) PrivateKey(id string) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.private[id]; ok {
		return key, nil
	}
	failureKey := "private " + id
	if err := s.recentFailure(failureKey); err != nil {
		return nil, err
	}

	path, ok := s.config.PrivateKeys[id]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: no private key configured for %q", ErrKeyUnavailable, id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, s.fail(failureKey, fmt.Errorf("%w: private key %q: %v", ErrKeyUnavailable, id, err))
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, s.fail(failureKey, fmt.Errorf("%w: private key %q from %s: %v", ErrKeyUnavailable, id, path, err))
	}

	s.private[id] = key
	s.logger.Info("loaded private key",
		"key_id", id,
		"path", path,
		"fingerprint", Fingerprint(&key.PublicKey),
	)
	return key, nil
}

// Invalidate drops the cached public and private keys for id, and any
// remembered failure. The next lookup reads the file again.
func (s *KeyStore) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.public, id)
	delete(s.private, id)
	delete(s.failures, "public "+id)
	delete(s.failures, "private "+id)
}

// InvalidateAll drops every cached key.
func (s *KeyStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.public)
	clear(s.private)
	clear(s.failures)
}

// recentFailure returns the remembered error for key if its window has
// not passed. Callers hold s.mu.
func (s *KeyStore) recentFailure(key string) error {
	failure, ok := s.failures[key]
	if !ok {
		return nil
	}
	if !s.config.Clock.Now().Before(failure.expires) {
		delete(s.failures, key)
		return nil
	}
	return failure.err
}

// fail remembers err for key and returns it. Callers hold s.mu.
func (s *KeyStore) fail(key string, err error) error {
	if s.config.FailureTTL > 0 {
		s.failures[key] = keyFailure{err: err, expires: s.config.Clock.Now().Add(s.config.FailureTTL)}
	}
	return err
}

// Cached returns the number of cached public and private keys.
func (s *KeyStore) Cached() (public, private int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.public), len(s.private)
}

func (s *KeyStore) publicKeyPath(id string) (string, error) {
	if path, ok := s.config.PublicKeys[id]; ok && path != "" {
		return path, nil
	}
	if number, ok := strings.CutPrefix(id, sensorKeyPrefix); ok && s.config.SensorKeyDir != "" {
		return filepath.Join(s.config.SensorKeyDir, number+".pem"), nil
	}
	return "", fmt.Errorf("%w: no public key configured for %q", ErrKeyUnavailable, id)
}

// Fingerprint returns a short hex BLAKE3 digest of the key's PKIX
// encoding, for correlating log lines with key files.
func Fingerprint(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return ""
	}
	digest := blake3.Sum256(der)
	return hex.EncodeToString(digest[:8])
}
