// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"strconv"
	"sync"
	"testing"

	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

// RSA key generation takes tens of milliseconds per key; a process
// reuses one small pool across every fixture.
const keyPoolSize = 4

var (
	keyPoolOnce sync.Once
	keyPool     [keyPoolSize]*rsa.PrivateKey
	keyPoolErr  error
)

func pooledKey(t testing.TB, index int) *rsa.PrivateKey {
	t.Helper()
	keyPoolOnce.Do(func() {
		for i := range keyPool {
			keyPool[i], keyPoolErr = signature.GenerateKey()
			if keyPoolErr != nil {
				return
			}
		}
	})
	if keyPoolErr != nil {
		t.Fatalf("generating test keys: %v", keyPoolErr)
	}
	return keyPool[index%keyPoolSize]
}

// KeyFixture is a temp directory of PEM keys laid out the way both
// servers expect: "<sensorId>.pem" per sensor, and an
// "intermediate.key"/"intermediate.pem" pair.
type KeyFixture struct {
	Dir                 string
	IntermediatePrivate string
	IntermediatePublic  string

	intermediate *rsa.PrivateKey
	sensors      map[int16]*rsa.PrivateKey
	spare        *rsa.PrivateKey
}

// NewKeyFixture writes keys for the intermediate identity and each
// sensor id. The first two sensors get distinct keys; further sensors
// reuse them.
func NewKeyFixture(t testing.TB, sensorIDs ...int16) *KeyFixture {
	t.Helper()
	fixture := &KeyFixture{
		Dir:          t.TempDir(),
		intermediate: pooledKey(t, 0),
		sensors:      make(map[int16]*rsa.PrivateKey),
		spare:        pooledKey(t, keyPoolSize-1),
	}

	var err error
	fixture.IntermediatePrivate, fixture.IntermediatePublic, err =
		signature.WriteKeyPair(fixture.Dir, signature.IntermediateIdentity, fixture.intermediate)
	if err != nil {
		t.Fatalf("writing intermediate key: %v", err)
	}

	for i, id := range sensorIDs {
		key := pooledKey(t, 1+i%(keyPoolSize-2))
		if _, _, err := signature.WriteKeyPair(fixture.Dir, strconv.Itoa(int(id)), key); err != nil {
			t.Fatalf("writing sensor %d key: %v", id, err)
		}
		fixture.sensors[id] = key
	}
	return fixture
}

// KeyStoreConfig returns a configuration resolving every key in the
// fixture.
func (f *KeyFixture) KeyStoreConfig() signature.KeyStoreConfig {
	return signature.KeyStoreConfig{
		SensorKeyDir: f.Dir,
		PublicKeys:   map[string]string{signature.IntermediateIdentity: f.IntermediatePublic},
		PrivateKeys:  map[string]string{signature.IntermediateIdentity: f.IntermediatePrivate},
	}
}

// KeyStore returns a fresh store over the fixture.
func (f *KeyFixture) KeyStore() *signature.KeyStore {
	return signature.NewKeyStore(f.KeyStoreConfig())
}

// SensorKey returns the private key written for sensorID.
func (f *KeyFixture) SensorKey(t testing.TB, sensorID int16) *rsa.PrivateKey {
	t.Helper()
	key, ok := f.sensors[sensorID]
	if !ok {
		t.Fatalf("no key for sensor %d in fixture", sensorID)
	}
	return key
}

// UnregisteredKey returns a key that no sensor in the fixture uses.
func (f *KeyFixture) UnregisteredKey() *rsa.PrivateKey {
	return f.spare
}

// IntermediateKey returns the relay identity's private key.
func (f *KeyFixture) IntermediateKey() *rsa.PrivateKey {
	return f.intermediate
}

// SignedFrame encodes packet and signs it with key, giving the 278
// bytes a sensor sends.
func SignedFrame(t testing.TB, key *rsa.PrivateKey, packet wire.RawPacket) []byte {
	t.Helper()
	payload := packet.Encode()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("signing test frame: %v", err)
	}
	frame, err := wire.BuildFrame(payload, sig)
	if err != nil {
		t.Fatalf("building test frame: %v", err)
	}
	return frame
}
