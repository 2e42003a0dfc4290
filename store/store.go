// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store holds the local identity material of a device and the measurement policy it
// applies to its peers.
package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-spdm-attest/cert"
	"github.com/google/go-spdm-attest/primitives"
	"github.com/google/logger"
	perrors "github.com/pkg/errors"
)

var (
	// ErrProvisioned is returned when provisioning a store that already holds an identity.
	ErrProvisioned = errors.New("store: identity already provisioned")
	// ErrNotProvisioned is returned when reading an empty store.
	ErrNotProvisioned = errors.New("store: no identity provisioned")
)

// Identity is the device's own certificate chain and leaf key.
type Identity struct {
	Width primitives.Width
	// Chain is the DER chain, root first.
	Chain      []byte
	PrivateKey []byte
	PublicKey  primitives.PublicKey
}

// Check verifies that the chain is valid for w and that its leaf certifies the key pair.
func (id *Identity) Check(c primitives.Crypto) error {
	if !id.Width.Valid() {
		return perrors.Errorf("identity width %d is not supported", id.Width)
	}
	derived, err := c.PublicKey(id.PrivateKey, id.Width)
	if err != nil {
		return perrors.Wrap(err, "identity private key")
	}
	if !bytes.Equal(derived.X, id.PublicKey.X) || !bytes.Equal(derived.Y, id.PublicKey.Y) {
		return perrors.New("identity public key does not match the private key")
	}
	leaf, err := cert.VerifyChain(id.Chain, &cert.Options{Crypto: c, Width: id.Width})
	if err != nil {
		return perrors.Wrap(err, "identity certificate chain")
	}
	if !bytes.Equal(leaf.X, id.PublicKey.X) || !bytes.Equal(leaf.Y, id.PublicKey.Y) {
		return perrors.New("identity leaf certificate does not certify the identity key")
	}
	return nil
}

// Store provides read access to the device identity and its one-time creation.
type Store interface {
	// Identity returns the provisioned identity or ErrNotProvisioned.
	Identity() (*Identity, error)
	// Provision stores id, failing with ErrProvisioned if an identity exists.
	Provision(id *Identity) error
}

// Memory is a Store that lives in process memory.
type Memory struct {
	mu sync.Mutex
	id *Identity
}

// Identity implements Store.
func (m *Memory) Identity() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == nil {
		return nil, ErrNotProvisioned
	}
	return m.id, nil
}

// Provision implements Store.
func (m *Memory) Provision(id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id != nil {
		return ErrProvisioned
	}
	m.id = id
	return nil
}

const (
	chainFile = "chain.der"
	keyFile   = "leaf.key"
)

// Dir is a Store backed by files in a directory.
type Dir struct {
	Path string
	// Crypto derives the public key when the identity is read.
	Crypto primitives.Crypto

	mu sync.Mutex
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrProvisioned
		}
		return perrors.Wrapf(err, "could not create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return perrors.Wrapf(err, "could not write %s", path)
	}
	return perrors.Wrapf(f.Close(), "could not close %s", path)
}

// Provision implements Store. The private key is written first and exclusively, so a second
// provisioning attempt fails without touching the existing identity.
func (d *Dir) Provision(id *Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(d.Path, 0700); err != nil {
		return perrors.Wrapf(err, "could not create store directory %s", d.Path)
	}
	if err := writeExclusive(filepath.Join(d.Path, keyFile), id.PrivateKey, 0600); err != nil {
		return err
	}
	if err := writeExclusive(filepath.Join(d.Path, chainFile), id.Chain, 0644); err != nil {
		// Without its chain the key is unusable and would block the next attempt.
		if rmErr := os.Remove(filepath.Join(d.Path, keyFile)); rmErr != nil {
			logger.Errorf("could not remove %s: %v", keyFile, rmErr)
		}
		return err
	}
	logger.Infof("provisioned %v identity in %s", id.Width, d.Path)
	return nil
}

// Identity implements Store.
func (d *Dir) Identity() (*Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	priv, err := os.ReadFile(filepath.Join(d.Path, keyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, perrors.Wrap(err, "could not read identity key")
	}
	chain, err := os.ReadFile(filepath.Join(d.Path, chainFile))
	if err != nil {
		return nil, perrors.Wrap(err, "could not read identity chain")
	}
	w := primitives.Width(len(priv))
	if !w.Valid() {
		return nil, perrors.Errorf("identity key of %d bytes has no supported width", len(priv))
	}
	c := d.Crypto
	if c == nil {
		c = &primitives.Software{}
	}
	pub, err := c.PublicKey(priv, w)
	if err != nil {
		return nil, perrors.Wrap(err, "identity key")
	}
	return &Identity{Width: w, Chain: chain, PrivateKey: priv, PublicKey: pub}, nil
}

// GenerateIdentity creates a root and leaf key, a two-certificate chain over them, and returns
// the leaf identity. The root private key is not retained.
func GenerateIdentity(c primitives.Crypto, w primitives.Width) (*Identity, error) {
	var keys []cert.KeyPair
	for i := 0; i < 2; i++ {
		priv, pub, err := primitives.GenerateKey(c, w)
		if err != nil {
			return nil, err
		}
		keys = append(keys, cert.KeyPair{Private: priv, Public: pub})
	}
	chain, err := cert.GenerateChain(c, w, keys, nil)
	if err != nil {
		return nil, perrors.Wrap(err, "could not generate identity chain")
	}
	return &Identity{Width: w, Chain: chain, PrivateKey: keys[1].Private, PublicKey: keys[1].Public}, nil
}

// ProvisionNew generates an identity and provisions s with it.
func ProvisionNew(s Store, c primitives.Crypto, w primitives.Width) (*Identity, error) {
	if _, err := s.Identity(); err == nil {
		return nil, ErrProvisioned
	} else if !errors.Is(err, ErrNotProvisioned) {
		return nil, err
	}
	id, err := GenerateIdentity(c, w)
	if err != nil {
		return nil, err
	}
	if err := s.Provision(id); err != nil {
		return nil, err
	}
	return id, nil
}
