// mixkey.go - Relay hop keys and associated utilities.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package mixkey provides persistent per-epoch relay hop keys.
package mixkey

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	kempem "github.com/katzenpost/hpqc/kem/pem"
	nikepem "github.com/katzenpost/hpqc/nike/pem"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/utils"
)

// MixKey is a relay's hop key pair for a single epoch.
type MixKey struct {
	pub   *sphinx.RelayPublicKeys
	priv  *sphinx.RelayPrivateKeys
	epoch uint64

	nikePath string
	kemPath  string

	refCount        int32
	unlinkIfExpired bool
}

// SetUnlinkIfExpired sets if the key will be deleted when closed if it is
// expired.
func (k *MixKey) SetUnlinkIfExpired(b bool) {
	k.unlinkIfExpired = b
}

// PublicKeys returns the public component of the key.
func (k *MixKey) PublicKeys() *sphinx.RelayPublicKeys {
	return k.pub
}

// PrivateKeys returns the private component of the key.
func (k *MixKey) PrivateKeys() *sphinx.RelayPrivateKeys {
	return k.priv
}

// Epoch returns the epoch associated with the keypair.
func (k *MixKey) Epoch() uint64 {
	return k.epoch
}

// Deref reduces the refcount by one, and closes the key if the refcount hits
// 0.
func (k *MixKey) Deref() {
	i := atomic.AddInt32(&k.refCount, -1)
	if i == 0 {
		k.forceClose()
	} else if i < 0 {
		panic("BUG: mixkey: Refcount is negative")
	}
}

// Ref increases the refcount by one.
func (k *MixKey) Ref() {
	i := atomic.AddInt32(&k.refCount, 1)
	if i <= 1 {
		panic("BUG: mixkey: Refcount was 0 or negative")
	}
}

func (k *MixKey) forceClose() {
	k.priv.Reset()
	if k.unlinkIfExpired {
		os.Remove(k.nikePath)
		if k.kemPath != "" {
			os.Remove(k.kemPath)
		}
	}
}

// New creates (or loads) a hop key for the given epoch in the provided data
// directory.
func New(dataDir string, epoch uint64, suite *sphinx.Suite) (*MixKey, error) {
	if err := utils.EnsureDir(dataDir); err != nil {
		return nil, err
	}

	k := &MixKey{
		epoch:    epoch,
		refCount: 1,
		nikePath: filepath.Join(dataDir, fmt.Sprintf("mixkey-%d.nike.private.pem", epoch)),
	}
	if suite.KEM != nil {
		k.kemPath = filepath.Join(dataDir, fmt.Sprintf("mixkey-%d.kem.private.pem", epoch))
	}

	var err error
	switch {
	case utils.Exists(k.nikePath) && (k.kemPath == "" || utils.Exists(k.kemPath)):
		err = k.load(suite)
	case !utils.Exists(k.nikePath) && (k.kemPath == "" || !utils.Exists(k.kemPath)):
		err = k.generate(suite)
	default:
		err = fmt.Errorf("mixkey: epoch %d key files are incomplete", epoch)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (k *MixKey) load(suite *sphinx.Suite) error {
	k.pub = new(sphinx.RelayPublicKeys)
	k.priv = new(sphinx.RelayPrivateKeys)

	var err error
	if k.priv.NIKE, err = nikepem.FromPrivatePEMFile(k.nikePath, suite.NIKE); err != nil {
		return fmt.Errorf("mixkey: failed to load NIKE key: %w", err)
	}
	k.pub.NIKE = k.priv.NIKE.Public()
	if suite.KEM != nil {
		if k.priv.KEM, err = kempem.FromPrivatePEMFile(k.kemPath, suite.KEM); err != nil {
			return fmt.Errorf("mixkey: failed to load KEM key: %w", err)
		}
		k.pub.KEM = k.priv.KEM.Public()
	}
	return nil
}

func (k *MixKey) generate(suite *sphinx.Suite) error {
	var err error
	if k.pub, k.priv, err = suite.GenerateRelayKeys(); err != nil {
		return err
	}
	if err = nikepem.PrivateKeyToFile(k.nikePath, k.priv.NIKE, suite.NIKE); err != nil {
		return err
	}
	if suite.KEM != nil {
		if err = kempem.PrivateKeyToFile(k.kemPath, k.priv.KEM); err != nil {
			os.Remove(k.nikePath)
			return err
		}
	}
	return nil
}
