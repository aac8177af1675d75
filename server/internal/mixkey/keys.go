// keys.go - Epoch indexed relay hop key set.
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

package mixkey

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// NumMixKeys is the number of epochs, starting from the current one, for
// which keys are kept generated ahead of time.
const NumMixKeys = 2

// Keys is the set of a relay's hop keys indexed by epoch.
type Keys struct {
	sync.Mutex

	log     *logging.Logger
	dataDir string
	suite   *sphinx.Suite

	keys map[uint64]*MixKey
}

// Generate ensures keys exist for baseEpoch and the following epochs, and
// returns true iff any key was generated.
func (m *Keys) Generate(baseEpoch uint64) (bool, error) {
	didGenerate := false

	m.Lock()
	defer m.Unlock()
	for e := baseEpoch; e < baseEpoch+NumMixKeys; e++ {
		// Skip keys that we already have.
		if _, ok := m.keys[e]; ok {
			continue
		}

		didGenerate = true
		k, err := New(m.dataDir, e, m.suite)
		if err != nil {
			// Clean up whatever keys that may have succeeded.
			for ee := baseEpoch; ee < baseEpoch+NumMixKeys; ee++ {
				if kk, ok := m.keys[ee]; ok {
					kk.Deref()
					delete(m.keys, ee)
				}
			}
			return false, err
		}
		k.SetUnlinkIfExpired(true)
		m.keys[e] = k
	}

	return didGenerate, nil
}

// Prune discards keys older than the epoch before epoch, and returns true
// iff any key was discarded.
func (m *Keys) Prune(epoch uint64) bool {
	didPrune := false

	m.Lock()
	defer m.Unlock()

	for idx, v := range m.keys {
		if idx+1 < epoch {
			m.log.Debugf("Purging expired key for epoch: %v", idx)
			v.Deref()
			delete(m.keys, idx)
			didPrune = true
		}
	}

	return didPrune
}

// Get returns the key for epoch.  The caller must Deref the key when done.
func (m *Keys) Get(epoch uint64) (*MixKey, bool) {
	m.Lock()
	defer m.Unlock()

	k, ok := m.keys[epoch]
	if ok {
		k.Ref()
	}
	return k, ok
}

// Shadow updates dst to mirror the key set, adjusting refcounts, so that
// workers can use a private copy without holding the lock.
func (m *Keys) Shadow(dst map[uint64]*MixKey) {
	m.Lock()
	defer m.Unlock()

	// Purge the keys no longer listed from dst.
	for k, v := range dst {
		if _, ok := m.keys[k]; !ok {
			v.Deref()
			delete(dst, k)
		}
	}

	// Add newly listed keys to dst and bump up the refcount.
	for k, v := range m.keys {
		if _, ok := dst[k]; !ok {
			v.Ref()
			dst[k] = v
		}
	}
}

// Halt releases every key.
func (m *Keys) Halt() {
	m.Lock()
	defer m.Unlock()

	for k, v := range m.keys {
		v.Deref()
		delete(m.keys, k)
	}
}

// NewKeys creates the key set and generates keys starting at epoch.
func NewKeys(log *logging.Logger, dataDir string, suite *sphinx.Suite, epoch uint64) (*Keys, error) {
	m := &Keys{
		log:     log,
		dataDir: dataDir,
		suite:   suite,
		keys:    make(map[uint64]*MixKey),
	}

	if _, err := m.Generate(epoch); err != nil {
		return nil, err
	}

	return m, nil
}
