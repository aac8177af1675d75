// crypto_worker.go - Relay packet processing worker.
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

// Package cryptoworker implements the relay's inbound packet processing.
package cryptoworker

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/mixkey"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

// KeyGracePeriod is how long into an epoch the previous epoch's hop key is
// still accepted.
const KeyGracePeriod = 2 * time.Minute

var errNoKey = errors.New("crypto: no hop key for epoch")

// Worker unwraps inbound packets and routes them.
type Worker struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	inCh     <-chan *packet.Packet
	mixKeys  map[uint64]*mixkey.MixKey
	updateCh chan bool
}

// UpdateMixKeys makes the worker refresh its copy of the hop keys.
func (w *Worker) UpdateMixKeys() {
	// This is a blocking call, because bad things will happen if the keys
	// happen to get out of sync.
	select {
	case w.updateCh <- true:
	case <-w.HaltCh():
	}
}

// candidateEpochs returns the epochs whose hop keys may be used to unwrap a
// packet right now, most likely first.
func (w *Worker) candidateEpochs() []uint64 {
	if e := w.glue.Config().Debug.StaticEpoch; e != 0 {
		return []uint64{e}
	}
	epoch, elapsed, _ := epochtime.NowFrom(w.glue.Clock())
	if elapsed < KeyGracePeriod && epoch > 0 {
		return []uint64{epoch, epoch - 1}
	}
	return []uint64{epoch}
}

func (w *Worker) doUnwrap(pkt *packet.Packet) error {
	g := w.glue.Geometry()
	windows := w.glue.ReplayWindows()

	lastErr := errNoKey
	for _, epoch := range w.candidateEpochs() {
		k, ok := w.mixKeys[epoch]
		if !ok {
			continue
		}
		filter, ok := windows.Window(epoch)
		if !ok {
			continue
		}

		res, err := g.Unwrap(k.PrivateKeys(), pkt.Raw, filter)
		if err != nil {
			// A packet for another epoch's key fails to match, so try the
			// next key, but anything past trial decryption is final.
			lastErr = err
			if errors.Is(err, sphinx.ErrNoMatch) {
				continue
			}
			return err
		}
		pkt.Set(res)
		return nil
	}
	return lastErr
}

func (w *Worker) worker() {
	defer w.derefKeys()

	dispatcher := w.glue.Dispatcher()
	connector := w.glue.Connector()
	for {
		var pkt *packet.Packet

		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case <-w.updateCh:
			w.log.Debugf("Updating mix keys.")
			w.glue.MixKeys().Shadow(w.mixKeys)
			continue
		case pkt = <-w.inCh:
		}

		// Every failure is handled identically.
		if err := w.doUnwrap(pkt); err != nil {
			w.log.Debugf("Dropping packet: %v", pkt.ID)
			instrument.PacketsDropped()
			pkt.Dispose()
			continue
		}

		switch {
		case pkt.MustForward:
			w.log.Debugf("Dispatching packet: %v", pkt.ID)
			connector.DispatchPacket(pkt)
		case pkt.MustTerminate:
			w.log.Debugf("Delivering packet: %v", pkt.ID)
			instrument.PacketsDelivered(pkt.MessageType.String())
			dispatcher.OnPacket(pkt)
		default:
			panic("BUG: unwrapped packet is neither forwarded nor delivered")
		}
	}

	// NOTREACHED
}

func (w *Worker) derefKeys() {
	for k, v := range w.mixKeys {
		v.Deref()
		delete(w.mixKeys, k)
	}
}

// New constructs and starts a new Worker instance reading packets from
// inCh.
func New(glue glue.Glue, id int, inCh <-chan *packet.Packet) *Worker {
	w := &Worker{
		glue:     glue,
		log:      glue.LogBackend().GetLogger(fmt.Sprintf("crypto:%d", id)),
		inCh:     inCh,
		mixKeys:  make(map[uint64]*mixkey.MixKey),
		updateCh: make(chan bool),
	}
	w.glue.MixKeys().Shadow(w.mixKeys)
	w.Go(w.worker)
	return w
}
