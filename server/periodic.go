// periodic.go - Quorumnet relay periodic timer.
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

package server

import (
	"time"

	"github.com/katzenpost/quorumnet/core/worker"
)

// refreshInterval is how often the descriptor and the quorum are
// refreshed within an epoch.
var refreshInterval = 30 * time.Second

type periodicTimer struct {
	worker.Worker

	s         *Server
	refreshCh chan uint64
}

func (t *periodicTimer) halt() {
	t.Halt()
}

// kick schedules a refresh for epoch, unless one is already pending.
func (t *periodicTimer) kick(epoch uint64) {
	select {
	case t.refreshCh <- epoch:
	default:
	}
}

func (t *periodicTimer) worker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastCallbackTime := time.Now()
	lastRefresh := lastCallbackTime
	var lastEpoch uint64

	for {
		select {
		case <-t.HaltCh():
			return
		case <-ticker.C:
		}

		// Do periodic housekeeping tasks at a rate of approximately 1 Hz.
		//
		// WARNING: None of the operations done here should block.  Anything
		// long lived is handed to the refresh worker.

		// Ensure civil time sanity.
		now := time.Now()
		deltaT := now.Sub(lastCallbackTime)
		if deltaT < 0 {
			t.s.log.Warningf("Civil time jumped backwards: %v", deltaT)
		} else if deltaT > 2*time.Second {
			t.s.log.Warningf("Civil time jumped forward: %v", deltaT)
		}

		if epoch := t.s.epoch(); epoch != lastEpoch {
			t.s.onEpoch(epoch)
			lastEpoch = epoch
			lastRefresh = now
			t.kick(epoch)
		} else if now.Sub(lastRefresh) >= refreshInterval {
			lastRefresh = now
			t.kick(epoch)
		}

		// Stash the time we got unblocked as the last callback time.
		lastCallbackTime = now
	}
}

func (t *periodicTimer) refreshWorker() {
	for {
		var epoch uint64
		select {
		case <-t.HaltCh():
			return
		case epoch = <-t.refreshCh:
		}
		t.s.refresh(t.Context(), epoch)
	}
}

func newPeriodicTimer(s *Server) *periodicTimer {
	t := &periodicTimer{
		s:         s,
		refreshCh: make(chan uint64, 1),
	}
	t.Go(t.worker)
	t.Go(t.refreshWorker)
	return t
}
