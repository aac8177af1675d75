// time.go - Epoch time.
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

// Package epochtime implements the network epoch clock.
//
// Replay windows, relay hop keys and quorum membership are all scoped to
// an epoch, so every node must agree on where epoch boundaries fall.
package epochtime

import "time"

// Period is the duration of a single epoch.
var Period = 20 * time.Minute

// WarpedEpoch is set to "true" at link time to shorten epochs for testing.
var WarpedEpoch string

// Epoch is the network epoch base time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a source of the current time.  Components that are scoped to
// an epoch take a Clock so that tests can drive epoch rollover.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock is the system clock.
var WallClock Clock = wallClock{}

// Now returns the current epoch, time since the start of the current
// epoch, and time till the next epoch.
func Now() (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Now())
}

// NowFrom is Now with an explicit Clock.
func NowFrom(c Clock) (current uint64, elapsed, till time.Duration) {
	return getEpoch(c.Now())
}

// IsInEpoch returns true iff the epoch e contains the time t, measured in
// seconds since the UNIX epoch.
func IsInEpoch(e uint64, t uint64) bool {
	startTime := StartOf(e)
	endTime := StartOf(e + 1)
	tt := time.Unix(int64(t), 0)

	if tt.Equal(startTime) {
		return true
	}
	return tt.After(startTime) && tt.Before(endTime)
}

// StartOf returns the wall clock time at which epoch e begins.
func StartOf(e uint64) time.Time {
	return Epoch.Add(time.Duration(e) * Period)
}

// FromUnix returns the epoch, time since the start of the epoch, and time
// till the next epoch for a given UNIX time in seconds.
func FromUnix(t int64) (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Unix(t, 0))
}

func getEpoch(t time.Time) (current uint64, elapsed, till time.Duration) {
	fromEpoch := t.Sub(Epoch)
	if fromEpoch < 0 {
		panic("epochtime: BUG: time appears to predate the epoch")
	}

	current = uint64(fromEpoch / Period)

	base := StartOf(current)
	elapsed = t.Sub(base)
	till = base.Add(Period).Sub(t)
	return
}

func init() {
	if WarpedEpoch == "true" {
		Period = 2 * time.Minute
	}
}
