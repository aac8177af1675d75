// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling pushes continuous profiles of the relay to Pyroscope.
// Builds without the pyroscope tag only log that profiling is unavailable.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing in this build.
func Start(cfg *Config, log *logging.Logger) (Stopper, error) {
	if cfg.ServerAddress != "" {
		log.Warningf("Profiling to %s requested, but this relay was built without the pyroscope tag.", cfg.ServerAddress)
	}
	return nopStopper{}, nil
}
