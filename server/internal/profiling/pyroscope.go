// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

// Package profiling pushes continuous profiles of the relay to Pyroscope.
package profiling

import (
	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start starts pushing profiles.  It does nothing if cfg has no server
// address.
func Start(cfg *Config, log *logging.Logger) (Stopper, error) {
	if cfg.ServerAddress == "" {
		log.Debug("Profiling is not configured.")
		return nopStopper{}, nil
	}
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.applicationName(),
		ServerAddress:   cfg.ServerAddress,
		Logger:          &pyroscopeLogger{log},
		Tags:            cfg.tags(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Pushing profiles of %s to %s.", cfg.applicationName(), cfg.ServerAddress)
	return p, nil
}

type pyroscopeLogger struct {
	l *logging.Logger
}

func (p *pyroscopeLogger) Infof(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p *pyroscopeLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pyroscopeLogger) Errorf(format string, args ...interface{}) { p.l.Warningf(format, args...) }
