// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

const defaultApplicationName = "quorumnet.relay"

// Config selects where profiles are pushed.
type Config struct {
	ServerAddress   string
	ApplicationName string

	// Identifier and QuorumMember become profile tags, so profiles of
	// quorum members can be told apart from plain relays.
	Identifier   string
	QuorumMember bool
}

func (cfg *Config) applicationName() string {
	if cfg.ApplicationName == "" {
		return defaultApplicationName
	}
	return cfg.ApplicationName
}

func (cfg *Config) tags() map[string]string {
	tags := map[string]string{"role": "relay"}
	if cfg.QuorumMember {
		tags["role"] = "quorum"
	}
	if cfg.Identifier != "" {
		tags["relay"] = cfg.Identifier
	}
	return tags
}

// Stopper stops a running profiler.
type Stopper interface {
	Stop() error
}

type nopStopper struct{}

func (nopStopper) Stop() error { return nil }
