// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !windows

// Package compat papers over platform differences the binaries care about.
package compat

import "syscall"

// Umask sets the process umask, returning the previous value.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
