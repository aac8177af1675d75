// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build windows

package compat

// Umask is a no-op on Windows.
func Umask(mask int) int {
	return 0
}
