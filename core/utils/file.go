// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small filesystem helpers shared by the daemon and
// the key generation tool.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists returns true if f exists.  Errors other than non-existence are
// treated as fatal.
func Exists(f string) bool {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		panic(err)
	}
}

// BothExists returns true if both a and b exist.
func BothExists(a, b string) bool {
	return Exists(a) && Exists(b)
}

// BothNotExists returns true if neither a nor b exist.
func BothNotExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}

// EnsureDir makes sure d exists, is a directory and is only accessible by
// the owner, creating it if needed.
func EnsureDir(d string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", d)
	}
	if fi.Mode() != dirMode {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}
	return nil
}
