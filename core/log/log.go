// log.go - Logging backend.
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

// Package log is the relay's logging backend.  Every component logs
// through a per-module go-logging logger sharing one Backend, which can be
// reopened on SIGHUP.
package log

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const (
	recordFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"
	fileMode     = 0600
)

// Backend is the shared log sink.  It implements logging.LeveledBackend.
type Backend struct {
	sync.RWMutex

	leveled logging.LeveledBackend
	sink    io.WriteCloser

	path    string
	fixed   io.Writer
	level   logging.Level
	disable bool
}

// New creates a Backend writing to the file at path, or to stdout if path
// is empty.
func New(path string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{path: path, level: lvl, disable: disable}
	if err = b.reopen(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWriter creates a Backend writing to w.  Rotate is a no-op for it.
func NewWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{fixed: w, level: lvl}
	if err = b.reopen(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) reopen() error {
	switch {
	case b.disable:
		b.sink = nopCloser{io.Discard}
	case b.fixed != nil:
		b.sink = nopCloser{b.fixed}
	case b.path == "":
		b.sink = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to open '%v': %v", b.path, err)
		}
		b.sink = f
	}

	formatter := logging.MustStringFormatter(recordFormat)
	b.leveled = logging.AddModuleLevel(logging.NewBackendFormatter(logging.NewLogBackend(b.sink, "", 0), formatter))
	b.leveled.SetLevel(b.level, "")
	return nil
}

// Rotate closes and reopens the log file.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if b.path == "" || b.disable {
		return nil
	}
	if err := b.sink.Close(); err != nil {
		return err
	}
	return b.reopen()
}

func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns the logger for module.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a standard library logger for module, logging every
// line at level.  It is handed to net/http and quic-go as their error log.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("BUG: log: " + err.Error())
	}
	return goLog.New(&lineWriter{l: b.GetLogger(module), level: lvl}, "", 0)
}

// ParseLevel parses a level name, case insensitively.
func ParseLevel(l string) (logging.Level, error) {
	lvl, err := logging.LogLevel(strings.ToUpper(l))
	if err != nil || lvl == logging.CRITICAL {
		return 0, fmt.Errorf("log: invalid level: '%v'", l)
	}
	return lvl, nil
}

// IsValidLevel returns true iff l names a supported level.
func IsValidLevel(l string) bool {
	_, err := ParseLevel(l)
	return err == nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type lineWriter struct {
	l     *logging.Logger
	level logging.Level
}

func (w *lineWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	switch w.level {
	case logging.ERROR:
		w.l.Error(line)
	case logging.WARNING:
		w.l.Warning(line)
	case logging.NOTICE:
		w.l.Notice(line)
	case logging.INFO:
		w.l.Info(line)
	default:
		w.l.Debug(line)
	}
	return len(p), nil
}
