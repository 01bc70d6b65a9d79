// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package store persists the device identity, network key, calibration
// bounds and transmit sequence across restarts.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/security"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// ErrNotFound is returned by Load when nothing has been saved yet
var ErrNotFound = errors.New("no saved state")

// State is the persisted device record
type State struct {
	Address     rfproto.Address   `cbor:"0,keyasint"`
	Coordinator rfproto.Address   `cbor:"1,keyasint"`
	Key         security.Key      `cbor:"2,keyasint"`
	Bounds      *valve.Bounds     `cbor:"3,keyasint,omitempty"`
	Sequence    uint16            `cbor:"4,keyasint"`
	Setpoint    valve.Temperature `cbor:"5,keyasint,omitempty"`
}

// File stores State as a CBOR file. Writes go to a temporary file that is
// renamed over the original, so a power loss leaves either the old or the
// new record.
type File struct {
	path  string
	mu    sync.Mutex
	state State
}

// Open returns a File at path and loads any existing record. A missing file
// is not an error.
func Open(path string) (*File, error) {
	f := &File{path: path}
	if _, err := f.Load(); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file path
func (f *File) Path() string {
	return f.path
}

// Load reads the record from disk
func (f *File) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	var s State
	if err := cbor.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", f.path, err)
	}
	f.state = s
	return s, nil
}

// State returns the last loaded or saved record
func (f *File) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Save replaces the whole record
func (f *File) Save(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(s)
}

// Update applies fn to the current record and saves the result
func (f *File) Update(fn func(*State)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state
	fn(&s)
	return f.writeLocked(s)
}

// SaveSequence records the last transmitted sequence number
func (f *File) SaveSequence(seq uint16) error {
	return f.Update(func(s *State) { s.Sequence = seq })
}

// SaveBounds records calibrated valve bounds
func (f *File) SaveBounds(b valve.Bounds) error {
	return f.Update(func(s *State) { s.Bounds = &b })
}

// SaveSetpoint records the active setpoint
func (f *File) SaveSetpoint(t valve.Temperature) error {
	return f.Update(func(s *State) { s.Setpoint = t })
}

func (f *File) writeLocked(s State) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	f.state = s
	return nil
}

// Memory is an in-process store for simulation and tests
type Memory struct {
	mu    sync.Mutex
	state State
	saves int
}

// Load returns the stored record
func (m *Memory) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Update applies fn to the record
func (m *Memory) Update(fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	m.saves++
	return nil
}

// SaveSequence records the last transmitted sequence number
func (m *Memory) SaveSequence(seq uint16) error {
	return m.Update(func(s *State) { s.Sequence = seq })
}

// SaveBounds records calibrated valve bounds
func (m *Memory) SaveBounds(b valve.Bounds) error {
	return m.Update(func(s *State) { s.Bounds = &b })
}

// SaveSetpoint records the active setpoint
func (m *Memory) SaveSetpoint(t valve.Temperature) error {
	return m.Update(func(s *State) { s.Setpoint = t })
}

// Saves returns the number of writes
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
