// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
)

// Store hands out the current configuration snapshot. Readers get a
// consistent immutable snapshot; Reload swaps the pointer so a torn mix
// of old and new values is never observable.
type Store struct {
	load func() (*Snapshot, error)
	log  *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore loads the initial snapshot through load and keeps load around
// for reloads.
func NewStore(load func() (*Snapshot, error)) (*Store, error) {
	s := &Store{
		load: load,
		log:  slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentConfig),
	}
	snap, err := load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from disk and environment. On validation
// failure the active snapshot stays in place.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		s.log.Error("configuration reload failed, keeping the active snapshot", "error", err)
		return trace.Wrap(err)
	}
	s.current.Store(snap)
	s.log.Info("configuration reloaded",
		"role", snap.Role, "devices", len(snap.Devices), "locations", len(snap.Locations))
	return nil
}
