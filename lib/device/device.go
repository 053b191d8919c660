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

// Package device is the adapter between the location service and the
// fingerprint terminals. Each terminal rejects concurrent sessions, so
// every operation on one device serializes through its mutex; across
// devices operations run in parallel. Connections are opened lazily,
// pinged before reuse, discarded on any protocol failure and closed
// after an idle interval.
package device

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
)

// User is one entry of a terminal's user table.
type User struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	CardNo    string `json:"card_no,omitempty"`
	Privilege int    `json:"privilege,omitempty"`
}

// Info describes a terminal.
type Info struct {
	Model          string    `json:"model,omitempty"`
	Serial         string    `json:"serial,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	Firmware       string    `json:"firmware,omitempty"`
	UserCapacity   int       `json:"user_capacity,omitempty"`
	RecordCapacity int       `json:"record_capacity,omitempty"`
	DeviceTime     time.Time `json:"device_time,omitzero"`
}

// Connector is one session with a terminal. Implementations are not safe
// for concurrent use; the Device serializes access.
type Connector interface {
	// Connect establishes the session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// Ping verifies the session is still usable.
	Ping(ctx context.Context) error
	// Users reads the terminal's user table.
	Users(ctx context.Context) ([]User, error)
	// Attendance reads punch events within the inclusive date range.
	Attendance(ctx context.Context, start, end time.Time) ([]attendance.Event, error)
	// Info reads the terminal description registers.
	Info(ctx context.Context) (*Info, error)
}

// DialFunc builds a Connector for a terminal address.
type DialFunc func(name, ip string, port int, password int) Connector

// State is the observed reachability of a terminal.
type State int

const (
	// StateUnknown means no operation has been attempted yet.
	StateUnknown State = iota
	// StateReachable means the last operation succeeded.
	StateReachable
	// StateUnreachable means the last operation failed. Recovery is
	// attempted on the next call.
	StateUnreachable
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateReachable:
		return "reachable"
	case StateUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// Config describes one terminal.
type Config struct {
	Name     string
	IP       string
	Port     int
	Password int
}

// Device owns the single serialized session to one terminal.
type Device struct {
	cfg   Config
	dial  DialFunc
	clock clockwork.Clock
	log   *slog.Logger

	mu       sync.Mutex
	conn     Connector
	state    State
	lastUsed time.Time
}

// Manager holds the devices of one location.
type Manager struct {
	devices map[string]*Device
	names   []string
	clock   clockwork.Clock
}

// ManagerConfig holds the manager parameters.
type ManagerConfig struct {
	// Devices are the configured terminals.
	Devices []Config
	// Dial builds connectors; tests inject fakes here.
	Dial DialFunc
	// Clock drives idle accounting, real time if unset.
	Clock clockwork.Clock
	// Log receives adapter events.
	Log *slog.Logger
}

// NewManager returns a Manager for the given terminals.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, trace.BadParameter("missing dial function")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentDevice)
	}
	m := &Manager{devices: make(map[string]*Device, len(cfg.Devices)), clock: cfg.Clock}
	for _, dc := range cfg.Devices {
		if dc.Name == "" {
			return nil, trace.BadParameter("device with empty name")
		}
		if _, ok := m.devices[dc.Name]; ok {
			return nil, trace.BadParameter("duplicate device name %q", dc.Name)
		}
		m.devices[dc.Name] = &Device{
			cfg:   dc,
			dial:  cfg.Dial,
			clock: cfg.Clock,
			log:   cfg.Log.With("device", dc.Name),
		}
		m.names = append(m.names, dc.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

// Names returns the configured device names, sorted.
func (m *Manager) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Device returns the named device.
func (m *Manager) Device(name string) (*Device, error) {
	d, ok := m.devices[name]
	if !ok {
		return nil, trace.NotFound("device %q is not configured", name)
	}
	return d, nil
}

// Run closes idle connections until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(defaults.DeviceIdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, d := range m.devices {
				d.closeIfIdle(ctx)
			}
		}
	}
}

// Name returns the configured device name.
func (d *Device) Name() string { return d.cfg.Name }

// Addr returns the terminal address as ip and port.
func (d *Device) Addr() (string, int) { return d.cfg.IP, d.cfg.Port }

// State returns the observed reachability.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Users reads the terminal's user table.
func (d *Device) Users(ctx context.Context) ([]User, error) {
	var users []User
	err := d.do(ctx, defaults.DeviceReadTimeout, func(ctx context.Context, conn Connector) error {
		var err error
		users, err = conn.Users(ctx)
		return err
	})
	return users, trace.Wrap(err)
}

// Attendance reads punch events within the inclusive date range.
func (d *Device) Attendance(ctx context.Context, start, end time.Time) ([]attendance.Event, error) {
	var events []attendance.Event
	err := d.do(ctx, defaults.DeviceReadTimeout, func(ctx context.Context, conn Connector) error {
		var err error
		events, err = conn.Attendance(ctx, start, end)
		return err
	})
	return events, trace.Wrap(err)
}

// Info reads the terminal description registers.
func (d *Device) Info(ctx context.Context) (*Info, error) {
	var info *Info
	err := d.do(ctx, defaults.DeviceReadTimeout, func(ctx context.Context, conn Connector) error {
		var err error
		info, err = conn.Info(ctx)
		return err
	})
	return info, trace.Wrap(err)
}

// Reachable probes the terminal with the short ping timeout. Used by
// health checks; there is no background probing.
func (d *Device) Reachable(ctx context.Context) bool {
	err := d.do(ctx, defaults.DevicePingTimeout, func(ctx context.Context, conn Connector) error {
		return conn.Ping(ctx)
	})
	return err == nil
}

// do runs one operation against the terminal under the device mutex.
// Timeouts are retried once; any failure discards the pooled connection.
func (d *Device) do(ctx context.Context, opTimeout time.Duration, fn func(context.Context, Connector) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.doLocked(ctx, opTimeout, fn)
	if err != nil && IsTimeout(err) && ctx.Err() == nil {
		d.log.DebugContext(ctx, "device operation timed out, retrying once")
		err = d.doLocked(ctx, opTimeout, fn)
	}
	if err != nil {
		d.state = StateUnreachable
		return trace.Wrap(err)
	}
	d.state = StateReachable
	d.lastUsed = d.clock.Now()
	return nil
}

func (d *Device) doLocked(ctx context.Context, opTimeout time.Duration, fn func(context.Context, Connector) error) error {
	conn, err := d.acquireConn(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := fn(opCtx, conn); err != nil {
		d.discardConn(ctx)
		return NewError(d.cfg.Name, KindProtocol, err)
	}
	return nil
}

// acquireConn returns the pooled connection, pinging it before reuse, or
// opens a fresh one. Called with the mutex held.
func (d *Device) acquireConn(ctx context.Context) (Connector, error) {
	if d.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, defaults.DevicePingTimeout)
		err := d.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			return d.conn, nil
		}
		d.log.DebugContext(ctx, "pooled connection failed ping, reconnecting", "error", err)
		d.discardConn(ctx)
	}

	conn := d.dial(d.cfg.Name, d.cfg.IP, d.cfg.Port, d.cfg.Password)
	dialCtx, cancel := context.WithTimeout(ctx, defaults.DeviceDialTimeout)
	defer cancel()
	if err := conn.Connect(dialCtx); err != nil {
		return nil, NewError(d.cfg.Name, KindUnreachable, err)
	}
	d.conn = conn
	return conn, nil
}

// discardConn drops the pooled connection. Called with the mutex held.
func (d *Device) discardConn(ctx context.Context) {
	if d.conn == nil {
		return
	}
	discCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.DevicePingTimeout)
	defer cancel()
	_ = d.conn.Disconnect(discCtx)
	d.conn = nil
}

// closeIfIdle disconnects the pooled connection after the idle TTL.
func (d *Device) closeIfIdle(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return
	}
	if d.clock.Now().Sub(d.lastUsed) >= defaults.DeviceIdleTTL {
		d.log.DebugContext(ctx, "closing idle device connection")
		d.discardConn(ctx)
	}
}
