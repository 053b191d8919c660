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

package device

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// fakeConn is a scriptable Connector.
type fakeConn struct {
	mu sync.Mutex

	connects    int
	disconnects int
	pings       int
	userCalls   int

	connectErr error
	pingErr    error
	usersErr   error
	// usersErrOnce fails the next Users call only.
	usersErrOnce error

	users  []User
	events []attendance.Event

	inFlight   int
	overlapped bool
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConn) Users(ctx context.Context) ([]User, error) {
	f.mu.Lock()
	f.userCalls++
	f.inFlight++
	if f.inFlight > 1 {
		f.overlapped = true
	}
	err := f.usersErr
	if f.usersErrOnce != nil {
		err = f.usersErrOnce
		f.usersErrOnce = nil
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.users, nil
}

func (f *fakeConn) Attendance(ctx context.Context, start, end time.Time) ([]attendance.Event, error) {
	return f.events, nil
}

func (f *fakeConn) Info(ctx context.Context) (*Info, error) {
	return &Info{Model: "ZK-F18"}, nil
}

func newTestManager(t *testing.T, conn *fakeConn, clock clockwork.Clock) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Devices: []Config{{Name: "gate", IP: "10.0.0.50", Port: 4370, Password: 0}},
		Dial:    func(name, ip string, port, password int) Connector { return conn },
		Clock:   clock,
	})
	require.NoError(t, err)
	return m
}

func TestDeviceLazyConnectAndReuse(t *testing.T) {
	conn := &fakeConn{users: []User{{UserID: "u1", Name: "Alice"}}}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)
	require.Equal(t, StateUnknown, d.State())

	users, err := d.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, StateReachable, d.State())
	require.Equal(t, 1, conn.connects)

	// Second call reuses the session after a ping.
	_, err = d.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, conn.connects)
	require.Equal(t, 1, conn.pings)
}

func TestDeviceReconnectsOnFailedPing(t *testing.T) {
	conn := &fakeConn{}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)

	_, err = d.Users(context.Background())
	require.NoError(t, err)

	conn.pingErr = errors.New("session dropped")
	_, err = d.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, conn.connects)
	require.Equal(t, 1, conn.disconnects)
}

func TestDeviceUnreachable(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("connection refused")}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)

	_, err = d.Users(context.Background())
	require.Error(t, err)
	require.True(t, IsUnreachable(err))
	require.Equal(t, StateUnreachable, d.State())

	// Recovery is attempted on the next call, not in the background.
	conn.connectErr = nil
	_, err = d.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReachable, d.State())
}

func TestDeviceProtocolErrorDiscardsConnection(t *testing.T) {
	conn := &fakeConn{usersErr: errors.New("bad reply header")}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)

	_, err = d.Users(context.Background())
	require.Error(t, err)
	require.True(t, IsProtocol(err))
	require.NotZero(t, conn.disconnects)
	require.Equal(t, StateUnreachable, d.State())
}

func TestDeviceTimeoutRetriedOnce(t *testing.T) {
	conn := &fakeConn{usersErrOnce: context.DeadlineExceeded}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)

	_, err = d.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, conn.userCalls)

	// Persistent timeouts fail after exactly one retry.
	conn.usersErr = context.DeadlineExceeded
	before := conn.userCalls
	_, err = d.Users(context.Background())
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.Equal(t, before+2, conn.userCalls)
}

func TestDeviceOperationsSerialize(t *testing.T) {
	conn := &fakeConn{}
	m := newTestManager(t, conn, clockwork.NewFakeClockAt(time.Now()))
	d, err := m.Device("gate")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Users(context.Background())
		}()
	}
	wg.Wait()
	require.False(t, conn.overlapped, "operations on one device must not overlap")
}

func TestManagerUnknownDevice(t *testing.T) {
	m := newTestManager(t, &fakeConn{}, clockwork.NewFakeClockAt(time.Now()))
	_, err := m.Device("basement")
	require.Error(t, err)
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	_, err := NewManager(ManagerConfig{
		Devices: []Config{
			{Name: "gate", IP: "10.0.0.50", Port: 4370},
			{Name: "gate", IP: "10.0.0.51", Port: 4370},
		},
		Dial: func(name, ip string, port, password int) Connector { return &fakeConn{} },
	})
	require.Error(t, err)
}
