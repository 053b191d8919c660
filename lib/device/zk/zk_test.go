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

package zk

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func encodeTime(t time.Time) uint32 {
	return uint32(((t.Year()-2000)*12*31+(int(t.Month())-1)*31+t.Day()-1)*24*60*60 +
		t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func TestTimeCodec(t *testing.T) {
	for _, tc := range []time.Time{
		time.Date(2025, 1, 6, 9, 30, 0, 0, time.Local),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2031, 12, 31, 23, 59, 59, 0, time.Local),
	} {
		require.Equal(t, tc, decodeTime(encodeTime(tc)))
	}
}

func TestChecksum(t *testing.T) {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint16(payload[0:2], cmdConnect)
	sum := checksum(payload)
	binary.LittleEndian.PutUint16(payload[2:4], sum)

	// Verification zeroes the checksum field and recomputes.
	scratch := make([]byte, len(payload))
	copy(scratch, payload)
	scratch[2], scratch[3] = 0, 0
	require.Equal(t, sum, checksum(scratch))

	// A flipped payload byte must change the sum.
	scratch[8] ^= 0x01
	require.NotEqual(t, sum, checksum(scratch))
}

func TestPunchMapping(t *testing.T) {
	require.Equal(t, attendance.PunchIn, punchType(0))
	require.Equal(t, attendance.PunchOut, punchType(1))
	require.Equal(t, attendance.PunchOther, punchType(8))
	require.Equal(t, attendance.PunchUnknown, punchType(255))
}

// fakeTerminal serves the wire protocol on a local listener.
type fakeTerminal struct {
	listener net.Listener
	users    [][]byte
	attlog   [][]byte
	// sessionID handed out on connect.
	sessionID uint16
	// authRequired makes connect answer unauthorized until the comm key
	// command arrives.
	authRequired bool

	authed bool
}

func startFakeTerminal(t *testing.T, ft *fakeTerminal) (ip string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ft.listener = l
	t.Cleanup(func() { l.Close() })
	go ft.serve()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (ft *fakeTerminal) serve() {
	conn, err := ft.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		cmd := binary.LittleEndian.Uint16(req[0:2])
		replyID := binary.LittleEndian.Uint16(req[6:8])
		switch cmd {
		case cmdConnect:
			if ft.authRequired && !ft.authed {
				writeFrame(conn, cmdAckUnauth, ft.sessionID, replyID, nil)
			} else {
				writeFrame(conn, cmdAckOK, ft.sessionID, replyID, nil)
			}
		case cmdAuth:
			ft.authed = true
			writeFrame(conn, cmdAckOK, ft.sessionID, replyID, nil)
		case cmdGetTime:
			now := make([]byte, 4)
			binary.LittleEndian.PutUint32(now, encodeTime(time.Now()))
			writeFrame(conn, cmdAckOK, ft.sessionID, replyID, now)
		case cmdDataWRRQ:
			// Byte 9 discriminates the requested table: 0x09 selects
			// the user table, 0x0d the attendance log.
			isUsers := req[9] == 0x09
			var records [][]byte
			if isUsers {
				records = ft.users
			} else {
				records = ft.attlog
			}
			var body []byte
			for _, rec := range records {
				body = append(body, rec...)
			}
			data := make([]byte, 4+len(body))
			binary.LittleEndian.PutUint32(data[0:4], uint32(len(body)))
			copy(data[4:], body)
			if len(ft.attlog) > 0 && !isUsers {
				// Exercise the chunked path for the attendance log.
				prep := make([]byte, 4)
				binary.LittleEndian.PutUint32(prep, uint32(len(data)))
				writeFrame(conn, cmdPrepareData, ft.sessionID, replyID, prep)
				writeFrame(conn, cmdData, ft.sessionID, replyID, data[:6])
				writeFrame(conn, cmdData, ft.sessionID, replyID, data[6:])
			} else {
				writeFrame(conn, cmdAckData, ft.sessionID, replyID, data)
			}
		case cmdFreeData, cmdExit:
			writeFrame(conn, cmdAckOK, ft.sessionID, replyID, nil)
		default:
			writeFrame(conn, cmdAckError, ft.sessionID, replyID, nil)
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFrame(conn net.Conn, cmd, sessionID, replyID uint16, data []byte) {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], cmd)
	binary.LittleEndian.PutUint16(payload[4:6], sessionID)
	binary.LittleEndian.PutUint16(payload[6:8], replyID)
	copy(payload[8:], data)
	binary.LittleEndian.PutUint16(payload[2:4], checksum(payload))

	frame := make([]byte, 8+len(payload))
	copy(frame[0:4], tcpHeader)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	conn.Write(frame)
}

func userRecord(uid uint16, userID, name string, privilege byte) []byte {
	rec := make([]byte, userRecordSize)
	binary.LittleEndian.PutUint16(rec[0:2], uid)
	rec[2] = privilege
	copy(rec[11:35], name)
	copy(rec[48:72], userID)
	return rec
}

func attRecord(userID string, ts time.Time, punch byte) []byte {
	rec := make([]byte, attRecordSize)
	copy(rec[2:26], userID)
	binary.LittleEndian.PutUint32(rec[27:31], encodeTime(ts))
	rec[31] = punch
	return rec
}

func TestClientReadsUserTable(t *testing.T) {
	ft := &fakeTerminal{
		sessionID: 0x1234,
		users: [][]byte{
			userRecord(1, "1001", "Alice", 0),
			userRecord(2, "1002", "Bob", 14),
		},
	}
	ip, port := startFakeTerminal(t, ft)

	c := Dial("gate", ip, port, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	require.NoError(t, c.Ping(ctx))

	users, err := c.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "1001", users[0].UserID)
	require.Equal(t, "Alice", users[0].Name)
	require.Equal(t, 14, users[1].Privilege)
}

func TestClientReadsAttendanceChunked(t *testing.T) {
	monday := time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local)
	ft := &fakeTerminal{
		sessionID: 0x0042,
		attlog: [][]byte{
			attRecord("1001", monday.Add(8*time.Hour+5*time.Minute), 0),
			attRecord("1001", monday.Add(17*time.Hour+10*time.Minute), 1),
			// Outside the requested range, must be filtered out.
			attRecord("1001", monday.AddDate(0, 0, 7), 0),
		},
	}
	ip, port := startFakeTerminal(t, ft)

	c := Dial("gate", ip, port, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	events, err := c.Attendance(ctx, monday, monday)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, attendance.PunchIn, events[0].Punch)
	require.Equal(t, attendance.PunchOut, events[1].Punch)
	require.Equal(t, "gate", events[0].DeviceName)
}

func TestClientAuthHandshake(t *testing.T) {
	ft := &fakeTerminal{sessionID: 0x0099, authRequired: true}
	ip, port := startFakeTerminal(t, ft)

	c := Dial("gate", ip, port, 123456)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.True(t, ft.authed)
	require.NoError(t, c.Disconnect(ctx))
}
