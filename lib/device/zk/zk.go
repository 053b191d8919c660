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

// Package zk speaks the binary TCP protocol of ZK fingerprint terminals:
// framed command packets with a 16-bit checksum and session/reply
// counters, bulk reads chunked through the data buffer commands.
package zk

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/attendance"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/device"
)

// Protocol command codes.
const (
	cmdConnect     = 1000
	cmdExit        = 1001
	cmdAuth        = 1102
	cmdAckOK       = 2000
	cmdAckError    = 2001
	cmdAckData     = 2002
	cmdAckUnauth   = 1005
	cmdOptionsRRQ  = 11
	cmdAttLogRRQ   = 13
	cmdGetTime     = 201
	cmdPrepareData = 1500
	cmdData        = 1501
	cmdFreeData    = 1502
	cmdDataWRRQ    = 1503
	cmdReadyData   = 1504
)

// tcpHeader prefixes every packet on the TCP transport.
var tcpHeader = []byte{0x50, 0x50, 0x82, 0x7d}

const (
	userRecordSize = 72
	attRecordSize  = 40
)

// Dial returns a device.Connector speaking the ZK TCP protocol. It
// matches device.DialFunc.
func Dial(name, ip string, port, password int) device.Connector {
	return &client{
		name:     name,
		addr:     net.JoinHostPort(ip, strconv.Itoa(port)),
		password: password,
	}
}

type client struct {
	name     string
	addr     string
	password int

	conn      net.Conn
	sessionID uint16
	replyID   uint16
}

// Connect dials the terminal and performs the connect/auth handshake.
func (c *client) Connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return trace.ConnectionProblem(err, "dialing %v", c.addr)
	}
	c.conn = conn
	c.sessionID = 0
	c.replyID = 0

	reply, err := c.exchange(ctx, cmdConnect, nil)
	if err != nil {
		c.close()
		return trace.Wrap(err)
	}
	c.sessionID = reply.sessionID

	if reply.cmd == cmdAckUnauth {
		key := commKey(c.password, c.sessionID)
		reply, err = c.exchange(ctx, cmdAuth, key)
		if err != nil {
			c.close()
			return trace.Wrap(err)
		}
		if reply.cmd != cmdAckOK {
			c.close()
			return trace.AccessDenied("terminal rejected the comm key")
		}
	} else if reply.cmd != cmdAckOK {
		c.close()
		return trace.BadParameter("unexpected connect reply command %v", reply.cmd)
	}
	return nil
}

// Disconnect ends the session and closes the socket.
func (c *client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	_, err := c.exchange(ctx, cmdExit, nil)
	c.close()
	return trace.Wrap(err)
}

// Ping reads the terminal clock to verify the session is alive.
func (c *client) Ping(ctx context.Context) error {
	reply, err := c.exchange(ctx, cmdGetTime, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if reply.cmd != cmdAckOK {
		return trace.BadParameter("unexpected ping reply command %v", reply.cmd)
	}
	return nil
}

// Users reads and decodes the terminal's user table.
func (c *client) Users(ctx context.Context) ([]device.User, error) {
	// Field 5 of the buffered-read request selects the user table.
	req := []byte{0x01, 0x09, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	data, err := c.readBuffer(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data) < 4 {
		return nil, nil
	}
	// The first 4 bytes carry the payload size.
	data = data[4:]

	var users []device.User
	for off := 0; off+userRecordSize <= len(data); off += userRecordSize {
		rec := data[off : off+userRecordSize]
		u := device.User{
			Privilege: int(rec[2]),
			Name:      cstr(rec[11:35]),
			CardNo:    cardString(binary.LittleEndian.Uint32(rec[35:39])),
			UserID:    cstr(rec[48:72]),
		}
		if u.UserID == "" {
			u.UserID = strconv.Itoa(int(binary.LittleEndian.Uint16(rec[0:2])))
		}
		if u.Name == "" {
			u.Name = u.UserID
		}
		users = append(users, u)
	}
	return users, nil
}

// Attendance reads the punch log and returns events within the inclusive
// date range.
func (c *client) Attendance(ctx context.Context, start, end time.Time) ([]attendance.Event, error) {
	// Field 1 of the buffered-read request selects the attendance log.
	req := []byte{0x01, 0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	data, err := c.readBuffer(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data) < 4 {
		return nil, nil
	}
	data = data[4:]

	rangeEnd := end.AddDate(0, 0, 1)
	var events []attendance.Event
	for off := 0; off+attRecordSize <= len(data); off += attRecordSize {
		rec := data[off : off+attRecordSize]
		ts := decodeTime(binary.LittleEndian.Uint32(rec[27:31]))
		if ts.Before(start) || !ts.Before(rangeEnd) {
			continue
		}
		events = append(events, attendance.Event{
			UserID:     cstr(rec[2:26]),
			Timestamp:  ts,
			Punch:      punchType(rec[31]),
			DeviceName: c.name,
		})
	}
	return events, nil
}

// Info reads the terminal description options.
func (c *client) Info(ctx context.Context) (*device.Info, error) {
	info := &device.Info{}
	options := []struct {
		key string
		set func(string)
	}{
		{"~DeviceName", func(v string) { info.Model = v }},
		{"~SerialNumber", func(v string) { info.Serial = v }},
		{"~Platform", func(v string) { info.Platform = v }},
		{"FirmVer", func(v string) { info.Firmware = v }},
		{"~PIN2Width", func(string) {}},
	}
	for _, opt := range options {
		reply, err := c.exchange(ctx, cmdOptionsRRQ, append([]byte(opt.key), 0))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// Replies look like "key=value\x00".
		if _, value, found := strings.Cut(cstr(reply.data), "="); found {
			opt.set(value)
		}
	}
	if reply, err := c.exchange(ctx, cmdGetTime, nil); err == nil && len(reply.data) >= 4 {
		info.DeviceTime = decodeTime(binary.LittleEndian.Uint32(reply.data[:4]))
	}
	return info, nil
}

func (c *client) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

type packet struct {
	cmd       uint16
	sessionID uint16
	replyID   uint16
	data      []byte
}

// exchange sends one command and reads one reply, honoring the context
// deadline on the socket.
func (c *client) exchange(ctx context.Context, cmd uint16, data []byte) (*packet, error) {
	if c.conn == nil {
		return nil, trace.ConnectionProblem(nil, "not connected")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, trace.ConnectionProblem(err, "setting socket deadline")
	}

	c.replyID++
	if err := c.send(cmd, c.replyID, data); err != nil {
		return nil, trace.Wrap(err)
	}
	reply, err := c.recv()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return reply, nil
}

func (c *client) send(cmd, replyID uint16, data []byte) error {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], cmd)
	binary.LittleEndian.PutUint16(payload[4:6], c.sessionID)
	binary.LittleEndian.PutUint16(payload[6:8], replyID)
	copy(payload[8:], data)
	binary.LittleEndian.PutUint16(payload[2:4], checksum(payload))

	frame := make([]byte, 8+len(payload))
	copy(frame[0:4], tcpHeader)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)

	if _, err := c.conn.Write(frame); err != nil {
		return trace.ConnectionProblem(err, "writing command %v", cmd)
	}
	return nil
}

func (c *client) recv() (*packet, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, trace.ConnectionProblem(err, "reading reply header")
	}
	if string(header[0:4]) != string(tcpHeader) {
		return nil, trace.BadParameter("bad reply magic %x", header[0:4])
	}
	size := binary.LittleEndian.Uint32(header[4:8])
	if size < 8 || size > 1<<24 {
		return nil, trace.BadParameter("implausible reply size %v", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, trace.ConnectionProblem(err, "reading reply payload")
	}

	p := &packet{
		cmd:       binary.LittleEndian.Uint16(payload[0:2]),
		sessionID: binary.LittleEndian.Uint16(payload[4:6]),
		replyID:   binary.LittleEndian.Uint16(payload[6:8]),
		data:      payload[8:],
	}
	want := binary.LittleEndian.Uint16(payload[2:4])
	scratch := make([]byte, len(payload))
	copy(scratch, payload)
	scratch[2], scratch[3] = 0, 0
	if got := checksum(scratch); got != want {
		return nil, trace.BadParameter("reply checksum mismatch: got %04x want %04x", got, want)
	}
	return p, nil
}

// readBuffer performs a chunked bulk read through the data buffer
// commands and returns the concatenated payload.
func (c *client) readBuffer(ctx context.Context, req []byte) ([]byte, error) {
	reply, err := c.exchange(ctx, cmdDataWRRQ, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch reply.cmd {
	case cmdAckOK, cmdAckData:
		// Small tables arrive inline.
		return reply.data, nil
	case cmdPrepareData, cmdReadyData:
	default:
		return nil, trace.BadParameter("unexpected bulk read reply command %v", reply.cmd)
	}
	if len(reply.data) < 4 {
		return nil, trace.BadParameter("short prepare-data reply")
	}
	total := int(binary.LittleEndian.Uint32(reply.data[0:4]))

	var buf []byte
	for len(buf) < total {
		chunk, err := c.recv()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch chunk.cmd {
		case cmdData:
			buf = append(buf, chunk.data...)
		case cmdAckOK:
			// Transfer finished early.
			total = len(buf)
		default:
			return nil, trace.BadParameter("unexpected data chunk command %v", chunk.cmd)
		}
	}
	if _, err := c.exchange(ctx, cmdFreeData, nil); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf, nil
}

// checksum is the ones-complement 16-bit sum used by the protocol. The
// checksum field itself must be zeroed before summing.
func checksum(payload []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(payload[i : i+2]))
	}
	if len(payload)%2 == 1 {
		sum += uint32(payload[len(payload)-1])
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum & 0xffff)
}

// commKey derives the authentication key from the comm password and the
// session ID, per the terminal's scheme: reverse the password bits in
// 32-bit space, mix in the session ID and xor with a fixed pad.
func commKey(password int, sessionID uint16) []byte {
	key := uint32(0)
	for i := 0; i < 32; i++ {
		if password&(1<<i) != 0 {
			key |= 1 << (31 - i)
		}
	}
	key += uint32(sessionID)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, key)
	pad := []byte{0xfe, 0xa5, 0x50, 0x4b}
	for i := range buf {
		buf[i] ^= pad[i]
	}
	// The low byte of the ticks counter salts the upper half.
	ticks := byte(time.Now().UnixMilli() % 256)
	buf[2] = ticks
	buf[3] ^= ticks
	return buf
}

// decodeTime unpacks the terminal's calendar encoding: a base-60/31/12
// positional number counting from 2000-01-01.
func decodeTime(enc uint32) time.Time {
	second := int(enc % 60)
	enc /= 60
	minute := int(enc % 60)
	enc /= 60
	hour := int(enc % 24)
	enc /= 24
	day := int(enc%31) + 1
	enc /= 31
	month := int(enc%12) + 1
	enc /= 12
	year := int(enc) + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.Local)
}

func punchType(code byte) attendance.PunchType {
	switch code {
	case 0, 3, 4:
		return attendance.PunchIn
	case 1, 2, 5:
		return attendance.PunchOut
	case 255:
		return attendance.PunchUnknown
	}
	return attendance.PunchOther
}

func cardString(card uint32) string {
	if card == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(card), 10)
}

// cstr trims a NUL padded byte field.
func cstr(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
