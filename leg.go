// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buzzline/callbridge/wire"
)

// Role identifies which side of a call a leg serves.
type Role string

const (
	RoleTelephony Role = "telephony"
	RoleMobile    Role = "mobile"
)

// Other returns the peer role.
func (r Role) Other() Role {
	if r == RoleTelephony {
		return RoleMobile
	}
	return RoleTelephony
}

// Leg is one side of a call. It owns the websocket connection; the session
// holding the leg is the only component touching it.
type Leg struct {
	mu     sync.Mutex // guards writes
	closed atomic.Bool

	Role Role
	conn *websocket.Conn

	writeTimeout time.Duration
	openedAt     time.Time
	lastActivity atomic.Int64
	codec        atomic.Int32
}

// NewLeg wraps an upgraded websocket connection.
func NewLeg(role Role, conn *websocket.Conn, writeTimeout time.Duration) *Leg {
	l := &Leg{
		Role:         role,
		conn:         conn,
		writeTimeout: writeTimeout,
		openedAt:     time.Now(),
	}
	l.lastActivity.Store(l.openedAt.UnixNano())
	l.codec.Store(-1)
	return l
}

// ReadFrame blocks for the next frame. The read deadline is renewed to
// liveness on every call, so a leg silent for longer than liveness fails the
// read with a timeout, which callers treat as an implicit disconnect.
func (l *Leg) ReadFrame(liveness time.Duration) (wire.Frame, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(liveness)); err != nil {
		return nil, err
	}
	mt, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	l.lastActivity.Store(time.Now().UnixNano())

	f, err := wire.Decode(mt, data)
	if err != nil {
		return nil, err
	}
	if a, ok := f.(*wire.Audio); ok {
		l.codec.CompareAndSwap(-1, int32(a.PayloadType()))
	}
	return f, nil
}

// WriteFrame sends one frame, serializing concurrent writers.
func (l *Leg) WriteFrame(f wire.Frame) error {
	if l.closed.Load() {
		return net.ErrClosed
	}
	mt, data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	return l.conn.WriteMessage(mt, data)
}

// Close tears the connection down. Safe to call multiple times and
// concurrently with reads and writes, both of which it unblocks.
func (l *Leg) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.conn.Close()
}

// CloseWithCause sends a best effort final error frame and a close control
// message before closing, so the peer learns why it is being dropped.
func (l *Leg) CloseWithCause(callID, cause string) error {
	if !l.closed.Load() {
		f := wire.NewSignaling(wire.CommandError, callID)
		f.Text = cause
		l.WriteFrame(f)

		l.mu.Lock()
		deadline := time.Now().Add(l.writeTimeout)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, cause), deadline)
		l.mu.Unlock()
	}
	return l.Close()
}

// Codec returns the RTP payload type first seen from this leg.
func (l *Leg) Codec() (uint8, bool) {
	c := l.codec.Load()
	if c < 0 {
		return 0, false
	}
	return uint8(c), true
}

// LastActivity returns the time of the last successfully read message.
func (l *Leg) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// OpenedAt returns when the leg was attached.
func (l *Leg) OpenedAt() time.Time {
	return l.openedAt
}
