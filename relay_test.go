// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/buzzline/callbridge/audio"
	"github.com/buzzline/callbridge/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func TestFrameQueueOrdering(t *testing.T) {
	q := newFrameQueue(8, DropOldest)
	a1 := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1})
	s1 := wire.NewSignaling(wire.CommandMessage, "c1")
	a2 := audioFrame(t, 2, audio.PayloadTypeUlaw, []byte{2})

	require.NoError(t, q.push(a1))
	require.NoError(t, q.push(s1))
	require.NoError(t, q.push(a2))

	for _, want := range []wire.Frame{a1, s1, a2} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
}

func TestFrameQueueDropOldest(t *testing.T) {
	q := newFrameQueue(2, DropOldest)
	a1 := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1})
	a2 := audioFrame(t, 2, audio.PayloadTypeUlaw, []byte{2})
	a3 := audioFrame(t, 3, audio.PayloadTypeUlaw, []byte{3})

	require.NoError(t, q.push(a1))
	require.NoError(t, q.push(a2))
	require.NoError(t, q.push(a3))

	got, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, a2, got, "the oldest buffered audio goes first")
	got, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, a3, got)
	assert.Equal(t, 1, q.dropped())
}

func TestFrameQueueDropNewest(t *testing.T) {
	q := newFrameQueue(2, DropNewest)
	a1 := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1})
	a2 := audioFrame(t, 2, audio.PayloadTypeUlaw, []byte{2})
	a3 := audioFrame(t, 3, audio.PayloadTypeUlaw, []byte{3})

	require.NoError(t, q.push(a1))
	require.NoError(t, q.push(a2))
	require.NoError(t, q.push(a3))

	got, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, a1, got, "the incoming frame is the one dropped")
	got, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, a2, got)
	assert.Equal(t, 1, q.dropped())
}

func TestFrameQueueSignalingNeverDropped(t *testing.T) {
	q := newFrameQueue(2, DropOldest)
	a1 := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1})
	a2 := audioFrame(t, 2, audio.PayloadTypeUlaw, []byte{2})
	require.NoError(t, q.push(a1))
	require.NoError(t, q.push(a2))

	// signaling evicts buffered audio instead of being dropped
	s1 := wire.NewSignaling(wire.CommandMessage, "c1")
	s2 := wire.NewSignaling(wire.CommandMessage, "c1")
	require.NoError(t, q.push(s1))
	require.NoError(t, q.push(s2))
	assert.Equal(t, 2, q.dropped())

	// with nothing left to evict the push pauses until the pump drains
	s3 := wire.NewSignaling(wire.CommandHangup, "c1")
	pushed := make(chan error, 1)
	go func() { pushed <- q.push(s3) }()

	select {
	case <-pushed:
		t.Fatal("push must block while the queue is full of signaling")
	case <-time.After(100 * time.Millisecond):
	}

	got, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, s1, got)
	require.NoError(t, <-pushed)

	got, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, s2, got)
	got, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, s3, got)
}

func TestFrameQueueCloseDrains(t *testing.T) {
	q := newFrameQueue(4, DropOldest)
	a1 := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1})
	require.NoError(t, q.push(a1))

	q.close()

	got, ok := q.pop()
	require.True(t, ok, "buffered frames drain after close")
	assert.Same(t, a1, got)

	_, ok = q.pop()
	assert.False(t, ok)
	assert.ErrorIs(t, q.push(a1), errRelayStopped)
}

func testRelayLegs(t *testing.T) (map[Role]*Leg, map[Role]*websocket.Conn) {
	t.Helper()
	pairs := newWSPairs(t)
	telClient, telServer := pairs.pair()
	mobClient, mobServer := pairs.pair()
	legs := map[Role]*Leg{
		RoleTelephony: NewLeg(RoleTelephony, telServer, time.Second),
		RoleMobile:    NewLeg(RoleMobile, mobServer, time.Second),
	}
	clients := map[Role]*websocket.Conn{
		RoleTelephony: telClient,
		RoleMobile:    mobClient,
	}
	return legs, clients
}

func TestRelayForwardsBothDirections(t *testing.T) {
	legs, clients := testRelayLegs(t)
	cfg := testConfig()
	r := newRelay(slog.Default(), cfg, func(ro Role) *Leg { return legs[ro] }, audio.G711{}, nil, nil)
	r.start()

	// audio passes through untouched while the peer codec is unknown
	af := audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{0x11, 0x22, 0x33, 0x44})
	require.NoError(t, r.forward(RoleTelephony, af))
	got := readAudio(t, clients[RoleMobile])
	assert.Equal(t, af.Raw, got.Raw)

	// signaling rides the same queues
	require.NoError(t, r.forward(RoleMobile, wire.NewSignaling(wire.CommandMessage, "c1")))
	fr := readSignaling(t, clients[RoleTelephony])
	assert.Equal(t, wire.CommandMessage, fr.Command)

	require.NoError(t, r.stop(time.Second))
}

func TestRelayTranscodesBetweenCompandingLaws(t *testing.T) {
	legs, clients := testRelayLegs(t)
	cfg := testConfig()
	r := newRelay(slog.Default(), cfg, func(ro Role) *Leg { return legs[ro] }, audio.G711{}, nil, nil)
	r.start()

	// the mobile leg spoke A-law first, inbound audio for it is converted
	legs[RoleMobile].codec.Store(int32(audio.PayloadTypeAlaw))

	payload := []byte{0x00, 0x3f, 0x7e, 0xff}
	require.NoError(t, r.forward(RoleTelephony, audioFrame(t, 5, audio.PayloadTypeUlaw, payload)))

	got := readAudio(t, clients[RoleMobile])
	assert.Equal(t, uint8(audio.PayloadTypeAlaw), got.PayloadType())
	assert.Equal(t, g711.Ulaw2Alaw(payload), got.Packet.Payload)

	// same law passes through, no pointless remarshal
	legs[RoleTelephony].codec.Store(int32(audio.PayloadTypeAlaw))
	af := audioFrame(t, 6, audio.PayloadTypeAlaw, []byte{0xd5, 0xd5})
	require.NoError(t, r.forward(RoleMobile, af))
	got = readAudio(t, clients[RoleTelephony])
	assert.Equal(t, af.Raw, got.Raw)

	require.NoError(t, r.stop(time.Second))
}

func TestRelayReportsFailingLeg(t *testing.T) {
	legs, _ := testRelayLegs(t)
	cfg := testConfig()

	errCh := make(chan *RelayError, 1)
	r := newRelay(slog.Default(), cfg, func(ro Role) *Leg { return legs[ro] }, audio.G711{}, nil, func(re *RelayError) {
		errCh <- re
	})
	r.start()

	// destination gone mid call
	legs[RoleMobile].Close()
	require.NoError(t, r.forward(RoleTelephony, audioFrame(t, 1, audio.PayloadTypeUlaw, []byte{1, 2})))

	select {
	case re := <-errCh:
		assert.Equal(t, RoleMobile, re.Role, "the error names the failing leg")
	case <-time.After(2 * time.Second):
		t.Fatal("relay error callback not invoked")
	}

	err := r.stop(time.Second)
	require.Error(t, err)
	var re *RelayError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, RoleMobile, re.Role)
}
