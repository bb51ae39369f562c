// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package wire

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSignaling(t *testing.T) {
	raw := []byte(`{"command":"answer","id":"abc","timestamp":1700000000000,"side":"callee","callId":"c1"}`)
	f, err := Decode(websocket.TextMessage, raw)
	require.NoError(t, err)

	s, ok := f.(*Signaling)
	require.True(t, ok)
	assert.Equal(t, CommandAnswer, s.Command)
	assert.Equal(t, "c1", s.CallID)
	assert.Equal(t, SideCallee, s.Side)
	assert.False(t, s.Terminal())
}

func TestDecodeRecall(t *testing.T) {
	raw := []byte(`{"command":"recall","id":"r1","timestamp":1700000000000,"side":"callee","callId":"c1"}`)
	f, err := Decode(websocket.TextMessage, raw)
	require.NoError(t, err)

	s, ok := f.(*Signaling)
	require.True(t, ok)
	assert.Equal(t, CommandRecall, s.Command)
	assert.False(t, s.Terminal(), "recall keeps the call alive")
}

func TestDecodeSignalingMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"unknown command", `{"command":"teleport","callId":"c1"}`},
		{"empty command", `{"callId":"c1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(websocket.TextMessage, []byte(tc.raw))
			require.Error(t, err)
			var mfe *MalformedFrameError
			require.ErrorAs(t, err, &mfe)
		})
	}
}

func TestDecodeAudio(t *testing.T) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 42,
			Timestamp:      160,
			SSRC:           7,
		},
		Payload: []byte{0xff, 0xfe, 0xfd},
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)

	f, err := Decode(websocket.BinaryMessage, data)
	require.NoError(t, err)

	a, ok := f.(*Audio)
	require.True(t, ok)
	assert.EqualValues(t, 42, a.Packet.SequenceNumber)
	assert.EqualValues(t, 160, a.Packet.Timestamp)
	assert.EqualValues(t, 0, a.PayloadType())
	assert.Equal(t, data, a.Raw)
}

func TestDecodeAudioMalformed(t *testing.T) {
	_, err := Decode(websocket.BinaryMessage, []byte{0x00})
	var mfe *MalformedFrameError
	require.ErrorAs(t, err, &mfe)
}

func TestDecodeUnsupportedMessageType(t *testing.T) {
	_, err := Decode(websocket.PingMessage, []byte("x"))
	var mfe *MalformedFrameError
	require.ErrorAs(t, err, &mfe)
}

func TestEncodeSignalingRoundtrip(t *testing.T) {
	s := NewSignaling(CommandHangup, "c9")
	s.Side = SideCaller

	mt, data, err := Encode(s)
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)

	f, err := Decode(mt, data)
	require.NoError(t, err)
	got := f.(*Signaling)
	assert.Equal(t, s.Command, got.Command)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.CallID, got.CallID)
	assert.True(t, got.Terminal())
}

func TestSignalingPlatformFieldsRoundtrip(t *testing.T) {
	t.Run("MessageType", func(t *testing.T) {
		raw := []byte(`{"command":"message","id":"m1","timestamp":1700000000000,"side":"caller","text":"hi","type":"partial"}`)
		f, err := Decode(websocket.TextMessage, raw)
		require.NoError(t, err)
		s := f.(*Signaling)
		require.Equal(t, "partial", s.Type)

		mt, data, err := Encode(s)
		require.NoError(t, err)
		f, err = Decode(mt, data)
		require.NoError(t, err)
		got := f.(*Signaling)
		assert.Equal(t, "partial", got.Type)
		assert.Equal(t, "hi", got.Text)
	})

	t.Run("ConnectDestinationNumber", func(t *testing.T) {
		raw := []byte(`{"command":"connect","id":"n1","timestamp":1700000000000,"side":"user","destinationNumber":"9377827811"}`)
		f, err := Decode(websocket.TextMessage, raw)
		require.NoError(t, err)
		s := f.(*Signaling)
		require.Equal(t, "9377827811", s.DestinationNumber)

		mt, data, err := Encode(s)
		require.NoError(t, err)
		f, err = Decode(mt, data)
		require.NoError(t, err)
		assert.Equal(t, "9377827811", f.(*Signaling).DestinationNumber)
	})
}

func TestEncodeAudioKeepsRaw(t *testing.T) {
	pkt := rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: []byte{1, 2}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	a := &Audio{Packet: pkt, Raw: raw}
	mt, data, err := Encode(a)
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	// Raw passes through without a remarshal.
	assert.Equal(t, raw, data)

	a.Raw = nil
	mt, data, err = Encode(a)
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, raw, data)
}

func TestNewSignalingFillsIdentity(t *testing.T) {
	s := NewSignaling(CommandRing, "c3")
	assert.NotEmpty(t, s.ID)
	assert.NotZero(t, s.Timestamp)
	assert.Equal(t, "c3", s.CallID)
}
