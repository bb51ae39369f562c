// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buzzline/callbridge/store"
	"github.com/buzzline/callbridge/wire"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	m.Run()
}

func testConfig() Config {
	cfg := Config{
		HandshakeTimeout: 5 * time.Second,
		LivenessTimeout:  5 * time.Second,
		WriteTimeout:     2 * time.Second,
		StopGrace:        time.Second,
		RelayBufferSize:  16,
	}
	cfg.setDefaults()
	return cfg
}

// wsPairMaker hands out connected websocket pairs backed by a loopback HTTP
// server. pair calls are serialized so client and server ends always match.
type wsPairMaker struct {
	t   *testing.T
	mu  sync.Mutex
	url string
	ch  chan *websocket.Conn
}

func newWSPairs(t *testing.T) *wsPairMaker {
	t.Helper()
	m := &wsPairMaker{t: t, ch: make(chan *websocket.Conn, 1)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		m.ch <- c
	}))
	t.Cleanup(srv.Close)
	m.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return m
}

// pair returns the client and server ends of a fresh connection.
func (m *wsPairMaker) pair() (client, server *websocket.Conn) {
	m.t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, _, err := websocket.DefaultDialer.Dial(m.url, nil)
	require.NoError(m.t, err)
	s := <-m.ch
	m.t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func readSignaling(t *testing.T, conn *websocket.Conn) *wire.Signaling {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(mt, data)
	require.NoError(t, err)
	s, ok := f.(*wire.Signaling)
	require.True(t, ok, "expected a signaling frame, got %T", f)
	return s
}

func readAudio(t *testing.T, conn *websocket.Conn) *wire.Audio {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(mt, data)
	require.NoError(t, err)
	a, ok := f.(*wire.Audio)
	require.True(t, ok, "expected an audio frame, got %T", f)
	return a
}

func writeFrame(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	mt, data, err := wire.Encode(f)
	require.NoError(t, err)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteMessage(mt, data))
}

func audioFrame(t *testing.T, seq uint16, payloadType uint8, payload []byte) *wire.Audio {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           1111,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return &wire.Audio{Packet: pkt, Raw: raw}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not reach a terminal state")
	}
}

type fakeStore struct {
	mu      sync.Mutex
	states  []store.StateRecord
	history map[string][]wire.Signaling
}

func newFakeStore() *fakeStore {
	return &fakeStore{history: make(map[string][]wire.Signaling)}
}

func (f *fakeStore) SaveCallState(ctx context.Context, callID, state string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, store.StateRecord{CallID: callID, State: state, At: at})
	return nil
}

func (f *fakeStore) SaveCallHistory(ctx context.Context, callID string, cmds []wire.Signaling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[callID] = cmds
	return nil
}

func (f *fakeStore) States() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.states))
	for i, r := range f.states {
		out[i] = r.State
	}
	return out
}

func (f *fakeStore) History(callID string) []wire.Signaling {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[callID]
}

type notifyCall struct {
	callID  string
	state   string
	summary string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) NotifyCallEnd(ctx context.Context, callID, state, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{callID: callID, state: state, summary: summary})
	return nil
}

func (f *fakeNotifier) Calls() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifyCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestNewDefaults(t *testing.T) {
	cb := New()

	assert.Equal(t, "127.0.0.1:8080", cb.cfg.BindAddr)
	assert.Equal(t, 30*time.Second, cb.cfg.HandshakeTimeout)
	assert.Equal(t, 60*time.Second, cb.cfg.LivenessTimeout)
	assert.Equal(t, 10*time.Second, cb.cfg.WriteTimeout)
	assert.Equal(t, 2*time.Second, cb.cfg.StopGrace)
	assert.Equal(t, 128, cb.cfg.RelayBufferSize)
	assert.Equal(t, DropOldest, cb.cfg.DropPolicy)
	assert.Equal(t, TakeoverReject, cb.cfg.TakeoverPolicy)
	assert.Equal(t, 10, cb.cfg.MalformedLimit)
	assert.False(t, cb.cfg.EnableAdminClose)

	require.NotNil(t, cb.cache)
	require.NotNil(t, cb.registry)
	require.NotNil(t, cb.transcoder)
}

func TestNewOptions(t *testing.T) {
	st := newFakeStore()
	n := &fakeNotifier{}
	cache := &sessionCacheMap{}
	cb := New(
		WithConfig(Config{BindAddr: "127.0.0.1:9999"}),
		WithStore(st),
		WithNotifier(n),
		WithRecordingDir("/tmp/recs"),
		WithSessionCache(cache),
	)

	assert.Equal(t, "127.0.0.1:9999", cb.cfg.BindAddr)
	// defaults still fill the rest
	assert.Equal(t, 30*time.Second, cb.cfg.HandshakeTimeout)
	assert.Equal(t, "/tmp/recs", cb.recDir)
	assert.Same(t, cache, cb.cache.(*sessionCacheMap))
}
