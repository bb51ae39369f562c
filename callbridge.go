// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

// Package callbridge bridges telephony platform call legs with mobile client
// legs over websockets: one session per call id, signaling and audio relayed
// between the two sides until either ends the call.
package callbridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/buzzline/callbridge/audio"
	"github.com/buzzline/callbridge/store"
	"github.com/buzzline/callbridge/wire"
)

// Config is the startup tuning surface. Zero values fall back to defaults.
type Config struct {
	// BindAddr is the HTTP listen address, host:port.
	BindAddr string
	// APIKey guards the telephony platform endpoints. Empty disables the check.
	APIKey string

	// HandshakeTimeout bounds the whole setup phase: from session creation
	// until ACTIVE.
	HandshakeTimeout time.Duration
	// LivenessTimeout is the longest silence tolerated from a leg before it
	// counts as disconnected. Heartbeat frames reset it.
	LivenessTimeout time.Duration
	// WriteTimeout bounds a single frame write to a leg.
	WriteTimeout time.Duration
	// StopGrace bounds relay teardown.
	StopGrace time.Duration

	// RelayBufferSize is the per direction frame buffer.
	RelayBufferSize int
	DropPolicy      DropPolicy
	TakeoverPolicy  TakeoverPolicy

	// MalformedLimit is how many undecodable frames in a row force a leg off.
	MalformedLimit int

	// EnableAdminClose exposes the administrative close endpoint.
	EnableAdminClose bool
}

func (c *Config) setDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8080"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.RelayBufferSize <= 0 {
		c.RelayBufferSize = 128
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropOldest
	}
	if c.TakeoverPolicy == "" {
		c.TakeoverPolicy = TakeoverReject
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 10
	}
}

// Notifier delivers human readable call end summaries. Failures are logged
// and never reach the session.
type Notifier interface {
	NotifyCallEnd(ctx context.Context, callID, state, summary string) error
}

type Option func(cb *Callbridge)

func WithLogger(l *slog.Logger) Option {
	return func(cb *Callbridge) {
		cb.log = l
	}
}

func WithConfig(cfg Config) Option {
	return func(cb *Callbridge) {
		cb.cfg = cfg
	}
}

// WithStore sets the persistence collaborator receiving state changes.
func WithStore(st store.Store) Option {
	return func(cb *Callbridge) {
		cb.store = st
	}
}

func WithNotifier(n Notifier) Option {
	return func(cb *Callbridge) {
		cb.notifier = n
	}
}

func WithTranscoder(tc audio.Transcoder) Option {
	return func(cb *Callbridge) {
		cb.transcoder = tc
	}
}

// WithRecordingDir enables call recording into the directory.
func WithRecordingDir(dir string) Option {
	return func(cb *Callbridge) {
		cb.recDir = dir
	}
}

// WithSessionCache swaps the in process session map.
func WithSessionCache(c SessionCache) Option {
	return func(cb *Callbridge) {
		cb.cache = c
	}
}

// Callbridge is the session manager. It is the only surface the websocket
// handling code talks to; registry and session coordination stay behind it.
type Callbridge struct {
	log        *slog.Logger
	cfg        Config
	registry   *Registry
	cache      SessionCache
	store      store.Store
	notifier   Notifier
	transcoder audio.Transcoder
	recDir     string

	mu         sync.Mutex
	httpServer *http.Server
	lnAddr     net.Addr
}

func New(opts ...Option) *Callbridge {
	cb := &Callbridge{
		log:        slog.Default(),
		transcoder: audio.G711{},
	}
	for _, o := range opts {
		o(cb)
	}
	cb.cfg.setDefaults()
	if cb.cache == nil {
		cb.cache = &sessionCacheMap{}
	}
	cb.registry = newRegistry(cb.log, cb.cache, cb.cfg.TakeoverPolicy, cb.newSession)
	return cb
}

func (cb *Callbridge) newSession(callID string) *Session {
	return newSession(callID, cb.log, cb.cfg, cb.store, cb.notifier, cb.transcoder, cb.recDir, cb.closeSession)
}

func (cb *Callbridge) closeSession(s *Session) {
	cb.registry.evict(context.Background(), s)
	cb.log.Info("Session removed", "callID", s.CallID, "state", s.State().String(), "cause", s.EndCause())
}

// Registry exposes lookups for tests and the HTTP surface.
func (cb *Callbridge) Registry() *Registry {
	return cb.registry
}

// OnLegConnected registers an accepted leg and serves its read loop until
// the connection goes away. It blocks, the caller is the leg's goroutine.
// On an attach error the caller must close the connection.
func (cb *Callbridge) OnLegConnected(ctx context.Context, callID string, leg *Leg) error {
	return cb.runLeg(ctx, callID, leg, nil)
}

// OnLegDisconnected detaches a leg by role. Safe to call again after
// teardown completed.
func (cb *Callbridge) OnLegDisconnected(ctx context.Context, callID string, role Role) error {
	return cb.registry.DetachLeg(ctx, callID, role, nil)
}

// CloseCall is the administrative close for one call.
func (cb *Callbridge) CloseCall(ctx context.Context, callID string) error {
	s, err := cb.registry.Lookup(ctx, callID)
	if err != nil {
		return err
	}
	return s.forceClose("admin close")
}

// runLeg attaches, replays signaling history to the joiner, feeds an
// optional hello frame through the session and reads until the leg dies.
func (cb *Callbridge) runLeg(ctx context.Context, callID string, leg *Leg, hello wire.Frame) error {
	_, s, err := cb.registry.AttachLeg(ctx, callID, leg)
	if err != nil {
		return err
	}
	s.replayHistory(leg)
	if hello != nil {
		s.handleFrame(leg, hello)
	}
	cb.serveLeg(s, leg)
	return nil
}

// serveLeg is the leg's read loop. Malformed frames are dropped and counted,
// too many in a row force the leg off. Transport errors and liveness expiry
// resolve into the session's disconnect handling.
func (cb *Callbridge) serveLeg(s *Session, leg *Leg) {
	log := cb.log.With("callID", s.CallID, "role", string(leg.Role))
	malformed := 0
	for {
		f, err := leg.ReadFrame(cb.cfg.LivenessTimeout)
		if err != nil {
			var mfe *wire.MalformedFrameError
			if errors.As(err, &mfe) {
				malformed++
				log.Warn("Dropping malformed frame", "count", malformed, "err", err)
				if malformed >= cb.cfg.MalformedLimit {
					log.Warn("Malformed frame threshold reached, closing leg")
					leg.CloseWithCause(s.CallID, "malformed frames")
					s.legGone(leg, err)
					return
				}
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Info("Leg liveness expired")
			}
			s.legGone(leg, err)
			return
		}
		malformed = 0
		s.handleFrame(leg, f)
	}
}

// Serve runs the HTTP surface until ctx is done or the listener fails.
// Cancellation shuts the server down and force closes live sessions.
func (cb *Callbridge) Serve(ctx context.Context) error {
	return cb.serve(ctx, func() {})
}

func (cb *Callbridge) serve(ctx context.Context, ready func()) error {
	srv := cb.buildServer()
	ln, err := net.Listen("tcp", cb.cfg.BindAddr)
	if err != nil {
		return err
	}
	cb.mu.Lock()
	cb.httpServer = srv
	cb.lnAddr = ln.Addr()
	cb.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		cb.closeAll("server shutdown")
	}()

	cb.log.Info("Listening", "addr", ln.Addr().String())
	ready()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeBackground starts serving and returns once the listener is ready.
func (cb *Callbridge) ServeBackground(ctx context.Context) error {
	readyCh := make(chan struct{}, 1)
	chErr := make(chan error, 1)
	go func() {
		chErr <- cb.serve(ctx, func() { readyCh <- struct{}{} })
	}()

	select {
	case err := <-chErr:
		return err
	case <-readyCh:
		return nil
	}
}

// Addr is the bound listen address, useful with an ephemeral port.
func (cb *Callbridge) Addr() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.lnAddr == nil {
		return ""
	}
	return cb.lnAddr.String()
}

func (cb *Callbridge) closeAll(reason string) {
	ctx := context.Background()
	cb.cache.SessionRange(ctx, func(_ string, s *Session) bool {
		s.end(endCause{reason: reason})
		return true
	})
}
