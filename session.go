// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buzzline/callbridge/audio"
	"github.com/buzzline/callbridge/store"
	"github.com/buzzline/callbridge/wire"
)

// SessionState is the lifecycle phase of one call.
type SessionState int

const (
	StatePending SessionState = iota + 1
	StateConnecting
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state %d", int(s))
}

// Terminal reports whether no further transition can happen.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

var allowedTransitions = map[SessionState][]SessionState{
	StatePending:    {StateConnecting, StateEnding, StateFailed},
	StateConnecting: {StateActive, StateEnding, StateFailed},
	StateActive:     {StateEnding},
	StateEnding:     {StateEnded, StateFailed},
}

var (
	// ErrSessionBusy rejects a transition attempt while another one is in
	// flight. Transient, callers retry or drop.
	ErrSessionBusy = errors.New("session busy, transition in flight")

	errSessionClosed = errors.New("session closed")
)

// endCause records why a session is going down and whether the terminal
// state is ENDED or FAILED.
type endCause struct {
	reason string
	failed bool
	err    error
}

// How many signaling frames a session keeps for replay to late joining legs.
const historyLimit = 512

const collaboratorTimeout = 5 * time.Second

// Session drives one call through its lifecycle. All state changes run under
// mu, one at a time per call id. Sessions are created by the registry and
// must not be constructed elsewhere.
type Session struct {
	mu sync.Mutex

	CallID    string
	CreatedAt time.Time

	log        *slog.Logger
	cfg        Config
	store      store.Store
	notifier   Notifier
	transcoder audio.Transcoder
	recDir     string
	onClose    func(*Session)

	state    SessionState
	cause    endCause
	legs     map[Role]*Leg
	relay    *relay
	rec      *Recording
	history  []*wire.Signaling
	notified map[SessionState]bool
	hsTimer  *time.Timer
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(callID string, log *slog.Logger, cfg Config, st store.Store, n Notifier, tc audio.Transcoder, recDir string, onClose func(*Session)) *Session {
	return &Session{
		CallID:     callID,
		CreatedAt:  time.Now(),
		log:        log.With("callID", callID),
		cfg:        cfg,
		store:      st,
		notifier:   n,
		transcoder: tc,
		recDir:     recDir,
		onClose:    onClose,
		state:      StatePending,
		legs:       make(map[Role]*Leg, 2),
		notified:   make(map[SessionState]bool, 3),
		done:       make(chan struct{}),
	}
}

// start arms the handshake timer. The registry calls it once for the session
// instance that won the creation race; losers stay inert and are collected.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsTimer = time.AfterFunc(s.cfg.HandshakeTimeout, s.onHandshakeTimeout)
	s.log.Info("Session created", "state", s.state.String())
}

// State returns the current lifecycle phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndCause describes why the session reached its terminal state.
func (s *Session) EndCause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause.reason
}

// Done is closed once the session reaches ENDED or FAILED and teardown has
// finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// History returns the signaling frames seen so far, oldest first.
func (s *Session) History() []*wire.Signaling {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Signaling, len(s.history))
	copy(out, s.history)
	return out
}

// Leg returns the live leg for a role, or nil.
func (s *Session) Leg(role Role) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legs[role]
}

// attach claims the role slot for a leg. Second leg moves the session from
// PENDING to CONNECTING. An occupied slot is rejected unless the takeover
// policy replaces the old leg.
func (s *Session) attach(leg *Leg, takeover TakeoverPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || s.state == StateEnding {
		return errSessionClosed
	}

	if old := s.legs[leg.Role]; old != nil {
		if takeover != TakeoverReplace {
			return fmt.Errorf("%w: %s on call %s", ErrDuplicateRole, leg.Role, s.CallID)
		}
		s.log.Info("Leg taken over", "role", string(leg.Role))
		go old.CloseWithCause(s.CallID, "replaced by reconnect")
		s.legs[leg.Role] = leg
		return nil
	}

	s.legs[leg.Role] = leg
	if s.state == StatePending && len(s.legs) == 2 {
		return s.transitionLocked(StateConnecting)
	}
	return nil
}

// handleFrame processes one inbound frame from a leg. Signaling is recorded,
// forwarded to the peer and may advance the handshake or end the call. Audio
// flows only while the relay runs.
func (s *Session) handleFrame(from *Leg, f wire.Frame) {
	switch fr := f.(type) {
	case *wire.Signaling:
		s.handleSignaling(from, fr)
	case *wire.Audio:
		s.mu.Lock()
		rl := s.relay
		s.mu.Unlock()
		if rl == nil {
			return
		}
		if err := rl.forward(from.Role, f); err != nil {
			s.log.Debug("Audio frame not relayed", "err", err)
		}
	}
}

func (s *Session) handleSignaling(from *Leg, fr *wire.Signaling) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	if fr.Command != wire.CommandHeartbeat {
		s.recordLocked(fr)
	}
	if fr.Command == wire.CommandAnswer && s.state == StateConnecting {
		if err := s.transitionLocked(StateActive); err != nil {
			s.log.Error("Activation failed", "err", err)
		}
	}
	rl := s.relay
	peer := s.legs[from.Role.Other()]
	s.mu.Unlock()

	s.deliver(rl, from.Role, peer, fr)

	if fr.Terminal() {
		reason := "hangup"
		if fr.Command == wire.CommandBusy {
			reason = "busy"
		}
		s.end(endCause{reason: reason})
	}
}

// deliver pushes a frame toward the peer, through the relay when it runs,
// directly otherwise. Ring and connect signaling reaches the peer this way
// before the session is ACTIVE.
func (s *Session) deliver(rl *relay, from Role, peer *Leg, f wire.Frame) {
	if rl != nil {
		if err := rl.forward(from, f); err != nil {
			s.log.Debug("Frame not relayed", "err", err)
		}
		return
	}
	if peer == nil {
		return
	}
	if err := peer.WriteFrame(f); err != nil {
		s.log.Debug("Frame not delivered to peer", "role", string(peer.Role), "err", err)
	}
}

func (s *Session) recordLocked(fr *wire.Signaling) {
	if len(s.history) >= historyLimit {
		return
	}
	s.history = append(s.history, fr)
}

// replayHistory writes the recorded signaling to a leg that joined after
// frames already flowed, so the joiner catches up before live traffic.
func (s *Session) replayHistory(leg *Leg) {
	s.mu.Lock()
	frames := make([]*wire.Signaling, len(s.history))
	copy(frames, s.history)
	s.mu.Unlock()

	for _, fr := range frames {
		if err := leg.WriteFrame(fr); err != nil {
			s.log.Debug("History replay aborted", "role", string(leg.Role), "err", err)
			return
		}
	}
}

// legDisconnected reacts to a leg's connection going away. The leg pointer
// identifies the connection, so a leg replaced by takeover cannot end the
// session when its old socket dies. Idempotent after teardown.
func (s *Session) legDisconnected(role Role, cause error) {
	s.mu.Lock()
	leg := s.legs[role]
	s.mu.Unlock()
	if leg == nil {
		return
	}
	s.legGone(leg, cause)
}

func (s *Session) legGone(leg *Leg, cause error) {
	s.mu.Lock()
	if s.legs[leg.Role] != leg {
		s.mu.Unlock()
		return
	}
	delete(s.legs, leg.Role)
	s.mu.Unlock()

	leg.Close()
	s.end(endCause{reason: "leg disconnect", failed: true, err: cause})
}

// relayFailed is the relay's error callback.
func (s *Session) relayFailed(rerr *RelayError) {
	s.end(endCause{reason: "relay error", failed: true, err: rerr})
}

// forceClose is the administrative close. Unlike internal transitions it
// does not wait for the session lock: a session mid transition reports
// ErrSessionBusy and the caller retries.
func (s *Session) forceClose(reason string) error {
	if !s.mu.TryLock() {
		return ErrSessionBusy
	}
	if s.state.Terminal() || s.state == StateEnding {
		s.mu.Unlock()
		return nil
	}
	c := endCause{reason: reason}
	s.cause = c
	err := s.transitionLocked(StateEnding)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go s.teardown(c)
	return nil
}

func (s *Session) onHandshakeTimeout() {
	s.mu.Lock()
	if s.state != StatePending && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.cause = endCause{reason: "handshake timeout", failed: true}
	s.transitionLocked(StateFailed)
	s.mu.Unlock()
}

// end resolves a session-fatal event into one terminal path. Errors before
// ACTIVE fail the session directly; everything else drains through ENDING.
func (s *Session) end(c endCause) {
	s.mu.Lock()
	switch {
	case s.state.Terminal() || s.state == StateEnding:
		s.mu.Unlock()
		return
	case (s.state == StatePending || s.state == StateConnecting) && c.failed:
		s.cause = c
		s.transitionLocked(StateFailed)
		s.mu.Unlock()
		return
	default:
		s.cause = c
		if err := s.transitionLocked(StateEnding); err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		go s.teardown(c)
	}
}

// teardown stops the relay within the grace period, closes what is left and
// completes the ENDING transition. Partial failures are logged and never
// block reaching a terminal state.
func (s *Session) teardown(c endCause) {
	s.mu.Lock()
	rl := s.relay
	rec := s.rec
	s.mu.Unlock()

	if rl != nil {
		if err := rl.stop(s.cfg.StopGrace); err != nil {
			s.log.Warn("Relay stop reported errors", "err", err)
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.log.Warn("Recording close failed", "err", err)
		}
	}

	s.mu.Lock()
	to := StateEnded
	if c.failed {
		to = StateFailed
	}
	s.transitionLocked(to)
	s.mu.Unlock()
}

// transitionLocked applies one state change with its side effects. Callers
// hold mu.
func (s *Session) transitionLocked(to SessionState) error {
	allowed := false
	for _, a := range allowedTransitions[s.state] {
		if a == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("transition %s -> %s not allowed", s.state, to)
	}

	from := s.state
	s.state = to
	s.log.Info("Session state changed", "from", from.String(), "to", to.String())

	switch to {
	case StateActive:
		s.stopTimerLocked()
		s.startRelayLocked()
		s.notifyStateLocked(StateActive)
	case StateEnded, StateFailed:
		s.finalizeLocked(to)
	}
	return nil
}

func (s *Session) startRelayLocked() {
	if s.recDir != "" {
		rec, err := NewRecording(s.recDir, s.CallID)
		if err != nil {
			s.log.Warn("Recording disabled for call", "err", err)
		} else {
			s.rec = rec
		}
	}
	s.relay = newRelay(s.log, s.cfg, s.currentLeg, s.transcoder, s.rec, s.relayFailed)
	s.relay.start()
}

func (s *Session) currentLeg(role Role) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legs[role]
}

func (s *Session) stopTimerLocked() {
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
}

// finalizeLocked runs exactly once per session, on entering a terminal
// state: close remaining legs, notify collaborators, leave the registry.
func (s *Session) finalizeLocked(terminal SessionState) {
	s.stopTimerLocked()

	cause := s.cause
	for role, leg := range s.legs {
		delete(s.legs, role)
		if cause.failed {
			go leg.CloseWithCause(s.CallID, cause.reason)
		} else {
			go leg.Close()
		}
	}

	s.notifyStateLocked(terminal)
	s.doneOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			go s.onClose(s)
		}
	})
}

// notifyStateLocked invokes the persistence and notification collaborators
// for a state at most once. Failures are logged and never fed back into the
// session.
func (s *Session) notifyStateLocked(state SessionState) {
	if s.notified[state] {
		return
	}
	s.notified[state] = true

	at := time.Now()
	summary := fmt.Sprintf("call %s %s after %s (%s)", s.CallID, state, at.Sub(s.CreatedAt).Round(time.Second), s.cause.reason)
	if state == StateActive {
		summary = ""
	}
	st, n, log := s.store, s.notifier, s.log

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()

		if st != nil {
			if err := st.SaveCallState(ctx, s.CallID, state.String(), at); err != nil {
				log.Error("Persistence collaborator failed", "state", state.String(), "err", err)
			}
		}
		if n != nil && state != StateActive {
			if err := n.NotifyCallEnd(ctx, s.CallID, state.String(), summary); err != nil {
				log.Error("Notification collaborator failed", "state", state.String(), "err", err)
			}
		}
	}()
}
