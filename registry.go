// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrSessionNotFound is returned by lookups for call ids with no live session.
	ErrSessionNotFound = errors.New("session does not exist")
	// ErrDuplicateRole rejects attaching a role already held by a live leg.
	ErrDuplicateRole = errors.New("leg role already attached")
)

// TakeoverPolicy decides what happens when a leg connects for a role that is
// already attached to a live session.
type TakeoverPolicy string

const (
	// TakeoverReject refuses the new leg with ErrDuplicateRole.
	TakeoverReject TakeoverPolicy = "reject"
	// TakeoverReplace drops the old leg and hands its role to the new one.
	TakeoverReplace TakeoverPolicy = "takeover"
)

// AttachResult tells the caller whether its leg opened the session.
type AttachResult int

const (
	CreatedNewSession AttachResult = iota + 1
	JoinedExistingSession
)

func (r AttachResult) String() string {
	switch r {
	case CreatedNewSession:
		return "created"
	case JoinedExistingSession:
		return "joined"
	}
	return fmt.Sprintf("attach result %d", int(r))
}

// SessionCache stores live sessions by call id. The default is an in process
// map; the interface exists so a shared cache can replace it. Delete takes
// the session so call ids reused by later calls cannot be evicted by a stale
// teardown.
type SessionCache interface {
	SessionLoadOrStore(ctx context.Context, callID string, s *Session) (*Session, bool, error)
	SessionLoad(ctx context.Context, callID string) (*Session, error)
	SessionDelete(ctx context.Context, callID string, s *Session) error
	SessionRange(ctx context.Context, f func(callID string, s *Session) bool) error
}

type sessionCacheMap struct{ sync.Map }

func (m *sessionCacheMap) SessionLoadOrStore(ctx context.Context, callID string, s *Session) (*Session, bool, error) {
	v, loaded := m.LoadOrStore(callID, s)
	return v.(*Session), loaded, nil
}

func (m *sessionCacheMap) SessionLoad(ctx context.Context, callID string) (*Session, error) {
	v, ok := m.Load(callID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session), nil
}

func (m *sessionCacheMap) SessionDelete(ctx context.Context, callID string, s *Session) error {
	m.CompareAndDelete(callID, s)
	return nil
}

func (m *sessionCacheMap) SessionRange(ctx context.Context, f func(callID string, s *Session) bool) error {
	m.Range(func(key, value any) bool {
		return f(key.(string), value.(*Session))
	})
	return nil
}

// Registry maps call ids to sessions and owns leg attachment. Creation is
// atomic per call id, so two legs racing for the same call always land on one
// session. There is no lock across entries.
type Registry struct {
	log        *slog.Logger
	cache      SessionCache
	takeover   TakeoverPolicy
	newSession func(callID string) *Session
}

func newRegistry(log *slog.Logger, cache SessionCache, takeover TakeoverPolicy, factory func(callID string) *Session) *Registry {
	return &Registry{
		log:        log,
		cache:      cache,
		takeover:   takeover,
		newSession: factory,
	}
}

// AttachLeg finds or creates the session for callID and attaches the leg to
// its role slot. A session found in teardown is evicted and replaced, so a
// stale entry never strands a new call.
func (r *Registry) AttachLeg(ctx context.Context, callID string, leg *Leg) (AttachResult, *Session, error) {
	for {
		fresh := r.newSession(callID)
		s, loaded, err := r.cache.SessionLoadOrStore(ctx, callID, fresh)
		if err != nil {
			return 0, nil, fmt.Errorf("session cache: %w", err)
		}
		if !loaded {
			s.start()
		}

		if err := s.attach(leg, r.takeover); err != nil {
			if errors.Is(err, errSessionClosed) {
				// Lost the race against teardown. Evict and retry.
				r.cache.SessionDelete(ctx, callID, s)
				continue
			}
			return 0, nil, err
		}

		res := JoinedExistingSession
		if !loaded {
			res = CreatedNewSession
		}
		r.log.Info("Leg attached", "callID", callID, "role", string(leg.Role), "result", res.String())
		return res, s, nil
	}
}

// DetachLeg drops the leg reference for the role. When it leaves the session
// without any leg, the session is asked to terminate. Calling it again after
// teardown is a no-op.
func (r *Registry) DetachLeg(ctx context.Context, callID string, role Role, cause error) error {
	s, err := r.cache.SessionLoad(ctx, callID)
	if err != nil {
		return err
	}
	s.legDisconnected(role, cause)
	return nil
}

// Lookup returns the live session for callID.
func (r *Registry) Lookup(ctx context.Context, callID string) (*Session, error) {
	return r.cache.SessionLoad(ctx, callID)
}

// Len counts live sessions.
func (r *Registry) Len(ctx context.Context) int {
	n := 0
	r.cache.SessionRange(ctx, func(string, *Session) bool {
		n++
		return true
	})
	return n
}

// evict removes a terminal session, keeping newer entries for the same call
// id intact.
func (r *Registry) evict(ctx context.Context, s *Session) {
	r.cache.SessionDelete(ctx, s.CallID, s)
}
