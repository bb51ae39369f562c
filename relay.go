// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/buzzline/callbridge/audio"
	"github.com/buzzline/callbridge/wire"
)

// DropPolicy decides which audio frame goes when a relay direction buffer is
// full. Signaling is never dropped under either policy.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop-oldest"
	DropNewest DropPolicy = "drop-newest"
)

// RelayError is an unrecoverable I/O or transcode failure on one leg while
// relaying. The session resolves it into a terminal transition.
type RelayError struct {
	Role Role
	Err  error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s leg: %v", e.Role, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

var errRelayStopped = errors.New("relay stopped")

// frameQueue is the bounded buffer between a leg reader and a direction
// pump. Overflow evicts audio per policy. A push of signaling into a queue
// holding only signaling blocks until the pump drains, which pauses the
// reader, the backpressure of last resort.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []wire.Frame
	max    int
	policy DropPolicy
	closed bool

	droppedAudio int
}

func newFrameQueue(max int, policy DropPolicy) *frameQueue {
	q := &frameQueue{
		max:    max,
		policy: policy,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *frameQueue) push(f wire.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return errRelayStopped
		}
		if len(q.frames) < q.max {
			q.frames = append(q.frames, f)
			q.cond.Broadcast()
			return nil
		}

		if _, ok := f.(*wire.Audio); ok {
			if q.policy == DropNewest || !q.evictAudioLocked() {
				// Under drop-newest the incoming frame goes. Same when the
				// backlog is all signaling, there is nothing else droppable.
				q.droppedAudio++
				return nil
			}
			continue
		}

		// Signaling is never dropped. Make room by evicting audio, or pause
		// the reader until the pump drains.
		if q.evictAudioLocked() {
			continue
		}
		q.cond.Wait()
	}
}

// evictAudioLocked removes one buffered audio frame, the oldest under
// drop-oldest and the newest under drop-newest. Relative order of what
// remains is untouched.
func (q *frameQueue) evictAudioLocked() bool {
	if q.policy == DropNewest {
		for i := len(q.frames) - 1; i >= 0; i-- {
			if _, ok := q.frames[i].(*wire.Audio); ok {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				q.droppedAudio++
				return true
			}
		}
		return false
	}
	for i, fr := range q.frames {
		if _, ok := fr.(*wire.Audio); ok {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.droppedAudio++
			return true
		}
	}
	return false
}

// pop blocks for the next frame. ok is false once the queue is closed and
// drained.
func (q *frameQueue) pop() (wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	q.cond.Broadcast()
	return f, true
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *frameQueue) dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedAudio
}

// relay pumps frames between the two legs of an ACTIVE session. Each
// direction runs its own bounded queue and pump goroutine, so a stalled
// consumer on one side never blocks the other.
type relay struct {
	log    *slog.Logger
	cfg    Config
	legFor func(Role) *Leg
	tc     audio.Transcoder
	rec    *Recording

	fromTelephony *frameQueue
	fromMobile    *frameQueue

	onError  func(*RelayError)
	errOnce  sync.Once
	stopOnce sync.Once
	errCh    chan error
}

func newRelay(log *slog.Logger, cfg Config, legFor func(Role) *Leg, tc audio.Transcoder, rec *Recording, onError func(*RelayError)) *relay {
	return &relay{
		log:           log,
		cfg:           cfg,
		legFor:        legFor,
		tc:            tc,
		rec:           rec,
		fromTelephony: newFrameQueue(cfg.RelayBufferSize, cfg.DropPolicy),
		fromMobile:    newFrameQueue(cfg.RelayBufferSize, cfg.DropPolicy),
		onError:       onError,
		errCh:         make(chan error, 2),
	}
}

func (r *relay) start() {
	go r.pumpBackground(RoleTelephony)
	go r.pumpBackground(RoleMobile)
}

func (r *relay) queueFor(from Role) *frameQueue {
	if from == RoleTelephony {
		return r.fromTelephony
	}
	return r.fromMobile
}

// forward hands a frame read from a leg to its direction queue. It blocks
// only when the queue is full of signaling, which is the pause the drop
// policy cannot resolve.
func (r *relay) forward(from Role, f wire.Frame) error {
	return r.queueFor(from).push(f)
}

// pumpBackground drains one direction until its queue closes or the
// destination leg fails. Exactly one result lands on errCh per pump.
func (r *relay) pumpBackground(from Role) {
	to := from.Other()
	q := r.queueFor(from)
	log := r.log.With("direction", string(from)+">"+string(to))

	var rerr *RelayError
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		if err := r.deliver(from, to, f); err != nil {
			rerr = &RelayError{Role: to, Err: err}
			break
		}
	}

	if dropped := q.dropped(); dropped > 0 {
		log.Debug("Relay direction finished with audio drops", "dropped", dropped)
	}
	if rerr != nil {
		r.errOnce.Do(func() {
			if r.onError != nil {
				r.onError(rerr)
			}
		})
		r.errCh <- rerr
		return
	}
	r.errCh <- nil
}

// deliver writes one frame to the destination leg, transcoding audio when
// the legs talk different companding laws and teeing it into the recording.
func (r *relay) deliver(from, to Role, f wire.Frame) error {
	dst := r.legFor(to)
	if dst == nil {
		return net.ErrClosed
	}

	if a, ok := f.(*wire.Audio); ok {
		if r.rec != nil {
			r.rec.WriteAudio(from, a)
		}
		if r.tc != nil {
			if dstCodec, known := dst.Codec(); known &&
				dstCodec != a.PayloadType() &&
				audio.IsG711(dstCodec) && audio.IsG711(a.PayloadType()) {
				out, err := r.tc.Transcode(a.Packet.Payload, a.PayloadType(), dstCodec)
				if err != nil {
					return fmt.Errorf("transcode: %w", err)
				}
				pkt := a.Packet
				pkt.PayloadType = dstCodec
				pkt.Payload = out
				f = &wire.Audio{Packet: pkt}
			}
		}
	}
	return dst.WriteFrame(f)
}

// stop closes both queues and waits for the pumps to drain. If they do not
// cease within grace, the legs are closed underneath them, which bounds the
// wait. Session teardown calls it exactly once.
func (r *relay) stop(grace time.Duration) error {
	r.stopOnce.Do(func() {
		r.fromTelephony.close()
		r.fromMobile.close()
	})

	timeout := time.NewTimer(grace)
	defer timeout.Stop()

	var err error
	forced := false
	for i := 0; i < 2; i++ {
		select {
		case e := <-r.errCh:
			err = errors.Join(err, e)
		case <-timeout.C:
			if !forced {
				forced = true
				if l := r.legFor(RoleTelephony); l != nil {
					l.Close()
				}
				if l := r.legFor(RoleMobile); l != nil {
					l.Close()
				}
			}
			// One more blocking wait per pump, closes unblock their writes.
			e := <-r.errCh
			err = errors.Join(err, e)
		}
	}
	return err
}
