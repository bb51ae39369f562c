// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/buzzline/callbridge/audio"
	"github.com/buzzline/callbridge/wire"
)

// Per channel PCM backlog while waiting for the other side to catch up.
// One second at 8 kHz 16 bit. Overflow drops the oldest samples.
var RecordingBacklogMax = 16 * 1024

// Recording tees the audio of both relay directions into one stereo wav
// file, telephony on the left channel, mobile on the right. Both pumps feed
// it concurrently; interleaving happens under its lock.
type Recording struct {
	mu     sync.Mutex
	paused atomic.Bool

	CallID string

	path   string
	f      *os.File
	wav    *audio.WavWriter
	dec    map[Role]*audio.PCMDecoder
	chans  map[Role][]byte
	closed bool
}

// NewRecording creates <dir>/<callID>.wav and prepares the writer. The
// session opens it on ACTIVE and closes it during teardown.
func NewRecording(dir, callID string) (*Recording, error) {
	path := filepath.Join(dir, filepath.Base(callID)+".wav")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recording{
		CallID: callID,
		path:   path,
		f:      f,
		wav:    audio.NewWavWriter(f, 8000, 2),
		dec:    make(map[Role]*audio.PCMDecoder, 2),
		chans:  make(map[Role][]byte, 2),
	}, nil
}

// Path returns the wav file location.
func (r *Recording) Path() string { return r.path }

// Pause toggles recording without closing the file.
func (r *Recording) Pause(toggle bool) {
	r.paused.Store(toggle)
}

// WriteAudio decodes one frame into PCM and folds it into the stereo
// stream. Undecodable frames are skipped, a recording problem never
// disturbs the relay.
func (r *Recording) WriteAudio(from Role, a *wire.Audio) {
	if r.paused.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	dec := r.dec[from]
	if dec == nil {
		d, err := audio.NewPCMDecoder(a.PayloadType())
		if err != nil {
			log.Debug().Str("callID", r.CallID).Uint8("payloadType", a.PayloadType()).Msg("Recording skips codec")
			return
		}
		dec = d
		r.dec[from] = dec
	}

	lpcm := make([]byte, 2*len(a.Packet.Payload))
	n, err := dec.DecoderTo(lpcm, a.Packet.Payload)
	if err != nil {
		log.Error().Err(err).Str("callID", r.CallID).Msg("Recording failed to decode frame")
		return
	}

	buf := append(r.chans[from], lpcm[:n]...)
	if len(buf) > RecordingBacklogMax {
		buf = buf[len(buf)-RecordingBacklogMax:]
	}
	r.chans[from] = buf

	if err := r.flushLocked(false); err != nil {
		log.Error().Err(err).Str("callID", r.CallID).Msg("Recording write failed")
	}
}

// flushLocked interleaves as many sample pairs as both channels hold. On the
// final flush the shorter channel is padded with silence so no audio is cut.
func (r *Recording) flushLocked(final bool) error {
	left := r.chans[RoleTelephony]
	right := r.chans[RoleMobile]

	n := min(len(left), len(right))
	if final {
		n = max(len(left), len(right))
		if len(left) < n {
			left = append(left, make([]byte, n-len(left))...)
		}
		if len(right) < n {
			right = append(right, make([]byte, n-len(right))...)
		}
	}
	n -= n % 2
	if n == 0 {
		return nil
	}

	inter := make([]byte, 0, 2*n)
	for i := 0; i < n; i += 2 {
		inter = append(inter, left[i], left[i+1], right[i], right[i+1])
	}
	r.chans[RoleTelephony] = left[n:]
	r.chans[RoleMobile] = right[n:]

	_, err := r.wav.Write(inter)
	return err
}

// Close flushes the tail, finalizes the wav header and closes the file.
func (r *Recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	log.Debug().Str("callID", r.CallID).Str("path", r.path).Msg("Saving call recording")

	err := r.flushLocked(true)
	err = errors.Join(err, r.wav.Close())
	return errors.Join(err, r.f.Close())
}
