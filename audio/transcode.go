// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

// Package audio converts between the G.711 payloads carried on call legs and
// 16-bit linear PCM, and writes call recordings as wav.
package audio

import (
	"fmt"
	"io"

	"github.com/zaf/g711"
)

// RTP payload types carried on leg websockets.
const (
	PayloadTypeUlaw uint8 = 0
	PayloadTypeAlaw uint8 = 8
)

// IsG711 reports whether a payload type is one of the two companding laws.
func IsG711(payloadType uint8) bool {
	return payloadType == PayloadTypeUlaw || payloadType == PayloadTypeAlaw
}

// Transcoder converts an audio payload from one codec to another. The relay
// calls it per frame, so implementations must be safe for concurrent use by
// both directions.
type Transcoder interface {
	Transcode(payload []byte, from, to uint8) ([]byte, error)
}

// G711 transcodes between the two G.711 companding laws.
type G711 struct{}

func (G711) Transcode(payload []byte, from, to uint8) ([]byte, error) {
	if from == to || len(payload) == 0 {
		return payload, nil
	}
	switch {
	case from == PayloadTypeUlaw && to == PayloadTypeAlaw:
		return g711.Ulaw2Alaw(payload), nil
	case from == PayloadTypeAlaw && to == PayloadTypeUlaw:
		return g711.Alaw2Ulaw(payload), nil
	}
	return nil, fmt.Errorf("audio: no transcode path %d -> %d", from, to)
}

// DecodeUlawTo decodes ulaw into lpcm as 16-bit little endian samples.
// lpcm must hold 2*len(ulaw) bytes.
func DecodeUlawTo(lpcm []byte, ulaw []byte) (n int, err error) {
	if ulaw == nil {
		return 0, nil
	}
	if len(lpcm) < 2*len(ulaw) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		frame := g711.DecodeUlawFrame(ulaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// DecodeAlawTo is DecodeUlawTo for the A-law companding.
func DecodeAlawTo(lpcm []byte, alaw []byte) (n int, err error) {
	if alaw == nil {
		return 0, nil
	}
	if len(lpcm) < 2*len(alaw) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(alaw); i, j = i+1, j+2 {
		frame := g711.DecodeAlawFrame(alaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
	}
	return 2 * len(alaw), nil
}

// EncodeUlawTo encodes 16-bit little endian lpcm into ulaw.
// ulaw must hold len(lpcm)/2 bytes.
func EncodeUlawTo(ulaw []byte, lpcm []byte) (n int, err error) {
	if len(lpcm) > len(ulaw)*2 {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		ulaw[i] = g711.EncodeUlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

// EncodeAlawTo is EncodeUlawTo for the A-law companding.
func EncodeAlawTo(alaw []byte, lpcm []byte) (n int, err error) {
	if len(lpcm) > len(alaw)*2 {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		alaw[i] = g711.EncodeAlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

// PCMDecoder turns one G.711 stream into linear PCM, used by call recording.
type PCMDecoder struct {
	// DecoderTo must know the output size in advance.
	DecoderTo func(lpcm []byte, encoded []byte) (int, error)
}

func NewPCMDecoder(payloadType uint8) (*PCMDecoder, error) {
	dec := &PCMDecoder{}
	switch payloadType {
	case PayloadTypeUlaw:
		dec.DecoderTo = DecodeUlawTo
	case PayloadTypeAlaw:
		dec.DecoderTo = DecodeAlawTo
	default:
		return nil, fmt.Errorf("audio: unsupported payload type %d", payloadType)
	}
	return dec, nil
}
