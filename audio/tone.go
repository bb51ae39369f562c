// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// TonePCM generates a sine tone as 16-bit little endian PCM at the given
// sample rate.
func TonePCM(sampleRate int, freq float64, d time.Duration) []byte {
	const volume = 0.2

	numSamples := int(float64(sampleRate) * d.Seconds())
	out := make([]byte, 2*numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := volume * math.Sin(2*math.Pi*freq*t)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample*math.MaxInt16)))
	}
	return out
}

// DialTonePCM generates two seconds of the 350 and 440 Hz dial tone mix.
func DialTonePCM(sampleRate int) []byte {
	const (
		volume = 0.3
		freq1  = 350.0
		freq2  = 440.0
	)

	numSamples := 2 * sampleRate
	out := make([]byte, 2*numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := volume * (math.Sin(2*math.Pi*freq1*t) + math.Sin(2*math.Pi*freq2*t)) / 2.0
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample*math.MaxInt16)))
	}
	return out
}
