// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package audio

import (
	"encoding/binary"
	"io"
)

// WavWriter streams linear PCM into a wav container. The header is written
// lazily on first write with a zero data size and fixed up on Close, so the
// target must be seekable.
type WavWriter struct {
	SampleRate int
	BitDepth   int
	NumChans   int

	w              io.WriteSeeker
	headersWritten bool
	dataSize       int64
}

// NewWavWriter returns a writer for 16-bit PCM at the given rate and channel
// count. Call recordings use 8000 Hz stereo.
func NewWavWriter(w io.WriteSeeker, sampleRate, numChans int) *WavWriter {
	return &WavWriter{
		SampleRate: sampleRate,
		BitDepth:   16,
		NumChans:   numChans,
		w:          w,
	}
}

func (ww *WavWriter) Write(audio []byte) (int, error) {
	if !ww.headersWritten {
		if _, err := ww.writeHeader(); err != nil {
			return 0, err
		}
		ww.headersWritten = true
	}
	n, err := ww.w.Write(audio)
	ww.dataSize += int64(n)
	return n, err
}

func (ww *WavWriter) writeHeader() (int, error) {
	const (
		headerSize   = 44
		fmtChunkSize = 16
		formatPCM    = 1
	)

	header := make([]byte, headerSize)
	copy(header[0:4], []byte("RIFF"))
	binary.LittleEndian.PutUint32(header[4:8], uint32(ww.dataSize+headerSize-8))
	copy(header[8:12], []byte("WAVE"))

	copy(header[12:16], []byte("fmt "))
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], formatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(ww.NumChans))
	binary.LittleEndian.PutUint32(header[24:28], uint32(ww.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(ww.SampleRate*ww.BitDepth*ww.NumChans/8))
	binary.LittleEndian.PutUint16(header[32:34], uint16(ww.BitDepth*ww.NumChans/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(ww.BitDepth))

	copy(header[36:40], []byte("data"))
	binary.LittleEndian.PutUint32(header[40:44], uint32(ww.dataSize))

	return ww.w.Write(header)
}

// Close rewrites the header with the final sizes. It does not close the
// underlying target.
func (ww *WavWriter) Close() error {
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := ww.writeHeader()
	return err
}
