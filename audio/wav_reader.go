// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package audio

import (
	"io"

	"github.com/go-audio/riff"
)

// WavReader streams the PCM samples of a wav file, used to inspect call
// recordings. ReadHeaders must run before Read; the embedded parser then
// carries the format fields.
type WavReader struct {
	riff.Parser
	data     *riff.Chunk
	DataSize int
}

func NewWavReader(r io.Reader) *WavReader {
	return &WavReader{Parser: *riff.New(r)}
}

// ReadHeaders walks the chunks up to the start of the sample data.
func (r *WavReader) ReadHeaders() error {
	if err := r.Parser.ParseHeaders(); err != nil {
		return err
	}
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		if err := chunk.DecodeWavHeader(&r.Parser); err != nil {
			return err
		}
		break
	}
	return r.findDataChunk()
}

func (r *WavReader) findDataChunk() error {
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}
		if chunk.ID != riff.DataFormatID {
			chunk.Drain()
			continue
		}
		r.data = chunk
		r.DataSize = chunk.Size
		return nil
	}
}

// Read hands out raw little endian PCM from the data chunk.
func (r *WavReader) Read(buf []byte) (int, error) {
	if r.data == nil {
		if err := r.findDataChunk(); err != nil {
			return 0, err
		}
	}
	return r.data.Read(buf)
}
