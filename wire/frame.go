// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

// Package wire defines the frame model exchanged on call leg websockets and
// its codec. Text messages carry JSON signaling commands, binary messages
// carry RTP audio packets.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
)

// Command is the discriminant of a signaling frame.
type Command string

const (
	CommandConnect   Command = "connect"
	CommandRing      Command = "ring"
	CommandAnswer    Command = "answer"
	CommandHangup    Command = "hangup"
	CommandBusy      Command = "busy"
	CommandRecall    Command = "recall"
	CommandMessage   Command = "message"
	CommandError     Command = "error"
	CommandHeartbeat Command = "heartbeat"
)

// Sides as the telephony platform reports them.
const (
	SideCaller = "caller"
	SideCallee = "callee"
)

var knownCommands = map[Command]struct{}{
	CommandConnect:   {},
	CommandRing:      {},
	CommandAnswer:    {},
	CommandHangup:    {},
	CommandBusy:      {},
	CommandRecall:    {},
	CommandMessage:   {},
	CommandError:     {},
	CommandHeartbeat: {},
}

// Frame is one unit on a leg connection. Concrete types are *Signaling and
// *Audio, switched exhaustively at the relay and codec boundaries.
type Frame interface {
	isFrame()
}

// Signaling is a control command in the platform JSON shape. Relaying
// remarshals the struct, so every field the platform sends must be carried.
type Signaling struct {
	Command           Command `json:"command"`
	ID                string  `json:"id,omitempty"`
	Timestamp         int64   `json:"timestamp,omitempty"`
	Side              string  `json:"side,omitempty"`
	CallID            string  `json:"callId,omitempty"`
	Status            string  `json:"status,omitempty"`
	Text              string  `json:"text,omitempty"`
	Type              string  `json:"type,omitempty"` // message revision marker, whole or partial
	DestinationNumber string  `json:"destinationNumber,omitempty"`
}

func (*Signaling) isFrame() {}

// Terminal reports whether the command ends the call.
func (s *Signaling) Terminal() bool {
	return s.Command == CommandHangup || s.Command == CommandBusy
}

// Audio is one RTP packet. Raw keeps the bytes as read so relaying without
// transcoding does not remarshal.
type Audio struct {
	Packet rtp.Packet
	Raw    []byte
}

func (*Audio) isFrame() {}

// PayloadType returns the RTP payload type of the packet.
func (a *Audio) PayloadType() uint8 {
	return a.Packet.PayloadType
}

// NewSignaling builds a locally originated signaling frame with a fresh id
// and current timestamp.
func NewSignaling(cmd Command, callID string) *Signaling {
	return &Signaling{
		Command:   cmd,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		CallID:    callID,
	}
}

// MalformedFrameError reports a message that does not decode into a Frame.
// Callers drop the frame and count it toward their disconnect threshold.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "wire: malformed frame: " + e.Reason
}

// Decode parses one websocket message into a Frame. messageType is the
// websocket message type as read from the connection.
func Decode(messageType int, data []byte) (Frame, error) {
	switch messageType {
	case websocket.TextMessage:
		s, err := decodeSignaling(data)
		if err != nil {
			return nil, err
		}
		return s, nil
	case websocket.BinaryMessage:
		a, err := decodeAudio(data)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unsupported message type %d", messageType)}
	}
}

func decodeSignaling(data []byte) (*Signaling, error) {
	var s Signaling
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &MalformedFrameError{Reason: err.Error()}
	}
	if _, ok := knownCommands[s.Command]; !ok {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unknown command %q", s.Command)}
	}
	return &s, nil
}

func decodeAudio(data []byte) (*Audio, error) {
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return nil, &MalformedFrameError{Reason: err.Error()}
	}
	return &Audio{Packet: p, Raw: data}, nil
}

// Encode serializes a Frame back into a websocket message. It is total for
// frames produced by Decode or NewSignaling.
func Encode(f Frame) (messageType int, data []byte, err error) {
	switch fr := f.(type) {
	case *Signaling:
		data, err = json.Marshal(fr)
		if err != nil {
			return 0, nil, fmt.Errorf("wire: encode signaling: %w", err)
		}
		return websocket.TextMessage, data, nil
	case *Audio:
		if fr.Raw != nil {
			return websocket.BinaryMessage, fr.Raw, nil
		}
		data, err = fr.Packet.Marshal()
		if err != nil {
			return 0, nil, fmt.Errorf("wire: encode audio: %w", err)
		}
		return websocket.BinaryMessage, data, nil
	default:
		return 0, nil, fmt.Errorf("wire: unknown frame type %T", f)
	}
}
