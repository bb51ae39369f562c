// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

// Package store persists call state transitions and post call signaling
// history. The bridge treats it as fire and forget, a failing store never
// disturbs a live call.
package store

import (
	"context"
	"time"

	"github.com/buzzline/callbridge/wire"
)

// Store is the persistence collaborator contract.
type Store interface {
	// SaveCallState records one lifecycle transition of a call.
	SaveCallState(ctx context.Context, callID, state string, at time.Time) error
	// SaveCallHistory records the signaling dump the telephony platform
	// posts after a call.
	SaveCallHistory(ctx context.Context, callID string, cmds []wire.Signaling) error
}

// StateRecord is the stored shape of one transition.
type StateRecord struct {
	CallID string    `json:"callId"`
	State  string    `json:"state"`
	At     time.Time `json:"at"`
}
