// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/buzzline/callbridge/wire"
)

// How many state records one call keeps.
const stateListMax = 100

// Redis keeps per call state transitions and signaling history in capped
// lists with a TTL, plus a recent calls index for operators.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Connected to redis")
	return &Redis{client: rdb, ttl: ttl}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func stateKey(callID string) string {
	return fmt.Sprintf("call:%s:states", callID)
}

func historyKey(callID string) string {
	return fmt.Sprintf("call:%s:history", callID)
}

const recentKey = "calls:recent"

// SaveCallState pushes one transition record, newest at head.
func (r *Redis) SaveCallState(ctx context.Context, callID, state string, at time.Time) error {
	data, err := json.Marshal(StateRecord{CallID: callID, State: state, At: at})
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}

	key := stateKey(callID)
	if err := r.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to store state record: %w", err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("callID", callID).Msg("Failed to set TTL on call states")
	}
	if err := r.client.LTrim(ctx, key, 0, stateListMax-1).Err(); err != nil {
		log.Warn().Err(err).Str("callID", callID).Msg("Failed to trim call states")
	}

	if err := r.client.LPush(ctx, recentKey, callID).Err(); err == nil {
		r.client.LTrim(ctx, recentKey, 0, stateListMax-1)
	}
	return nil
}

// SaveCallHistory stores the whole signaling dump as one JSON document.
func (r *Redis) SaveCallHistory(ctx context.Context, callID string, cmds []wire.Signaling) error {
	data, err := json.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("failed to marshal call history: %w", err)
	}
	if err := r.client.Set(ctx, historyKey(callID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store call history: %w", err)
	}
	return nil
}

// CallStates returns the stored transitions, oldest first.
func (r *Redis) CallStates(ctx context.Context, callID string) ([]StateRecord, error) {
	items, err := r.client.LRange(ctx, stateKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call states: %w", err)
	}

	out := make([]StateRecord, 0, len(items))
	// LPush stores newest first, walk backwards.
	for i := len(items) - 1; i >= 0; i-- {
		var rec StateRecord
		if err := json.Unmarshal([]byte(items[i]), &rec); err != nil {
			log.Warn().Err(err).Str("callID", callID).Msg("Skipping undecodable state record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CallHistory returns the stored signaling dump.
func (r *Redis) CallHistory(ctx context.Context, callID string) ([]wire.Signaling, error) {
	data, err := r.client.Get(ctx, historyKey(callID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read call history: %w", err)
	}
	var cmds []wire.Signaling
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("failed to decode call history: %w", err)
	}
	return cmds, nil
}
