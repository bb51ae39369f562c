// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

// Package telegram delivers call end notifications through the Telegram Bot
// API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier posts one message per finished call to a chat.
type Notifier struct {
	// BaseURL is replaceable for tests.
	BaseURL string
	Client  *http.Client

	token  string
	chatID string
}

func NewNotifier(token, chatID string) *Notifier {
	return &Notifier{
		BaseURL: defaultBaseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
		chatID:  chatID,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NotifyCallEnd sends the summary. state is the terminal session state,
// already rendered.
func (n *Notifier) NotifyCallEnd(ctx context.Context, callID, state, summary string) error {
	text := summary
	if text == "" {
		text = fmt.Sprintf("call %s finished with state %s", callID, state)
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: n.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.BaseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer res.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if res.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram: sendMessage rejected: status %d: %s", res.StatusCode, out.Description)
	}
	return nil
}
