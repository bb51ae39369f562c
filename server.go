// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package callbridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/buzzline/callbridge/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

type resultResponse struct {
	Result string `json:"result"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (cb *Callbridge) buildServer() *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/health", cb.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/voximplant/v1/calls/{callId}/websocket", cb.handleTelephonyWS).Methods(http.MethodGet)
	router.HandleFunc("/voximplant/v1/calls/{callId}/data", cb.handleCallData).Methods(http.MethodPost)
	router.HandleFunc("/mobile/v1/incoming_ws", cb.handleMobileWS).Methods(http.MethodGet)
	if cb.cfg.EnableAdminClose {
		router.HandleFunc("/admin/v1/calls/{callId}/close", cb.handleAdminClose).Methods(http.MethodPost)
	}

	return &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// apiKeyOK guards the telephony platform endpoints. An empty configured key
// disables the check, for local runs.
func (cb *Callbridge) apiKeyOK(r *http.Request) bool {
	if cb.cfg.APIKey == "" {
		return true
	}
	return r.URL.Query().Get("api_key") == cb.cfg.APIKey
}

func (cb *Callbridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: cb.registry.Len(r.Context()),
	})
}

// handleTelephonyWS serves the telephony platform leg. The call id comes
// from the path, the platform scenario connects here once the PSTN side is
// up.
func (cb *Callbridge) handleTelephonyWS(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	if !cb.apiKeyOK(r) {
		respondJSON(w, http.StatusForbidden, resultResponse{Result: "reject"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cb.log.Warn("Telephony upgrade failed", "callID", callID, "err", err)
		return
	}

	leg := NewLeg(RoleTelephony, conn, cb.cfg.WriteTimeout)
	if err := cb.OnLegConnected(r.Context(), callID, leg); err != nil {
		cb.log.Warn("Telephony leg rejected", "callID", callID, "err", err)
		leg.CloseWithCause(callID, attachRejectionCause(err))
	}
}

// handleMobileWS serves the mobile client leg. The call id is not in the
// path: the client must identify the call with a connect frame, its first
// message.
func (cb *Callbridge) handleMobileWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		respondJSON(w, http.StatusUnauthorized, resultResponse{Result: "reject"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cb.log.Warn("Mobile upgrade failed", "err", err)
		return
	}

	leg := NewLeg(RoleMobile, conn, cb.cfg.WriteTimeout)
	hello, err := cb.readMobileHello(leg)
	if err != nil {
		cb.log.Warn("Mobile leg identification failed", "err", err)
		leg.CloseWithCause("", "expected connect frame")
		return
	}

	if err := cb.runLeg(r.Context(), hello.CallID, leg, hello); err != nil {
		cb.log.Warn("Mobile leg rejected", "callID", hello.CallID, "err", err)
		leg.CloseWithCause(hello.CallID, attachRejectionCause(err))
	}
}

// readMobileHello waits for the identifying connect frame within the
// handshake window.
func (cb *Callbridge) readMobileHello(leg *Leg) (*wire.Signaling, error) {
	f, err := leg.ReadFrame(cb.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	s, ok := f.(*wire.Signaling)
	if !ok || s.Command != wire.CommandConnect || s.CallID == "" {
		return nil, errors.New("first frame must be connect with a call id")
	}
	return s, nil
}

// handleCallData receives the platform's post call signaling dump and hands
// it to the persistence collaborator.
func (cb *Callbridge) handleCallData(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	if !cb.apiKeyOK(r) {
		respondJSON(w, http.StatusForbidden, resultResponse{Result: "reject"})
		return
	}

	var cmds []wire.Signaling
	if err := decodeJSON(r, &cmds); err != nil {
		respondJSON(w, http.StatusBadRequest, resultResponse{Result: "reject"})
		return
	}
	if cb.store != nil {
		if err := cb.store.SaveCallHistory(r.Context(), callID, refineHistory(cmds)); err != nil {
			cb.log.Error("Persisting call history failed", "callID", callID, "err", err)
			respondJSON(w, http.StatusInternalServerError, resultResponse{Result: "error"})
			return
		}
	}
	respondJSON(w, http.StatusOK, resultResponse{Result: "ok"})
}

// refineHistory reduces a signaling dump to one record per command id and
// orders it by timestamp. The platform edits a command by resending its id
// with a reassigned timestamp, the newest revision wins.
func refineHistory(cmds []wire.Signaling) []wire.Signaling {
	index := make(map[string]int, len(cmds))
	out := make([]wire.Signaling, 0, len(cmds))
	for _, cmd := range cmds {
		i, seen := index[cmd.ID]
		if !seen {
			index[cmd.ID] = len(out)
			out = append(out, cmd)
			continue
		}
		if cmd.Timestamp > out[i].Timestamp {
			out[i] = cmd
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// handleAdminClose force closes a call. Registered only when enabled by
// config.
func (cb *Callbridge) handleAdminClose(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	err := cb.CloseCall(r.Context(), callID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		respondJSON(w, http.StatusNotFound, resultResponse{Result: "not_found"})
	case errors.Is(err, ErrSessionBusy):
		// Transition in flight, the caller retries.
		respondJSON(w, http.StatusConflict, resultResponse{Result: "busy"})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, resultResponse{Result: "error"})
	default:
		respondJSON(w, http.StatusOK, resultResponse{Result: "ok"})
	}
}

func attachRejectionCause(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRole):
		return "duplicate role"
	case errors.Is(err, ErrSessionBusy):
		return "session busy"
	}
	return "attach failed"
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
