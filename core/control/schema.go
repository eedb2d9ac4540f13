package control

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	MaxPayloadBytes = 8192
	CurrentVersion  = 1
)

const (
	ActionStats    = "stats"
	ActionHandlers = "handlers"
	ActionEnable   = "enable"
	ActionDisable  = "disable"
)

// Request is the JSON envelope sent over the socket.
type Request struct {
	Version int             `json:"version"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TogglePayload is the payload of the enable and disable actions.
type TogglePayload struct {
	ID string `json:"id"`
}

// Response is the JSON envelope sent back to the client.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HandlerInfo describes one registered handler.
type HandlerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// ValidateRequest checks the envelope and the payload of known actions.
func ValidateRequest(data []byte) (*Request, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d byte limit", MaxPayloadBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if req.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported version %d, expected %d", req.Version, CurrentVersion)
	}

	switch req.Action {
	case ActionStats, ActionHandlers:
	case ActionEnable, ActionDisable:
		if _, err := ParseTogglePayload(req.Payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}

	return &req, nil
}

// ParseTogglePayload decodes and checks an enable or disable payload.
func ParseTogglePayload(raw json.RawMessage) (TogglePayload, error) {
	if raw == nil {
		return TogglePayload{}, fmt.Errorf("missing payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p TogglePayload
	if err := dec.Decode(&p); err != nil {
		return TogglePayload{}, fmt.Errorf("invalid toggle payload: %w", err)
	}
	if p.ID == "" {
		return TogglePayload{}, fmt.Errorf("id is required")
	}
	return p, nil
}
