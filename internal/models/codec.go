package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ContextVersion is bumped whenever RunContext gains or loses fields.
const ContextVersion = 1

var ErrUnknownContextVersion = errors.New("unknown run context version")

type contextEnvelope struct {
	Version int             `json:"version"`
	Run     json.RawMessage `json:"run"`
}

func MarshalContext(rc *RunContext) ([]byte, error) {
	body, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal run context: %w", err)
	}
	return json.Marshal(contextEnvelope{Version: ContextVersion, Run: body})
}

// UnmarshalContext decodes a blob written by MarshalContext. Blobs from a
// newer version, or carrying fields this version does not know, are rejected.
func UnmarshalContext(data []byte) (*RunContext, error) {
	var env contextEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode run context envelope: %w", err)
	}
	if env.Version < 1 || env.Version > ContextVersion {
		return nil, fmt.Errorf("%w: %d (this build understands up to %d)", ErrUnknownContextVersion, env.Version, ContextVersion)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Run))
	dec.DisallowUnknownFields()
	var rc RunContext
	if err := dec.Decode(&rc); err != nil {
		return nil, fmt.Errorf("decode run context v%d: %w", env.Version, err)
	}
	return &rc, nil
}
