package state

import (
	"encoding/json"
)

// Envelope is the serialized representation of a thread's or session's
// durable record: a flat state object plus a flat metadata object, both
// optional.
type Envelope struct {
	State    map[string]any `json:"state,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParseEnvelope decodes a persisted envelope. Two formats are accepted: the
// current {"state":...,"metadata":...} wrapper, and the legacy flat object
// (neither key present) which decodes as pure state. Malformed input decodes
// as an empty envelope rather than failing; durability data that predates a
// format change degrades gracefully.
func ParseEnvelope(data []byte) *Envelope {
	if len(data) == 0 {
		return &Envelope{}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &Envelope{}
	}

	stateRaw, hasState := raw["state"]
	metaRaw, hasMeta := raw["metadata"]
	if !hasState && !hasMeta {
		// Legacy flat format: the whole object is state.
		var legacy map[string]any
		if err := json.Unmarshal(data, &legacy); err != nil {
			return &Envelope{}
		}
		return &Envelope{State: legacy}
	}

	env := &Envelope{}
	if hasState {
		if err := json.Unmarshal(stateRaw, &env.State); err != nil {
			env.State = nil
		}
	}
	if hasMeta {
		if err := json.Unmarshal(metaRaw, &env.Metadata); err != nil {
			env.Metadata = nil
		}
	}
	return env
}

// Encode serializes the envelope in the current wrapper format.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// Empty reports whether the envelope carries no state and no metadata.
func (e *Envelope) Empty() bool {
	return e == nil || (len(e.State) == 0 && len(e.Metadata) == 0)
}
