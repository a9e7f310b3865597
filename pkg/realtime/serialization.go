package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Wire helpers
//
// Envelopes and row changes travel as JSON. Decoding always validates, so a
// consumer only ever sees payloads that match their declared kind.

// DecodeEnvelope parses and validates an envelope from a Pub/Sub payload.
func DecodeEnvelope(payload string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("rejected envelope %s: %w", env.ID, err)
	}
	return &env, nil
}

// DecodeRowChange parses and validates a row change from a Pub/Sub payload.
func DecodeRowChange(payload string) (*RowChange, error) {
	var change RowChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row change: %w", err)
	}
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("rejected row change %s: %w", change.ID, err)
	}
	if change.Columns == nil {
		change.Columns = map[string]string{}
	}
	return &change, nil
}

// rosterFromHash decodes a presence hash, returning live records and the
// session keys whose lease expired before cutoffMs.
// Records are ordered by online time, then session key.
func rosterFromHash(hash map[string]string, cutoffMs int64) ([]PresenceRecord, []string, error) {
	roster := make([]PresenceRecord, 0, len(hash))
	var expired []string

	for sessionKey, raw := range hash {
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal presence %s: %w", sessionKey, err)
		}
		if rec.SeenAtMs < cutoffMs {
			expired = append(expired, sessionKey)
			continue
		}
		roster = append(roster, rec)
	}

	sort.Slice(roster, func(i, j int) bool {
		if roster[i].OnlineAtMs != roster[j].OnlineAtMs {
			return roster[i].OnlineAtMs < roster[j].OnlineAtMs
		}
		return roster[i].SessionKey < roster[j].SessionKey
	})
	sort.Strings(expired)

	return roster, expired, nil
}
