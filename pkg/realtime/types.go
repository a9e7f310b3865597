package realtime

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind tags the payload carried by an Envelope.
// Each kind has exactly one valid payload shape, enforced by Validate.
type Kind string

const (
	// KindTyping carries a TypingSignal for a conversation topic
	KindTyping Kind = "typing"

	// KindPresenceSync carries the full live roster of a topic and replaces
	// any roster the receiver holds
	KindPresenceSync Kind = "presence-sync"

	// KindPresenceJoin carries the sessions that just tracked themselves
	KindPresenceJoin Kind = "presence-join"

	// KindPresenceLeave carries the sessions that just untracked themselves
	KindPresenceLeave Kind = "presence-leave"
)

// Envelope is the unit of traffic on a topic channel.
type Envelope struct {
	ID        string           `json:"id"`                  // ULID assigned at send time
	Kind      Kind             `json:"kind"`                // Payload tag
	Topic     string           `json:"topic"`               // Logical topic (e.g. "conversation:<demand>")
	SentAtMs  int64            `json:"sent_at_ms"`          // Unix milliseconds at send time
	Typing    *TypingSignal    `json:"typing,omitempty"`    // Set only for KindTyping
	Presences []PresenceRecord `json:"presences,omitempty"` // Set only for presence kinds
}

// TypingSignal is broadcast when a user starts or stops typing.
// It is never retained.
type TypingSignal struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceRecord describes one connected session.
// A user with several tabs open owns several records, one per session key.
type PresenceRecord struct {
	SessionKey  string `json:"session_key"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	OnlineAtMs  int64  `json:"online_at_ms"`
	SeenAtMs    int64  `json:"seen_at_ms,omitempty"` // Last track/heartbeat, used for lease expiry
}

// ChangeKind is the kind of row mutation carried by a RowChange.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// RowChange is published on a table channel after a write is acknowledged.
type RowChange struct {
	ID            string            `json:"id"`              // ULID assigned at publish time
	Table         string            `json:"table"`           // e.g. "demands"
	Kind          ChangeKind        `json:"kind"`            // INSERT, UPDATE or DELETE
	RowID         string            `json:"row_id"`          // Primary key of the changed row
	Columns       map[string]string `json:"columns"`         // Column snapshot used for filtering
	CommittedAtMs int64             `json:"committed_at_ms"` // Unix milliseconds of the write
}

// NewTypingEnvelope builds a typing envelope for a conversation topic.
func NewTypingEnvelope(topic, userID string, isTyping bool) *Envelope {
	return &Envelope{
		ID:       ulid.Make().String(),
		Kind:     KindTyping,
		Topic:    topic,
		SentAtMs: time.Now().UnixMilli(),
		Typing:   &TypingSignal{UserID: userID, IsTyping: isTyping},
	}
}

// NewPresenceEnvelope builds a presence envelope of the given kind.
func NewPresenceEnvelope(kind Kind, topic string, records []PresenceRecord) *Envelope {
	return &Envelope{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Topic:     topic,
		SentAtMs:  time.Now().UnixMilli(),
		Presences: records,
	}
}

// Validate checks that the envelope carries exactly the payload its kind requires.
func (e *Envelope) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("envelope topic cannot be empty")
	}

	switch e.Kind {
	case KindTyping:
		if e.Typing == nil {
			return fmt.Errorf("typing envelope missing typing payload")
		}
		if len(e.Presences) > 0 {
			return fmt.Errorf("typing envelope cannot carry presences")
		}
		if e.Typing.UserID == "" {
			return fmt.Errorf("typing signal user_id cannot be empty")
		}
		return nil

	case KindPresenceSync, KindPresenceJoin, KindPresenceLeave:
		if e.Typing != nil {
			return fmt.Errorf("%s envelope cannot carry a typing payload", e.Kind)
		}
		if e.Kind != KindPresenceSync && len(e.Presences) == 0 {
			return fmt.Errorf("%s envelope requires at least one presence", e.Kind)
		}
		for i := range e.Presences {
			if err := e.Presences[i].Validate(); err != nil {
				return fmt.Errorf("invalid presence at index %d: %w", i, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown envelope kind: %q", e.Kind)
	}
}

// Validate checks the required presence fields.
func (p *PresenceRecord) Validate() error {
	if p.SessionKey == "" {
		return fmt.Errorf("session_key cannot be empty")
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}
	return nil
}

// Validate checks that the ChangeKind is a known enum value.
func (k ChangeKind) Validate() error {
	switch k {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return nil
	default:
		return fmt.Errorf("unknown change kind: %q", k)
	}
}

// Validate checks the required row change fields.
func (r *RowChange) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("row change table cannot be empty")
	}
	if err := r.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid row change: %w", err)
	}
	if r.RowID == "" {
		return fmt.Errorf("row change row_id cannot be empty")
	}
	return nil
}
