package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "sortition/pkg/domain"
)

// EventCitizenAdded names the event on the outbox and the Kafka record header.
const EventCitizenAdded = "citizen_added_to_governance"

// CitizenAdded is emitted after a successful redemption for indexers and UIs.
// It is informational; the stored records are the source of truth.
type CitizenAdded struct {
	GovernancePool id.PoolID        `json:"governance_pool"`
	Citizen        id.ParticipantID `json:"citizen"`
	TokenAmount    uint64           `json:"token_amount"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// OutboxEntry is a serialized event waiting to be relayed. Entries are written
// in the same transaction as the records they describe.
type OutboxEntry struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// NewOutboxEntry serializes event. IDs are UUIDv7 so lexical order follows
// creation order in every backend.
func NewOutboxEntry(event CitizenAdded) (OutboxEntry, error) {
	entryID, err := uuid.NewV7()
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("outbox id: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("marshal %s: %w", EventCitizenAdded, err)
	}
	return OutboxEntry{
		ID:        entryID.String(),
		EventType: EventCitizenAdded,
		Key:       event.GovernancePool.String(),
		Payload:   payload,
		CreatedAt: event.OccurredAt,
	}, nil
}
