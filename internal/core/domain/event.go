package domain

import "time"

// RawEvent is a contract event as observed on chain, before it is queued.
type RawEvent struct {
	TopicID         string
	Fingerprint     string
	EventType       string
	Payload         []byte
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint
	// ObservedAt is stamped by the observer; zero means "now" at insert time.
	ObservedAt time.Time
}

// QueuedEvent is one row of the durable queue.
type QueuedEvent struct {
	ID                int64       `db:"id"                  json:"id"`
	TopicID           string      `db:"topic_id"            json:"topic_id"`
	Fingerprint       string      `db:"fingerprint"         json:"fingerprint"`
	EventType         string      `db:"event_type"          json:"event_type"`
	Payload           []byte      `db:"payload"             json:"payload"`
	BlockNumber       uint64      `db:"block_number"        json:"block_number"`
	TransactionHash   string      `db:"transaction_hash"    json:"transaction_hash"`
	ObservedAt        int64       `db:"observed_at"         json:"observed_at"`
	Status            EventStatus `db:"status"              json:"status"`
	RetryCount        int         `db:"retry_count"         json:"retry_count"`
	LogSequenceNumber *uint64     `db:"log_sequence_number" json:"log_sequence_number,omitempty"`
	LastError         *string     `db:"last_error"          json:"last_error,omitempty"`
	CreatedAt         int64       `db:"created_at"          json:"created_at"`
	UpdatedAt         int64       `db:"updated_at"          json:"updated_at"`
}

// NewQueuedEvent builds a pending queue row from a raw event.
func NewQueuedEvent(raw RawEvent, now time.Time) *QueuedEvent {
	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	return &QueuedEvent{
		TopicID:         raw.TopicID,
		Fingerprint:     raw.Fingerprint,
		EventType:       raw.EventType,
		Payload:         raw.Payload,
		BlockNumber:     raw.BlockNumber,
		TransactionHash: raw.TransactionHash,
		ObservedAt:      observed.Unix(),
		Status:          EventStatusPending,
		CreatedAt:       now.Unix(),
		UpdatedAt:       now.Unix(),
	}
}

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusSubmitted EventStatus = "submitted"
	EventStatusFailed    EventStatus = "failed"
)

// AllStatuses lists every queue status in lifecycle order.
var AllStatuses = []EventStatus{EventStatusPending, EventStatusSubmitted, EventStatusFailed}

// IsTerminal reports whether no further transition is possible.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusSubmitted || s == EventStatusFailed
}
