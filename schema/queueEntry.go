package schema

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus represents the lifecycle state of a queue entry.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// Terminal reports whether the entry status is final.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// QueueEntry is the ordering and state wrapper around exactly one stored
// message. Entries for the same (client, queue name) lane are delivered in
// ascending sequence number order, one at a time.
type QueueEntry struct {
	ID             string      `json:"id" bson:"_id"`
	ClientID       string      `json:"client_id" bson:"client_id"`
	MessageID      string      `json:"message_id" bson:"message_id"`
	QueueName      string      `json:"queue_name" bson:"queue_name"`
	SequenceNumber int64       `json:"sequence_number" bson:"sequence_number"`
	Status         EntryStatus `json:"status" bson:"status"`
	RetryCount     int         `json:"retry_count" bson:"retry_count"`
	MaxRetries     int         `json:"max_retries" bson:"max_retries"`
	LastError      string      `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" bson:"updated_at"`
}

// NewQueueEntry creates a pending QueueEntry referencing an already persisted
// message. The sequence number is assigned by the queue store on insert.
func NewQueueEntry(clientID, messageID, queueName string, maxRetries int) *QueueEntry {
	now := time.Now().UTC()
	return &QueueEntry{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		MessageID:  messageID,
		QueueName:  queueName,
		Status:     EntryPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// QueueStatus aggregates entry counts for one lane.
type QueueStatus struct {
	ClientID   string `json:"client_id"`
	QueueName  string `json:"queue_name"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}
