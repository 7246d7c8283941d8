package store

import (
	"context"
	"time"

	"github.com/zoff-tech/go-courier/schema"
)

// QueueRepository defines the database operations for queue entries.
//
// A lane is one (clientID, queueName) pair. Sequence numbers strictly increase
// per lane and at most one entry per lane is processing at any instant; the
// repository enforces the first, the orchestrator's claim flow the second.
type QueueRepository interface {
	// Enqueue inserts the entry. A zero SequenceNumber is auto-assigned as
	// max(pending sequence number for the lane) + 1.
	Enqueue(ctx context.Context, entry *schema.QueueEntry) error
	// EnqueueMany inserts a batch of entries belonging to the same lane,
	// assigning one contiguous increasing block of sequence numbers that
	// preserves the order of the slice.
	EnqueueMany(ctx context.Context, entries []*schema.QueueEntry) error
	// FindNextPending returns the pending entry with the lowest sequence
	// number in the lane, or nil when the lane has no pending entries.
	FindNextPending(ctx context.Context, clientID, queueName string) (*schema.QueueEntry, error)
	// FindByID returns the entry with the given id.
	FindByID(ctx context.Context, id string) (*schema.QueueEntry, error)
	// FindByMessageID returns the entry referencing the given message, or nil
	// when the message has no queue entry.
	FindByMessageID(ctx context.Context, messageID string) (*schema.QueueEntry, error)
	// MarkProcessing claims a pending entry. It reports false when the entry
	// was not pending, which makes re-delivered send triggers no-ops.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// MarkCompleted finishes a processing entry. Reports false when the entry
	// already left the processing state.
	MarkCompleted(ctx context.Context, id string) (bool, error)
	// MarkFailed terminalizes a non-terminal entry and records the error.
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
	// IncrementRetryAndReset increments the retry counter and resets the entry
	// to pending. This is the only legal processing -> pending transition.
	IncrementRetryAndReset(ctx context.Context, id, errMsg string) error
	// CancelEntry hard-deletes a pending or processing entry and returns it so
	// the caller can cancel the linked message. Returns ErrEntryNotCancellable
	// for terminal entries and ErrNotFound for unknown ids.
	CancelEntry(ctx context.Context, id string) (*schema.QueueEntry, error)
	// CancelAllForClient hard-deletes every pending entry for the client
	// across all lanes, returning the deleted entries.
	CancelAllForClient(ctx context.Context, clientID string) ([]schema.QueueEntry, error)
	// DeleteStalePending deletes pending entries in the lane older than the
	// cutoff, returning them. Protects against unbounded growth from entries
	// that never got a trigger.
	DeleteStalePending(ctx context.Context, clientID, queueName string, cutoff time.Time) ([]schema.QueueEntry, error)
	// DeleteFinished garbage-collects completed and failed entries in the lane.
	DeleteFinished(ctx context.Context, clientID, queueName string) (int64, error)
	// FindStalled returns entries stuck in processing since before the cutoff,
	// indicating a crashed or lost send.
	FindStalled(ctx context.Context, cutoff time.Time) ([]schema.QueueEntry, error)
	// GetQueueStatus aggregates entry counts by status for the lane.
	GetQueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error)
}
