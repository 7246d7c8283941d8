package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-courier/schema"
)

// MemoryQueueRepository is a mutex-guarded in-memory implementation used by
// tests and local runs.
type MemoryQueueRepository struct {
	mu      sync.RWMutex
	entries map[string]*schema.QueueEntry
	// insertion counter breaks sequence-number ties in lane order.
	inserted map[string]int64
	counter  int64
}

func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{
		entries:  make(map[string]*schema.QueueEntry),
		inserted: make(map[string]int64),
	}
}

func (r *MemoryQueueRepository) Enqueue(ctx context.Context, entry *schema.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.SequenceNumber == 0 {
		entry.SequenceNumber = r.maxPendingSeqLocked(entry.ClientID, entry.QueueName) + 1
	}
	r.insertLocked(entry)
	return nil
}

func (r *MemoryQueueRepository) EnqueueMany(ctx context.Context, entries []*schema.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0]
	for _, e := range entries[1:] {
		if e.ClientID != lane.ClientID || e.QueueName != lane.QueueName {
			return fmt.Errorf("enqueueMany: entries span multiple lanes")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.maxPendingSeqLocked(lane.ClientID, lane.QueueName)
	for i, entry := range entries {
		entry.SequenceNumber = base + int64(i) + 1
		r.insertLocked(entry)
	}
	return nil
}

func (r *MemoryQueueRepository) insertLocked(entry *schema.QueueEntry) {
	r.counter++
	r.inserted[entry.ID] = r.counter
	r.entries[entry.ID] = entry
}

func (r *MemoryQueueRepository) maxPendingSeqLocked(clientID, queueName string) int64 {
	var max int64
	for _, e := range r.entries {
		if e.ClientID == clientID && e.QueueName == queueName && e.Status == schema.EntryPending && e.SequenceNumber > max {
			max = e.SequenceNumber
		}
	}
	return max
}

func (r *MemoryQueueRepository) FindNextPending(ctx context.Context, clientID, queueName string) (*schema.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next *schema.QueueEntry
	for _, e := range r.entries {
		if e.ClientID != clientID || e.QueueName != queueName || e.Status != schema.EntryPending {
			continue
		}
		if next == nil || r.beforeLocked(e, next) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}
	return copyEntry(next), nil
}

func (r *MemoryQueueRepository) beforeLocked(a, b *schema.QueueEntry) bool {
	if a.SequenceNumber != b.SequenceNumber {
		return a.SequenceNumber < b.SequenceNumber
	}
	return r.inserted[a.ID] < r.inserted[b.ID]
}

func (r *MemoryQueueRepository) FindByID(ctx context.Context, id string) (*schema.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryQueueRepository) FindByMessageID(ctx context.Context, messageID string) (*schema.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.MessageID == messageID {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (r *MemoryQueueRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.transition(id, schema.EntryPending, schema.EntryProcessing, "")
}

func (r *MemoryQueueRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return r.transition(id, schema.EntryProcessing, schema.EntryCompleted, "")
}

func (r *MemoryQueueRepository) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status.Terminal() {
		return false, nil
	}
	e.Status = schema.EntryFailed
	e.LastError = errMsg
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryQueueRepository) IncrementRetryAndReset(ctx context.Context, id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status != schema.EntryProcessing {
		return nil
	}
	e.Status = schema.EntryPending
	e.RetryCount++
	e.LastError = errMsg
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryQueueRepository) CancelEntry(ctx context.Context, id string) (*schema.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status.Terminal() {
		return nil, ErrEntryNotCancellable
	}
	delete(r.entries, id)
	delete(r.inserted, id)
	return copyEntry(e), nil
}

func (r *MemoryQueueRepository) CancelAllForClient(ctx context.Context, clientID string) ([]schema.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []schema.QueueEntry
	for id, e := range r.entries {
		if e.ClientID == clientID && e.Status == schema.EntryPending {
			deleted = append(deleted, *copyEntry(e))
			delete(r.entries, id)
			delete(r.inserted, id)
		}
	}
	sortEntries(deleted)
	return deleted, nil
}

func (r *MemoryQueueRepository) DeleteStalePending(ctx context.Context, clientID, queueName string, cutoff time.Time) ([]schema.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []schema.QueueEntry
	for id, e := range r.entries {
		if e.ClientID == clientID && e.QueueName == queueName && e.Status == schema.EntryPending && e.CreatedAt.Before(cutoff) {
			deleted = append(deleted, *copyEntry(e))
			delete(r.entries, id)
			delete(r.inserted, id)
		}
	}
	sortEntries(deleted)
	return deleted, nil
}

func (r *MemoryQueueRepository) DeleteFinished(ctx context.Context, clientID, queueName string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, e := range r.entries {
		if e.ClientID == clientID && e.QueueName == queueName && e.Status.Terminal() {
			delete(r.entries, id)
			delete(r.inserted, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryQueueRepository) FindStalled(ctx context.Context, cutoff time.Time) ([]schema.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stalled []schema.QueueEntry
	for _, e := range r.entries {
		if e.Status == schema.EntryProcessing && e.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, *copyEntry(e))
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt) })
	return stalled, nil
}

func (r *MemoryQueueRepository) GetQueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := &schema.QueueStatus{ClientID: clientID, QueueName: queueName}
	for _, e := range r.entries {
		if e.ClientID != clientID || e.QueueName != queueName {
			continue
		}
		switch e.Status {
		case schema.EntryPending:
			status.Pending++
		case schema.EntryProcessing:
			status.Processing++
		case schema.EntryCompleted:
			status.Completed++
		case schema.EntryFailed:
			status.Failed++
		}
	}
	return status, nil
}

func (r *MemoryQueueRepository) transition(id string, from, to schema.EntryStatus, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	if errMsg != "" {
		e.LastError = errMsg
	}
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func sortEntries(entries []schema.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QueueName != entries[j].QueueName {
			return entries[i].QueueName < entries[j].QueueName
		}
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})
}

func copyEntry(e *schema.QueueEntry) *schema.QueueEntry {
	cp := *e
	return &cp
}
