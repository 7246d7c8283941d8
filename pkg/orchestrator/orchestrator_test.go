package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-courier/pkg/cache"
	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// recordingBus captures published triggers instead of dispatching them, so
// tests drive each step explicitly.
type recordingBus struct {
	mu        sync.Mutex
	published []trigger.Trigger
	delayed   []delayedTrigger
}

type delayedTrigger struct {
	t     trigger.Trigger
	delay time.Duration
}

func (b *recordingBus) Publish(_ context.Context, t trigger.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, t)
	return nil
}

func (b *recordingBus) PublishAfter(_ context.Context, t trigger.Trigger, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed = append(b.delayed, delayedTrigger{t: t, delay: delay})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, trigger.Handler) error { return nil }
func (b *recordingBus) Close() error                                     { return nil }

func (b *recordingBus) drain() []trigger.Trigger {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.published
	b.published = nil
	return out
}

func (b *recordingBus) lastEvent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return ""
	}
	return b.published[len(b.published)-1].Event
}

// fakeCarrier is a scriptable delivery provider.
type fakeCarrier struct {
	mu         sync.Mutex
	name       schema.Provider
	sendErr    error
	requests   []provider.SendRequest
	status     map[string]provider.DeliveryState
	statusErr  error
	contentMax int
	counter    int
}

func newFakeCarrier(name schema.Provider) *fakeCarrier {
	return &fakeCarrier{name: name, status: make(map[string]provider.DeliveryState)}
}

func (f *fakeCarrier) Name() schema.Provider { return f.name }

func (f *fakeCarrier) MaxContentLength() int { return f.contentMax }

func (f *fakeCarrier) SendMessage(_ context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.counter++
	id := fmt.Sprintf("pm-%d", f.counter)
	return &provider.SendResult{ProviderMessageID: id}, nil
}

func (f *fakeCarrier) GetMessageStatus(_ context.Context, providerMessageID string) (provider.DeliveryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return provider.StateUnknown, f.statusErr
	}
	if state, ok := f.status[providerMessageID]; ok {
		return state, nil
	}
	return provider.StateUnknown, nil
}

func (f *fakeCarrier) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeSubscriptions struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeSubscriptions) CancelSubscription(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, clientID)
	return nil
}

type fixture struct {
	orch          *Orchestrator
	messages      *store.MemoryMessageRepository
	queue         *store.MemoryQueueRepository
	bus           *recordingBus
	carrier       *fakeCarrier
	subscriptions *fakeSubscriptions
}

func newFixture(t *testing.T, cfg config.DeliverySettings) *fixture {
	t.Helper()

	f := &fixture{
		messages:      store.NewMemoryMessageRepository(),
		queue:         store.NewMemoryQueueRepository(),
		bus:           &recordingBus{},
		carrier:       newFakeCarrier(schema.ProviderSMS),
		subscriptions: &fakeSubscriptions{},
	}

	registry := provider.NewRegistry(&config.ProviderSettings{})
	registry.Register(f.carrier)

	f.orch = New(
		f.messages, f.queue, f.bus, registry, f.subscriptions,
		cache.Noop{}, cfg, zerolog.Nop(),
	)
	return f
}

func defaultDeliverySettings() config.DeliverySettings {
	return config.DeliverySettings{
		MaxRetries:         2,
		RetryBackoff:       time.Second,
		StallCutoff:        time.Minute,
		StalePendingCutoff: 24 * time.Hour,
		StuckCutoff:        24 * time.Hour,
		StuckBatchSize:     100,
	}
}

func queueOne(t *testing.T, f *fixture, clientID string) (*schema.Message, *schema.QueueEntry) {
	t.Helper()
	msg, entry, err := f.orch.QueueMessage(context.Background(), QueueMessageParams{
		ClientID: clientID,
		Content:  "hello",
		Provider: schema.ProviderSMS,
	})
	require.NoError(t, err)
	return msg, entry
}

// sendNext drives one full ProcessNext + SendQueuedMessage round.
func sendNext(t *testing.T, f *fixture, clientID string) *schema.QueueEntry {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.orch.ProcessNext(ctx, clientID, DefaultQueueName))
	var entryID string
	for _, tr := range f.bus.drain() {
		if tr.Event == trigger.EventSendMessage {
			entryID = tr.QueueEntryID
		}
	}
	require.NotEmpty(t, entryID, "expected a send trigger")
	require.NoError(t, f.orch.SendQueuedMessage(ctx, entryID))

	entry, err := f.queue.FindByID(ctx, entryID)
	require.NoError(t, err)
	return entry
}

func TestQueueMessage_Validation(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	_, _, err := f.orch.QueueMessage(ctx, QueueMessageParams{ClientID: "c1", Provider: schema.ProviderSMS})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, _, err = f.orch.QueueMessage(ctx, QueueMessageParams{ClientID: "c1", Content: "hi", Provider: "carrier-pigeon"})
	assert.ErrorAs(t, err, &validationErr)

	f.carrier.contentMax = 3
	_, _, err = f.orch.QueueMessage(ctx, QueueMessageParams{ClientID: "c1", Content: "too long", Provider: schema.ProviderSMS})
	assert.ErrorAs(t, err, &validationErr)

	// Nothing persisted, nothing published.
	status, err := f.orch.QueueStatus(ctx, "c1", DefaultQueueName)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Empty(t, f.bus.drain())
}

func TestQueueMessage_HappyPath(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, entry := queueOne(t, f, "c1")
	assert.Equal(t, schema.DeliveryQueued, msg.DeliveryStatus)
	assert.Equal(t, int64(1), entry.SequenceNumber)
	assert.Equal(t, trigger.EventProcessNext, f.bus.lastEvent())

	entry = sendNext(t, f, "c1")
	assert.Equal(t, schema.EntryProcessing, entry.Status)
	assert.Equal(t, 1, f.carrier.sendCount())

	sent, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliverySent, sent.DeliveryStatus)
	assert.Equal(t, "pm-1", sent.ProviderMessageID)
	assert.Equal(t, 1, sent.DeliveryAttempts)

	require.NoError(t, f.orch.HandleDeliveryConfirmation(ctx, "pm-1"))

	delivered, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryDelivered, delivered.DeliveryStatus)

	done, err := f.queue.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryCompleted, done.Status)
	assert.Equal(t, trigger.EventProcessNext, f.bus.lastEvent())
}

func TestProcessNext_SingleFlightPerLane(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	queueOne(t, f, "c1")
	second, _ := queueOne(t, f, "c1")
	f.bus.drain()

	sendNext(t, f, "c1")

	// Second message must wait while the first is processing.
	require.NoError(t, f.orch.ProcessNext(ctx, "c1", DefaultQueueName))
	for _, tr := range f.bus.drain() {
		assert.NotEqual(t, trigger.EventSendMessage, tr.Event)
	}
	assert.Equal(t, 1, f.carrier.sendCount())

	require.NoError(t, f.orch.HandleDeliveryConfirmation(ctx, "pm-1"))
	sendNext(t, f, "c1")
	assert.Equal(t, 2, f.carrier.sendCount())
	assert.Equal(t, second.ID, f.carrier.requests[1].MessageID)
}

func TestSendQueuedMessage_DuplicateTriggerIsNoop(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	queueOne(t, f, "c1")
	entry := sendNext(t, f, "c1")

	require.NoError(t, f.orch.SendQueuedMessage(ctx, entry.ID))
	assert.Equal(t, 1, f.carrier.sendCount())
}

func TestSendQueuedMessage_RetryableFailure(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	f.carrier.sendErr = &provider.Error{Code: "rate_limited", Message: "slow down", Retriable: true}

	entry := sendNext(t, f, "c1")
	assert.Equal(t, schema.EntryPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)

	queued, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryQueued, queued.DeliveryStatus)
	assert.Contains(t, queued.LastError, "slow down")

	require.Len(t, f.bus.delayed, 1)
	assert.Equal(t, trigger.EventProcessNext, f.bus.delayed[0].t.Event)
	assert.Equal(t, time.Second, f.bus.delayed[0].delay)
}

func TestSendQueuedMessage_RetryBackoffDoubles(t *testing.T) {
	f := newFixture(t, config.DeliverySettings{
		MaxRetries:         5,
		RetryBackoff:       time.Second,
		StalePendingCutoff: 24 * time.Hour,
	})
	f.carrier.sendErr = &provider.Error{Code: "rate_limited", Message: "slow down", Retriable: true}

	queueOne(t, f, "c1")
	sendNext(t, f, "c1")
	sendNext(t, f, "c1")
	sendNext(t, f, "c1")

	require.Len(t, f.bus.delayed, 3)
	assert.Equal(t, time.Second, f.bus.delayed[0].delay)
	assert.Equal(t, 2*time.Second, f.bus.delayed[1].delay)
	assert.Equal(t, 4*time.Second, f.bus.delayed[2].delay)
}

func TestSendQueuedMessage_RetriesExhausted(t *testing.T) {
	f := newFixture(t, config.DeliverySettings{
		MaxRetries:         0,
		RetryBackoff:       time.Second,
		StalePendingCutoff: 24 * time.Hour,
	})
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	f.carrier.sendErr = &provider.Error{Code: "timeout", Message: "carrier timeout", Retriable: true}

	entry := sendNext(t, f, "c1")
	assert.Equal(t, schema.EntryFailed, entry.Status)

	failed, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryUndelivered, failed.DeliveryStatus)

	// Lane advances past the dead message.
	assert.Equal(t, trigger.EventProcessNext, f.bus.lastEvent())
}

func TestSendQueuedMessage_NonRetryableFailure(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	second, _ := queueOne(t, f, "c1")
	f.carrier.sendErr = &provider.Error{Code: "invalid_recipient", Message: "no such number"}

	entry := sendNext(t, f, "c1")
	assert.Equal(t, schema.EntryFailed, entry.Status)

	failed, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryFailed, failed.DeliveryStatus)

	// The failure is local to the message, the next one still goes out.
	f.carrier.sendErr = nil
	sendNext(t, f, "c1")
	assert.Equal(t, second.ID, f.carrier.requests[1].MessageID)
}

func TestSendQueuedMessage_Unsubscribe(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	pending, _ := queueOne(t, f, "c1")
	otherLane, _, err := f.orch.QueueMessage(ctx, QueueMessageParams{
		ClientID: "c1", QueueName: "alerts", Content: "ping", Provider: schema.ProviderSMS,
	})
	require.NoError(t, err)

	f.carrier.sendErr = &provider.Error{Code: "recipient_unsubscribed", Message: "opted out", Unsubscribed: true}
	entry := sendNext(t, f, "c1")
	assert.Equal(t, schema.EntryFailed, entry.Status)

	failed, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryFailed, failed.DeliveryStatus)

	// Pending messages across all lanes are cancelled.
	for _, id := range []string{pending.ID, otherLane.ID} {
		cancelled, err := f.messages.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.DeliveryCancelled, cancelled.DeliveryStatus)
	}
	assert.Equal(t, []string{"c1"}, f.subscriptions.cancelled)

	status, err := f.orch.QueueStatus(ctx, "c1", DefaultQueueName)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
}

func TestHandleDeliveryFailure_RetriesThenUndelivered(t *testing.T) {
	f := newFixture(t, config.DeliverySettings{
		MaxRetries:         1,
		RetryBackoff:       time.Second,
		StalePendingCutoff: 24 * time.Hour,
	})
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	entry := sendNext(t, f, "c1")

	// First failure report spends the retry budget.
	require.NoError(t, f.orch.HandleDeliveryFailure(ctx, "pm-1", "handset offline"))
	retried, err := f.queue.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	// Second attempt, then a final failure report.
	sendNext(t, f, "c1")
	require.NoError(t, f.orch.HandleDeliveryFailure(ctx, "pm-2", "handset offline"))

	final, err := f.queue.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryFailed, final.Status)

	undelivered, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryUndelivered, undelivered.DeliveryStatus)
}

func TestWebhooks_StaleSignalsAreIgnored(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	assert.NoError(t, f.orch.HandleDeliveryConfirmation(ctx, "pm-unknown"))
	assert.NoError(t, f.orch.HandleDeliveryFailure(ctx, "pm-unknown", "boom"))

	msg, _ := queueOne(t, f, "c1")
	sendNext(t, f, "c1")
	require.NoError(t, f.orch.HandleDeliveryConfirmation(ctx, "pm-1"))

	// A late failure report must not revert the delivered status.
	assert.NoError(t, f.orch.HandleDeliveryFailure(ctx, "pm-1", "late report"))
	delivered, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryDelivered, delivered.DeliveryStatus)
}

func TestQueueMessages_BatchKeepsOrder(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	batch := []QueueMessageParams{
		{Content: "one", Provider: schema.ProviderSMS},
		{Content: "two", Provider: schema.ProviderSMS},
		{Content: "three", Provider: schema.ProviderSMS},
	}
	messages, err := f.orch.QueueMessages(ctx, "c1", "", batch)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	for i, msg := range messages {
		entry, err := f.queue.FindByMessageID(ctx, msg.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, int64(i+1), entry.SequenceNumber)
	}
}

func TestCancelQueueEntry(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, entry := queueOne(t, f, "c1")
	f.bus.drain()

	cancelled, err := f.orch.CancelQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, cancelled.ID)

	_, err = f.queue.FindByID(ctx, entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryCancelled, m.DeliveryStatus)
	assert.Equal(t, trigger.EventProcessNext, f.bus.lastEvent())

	_, err = f.orch.CancelQueueEntry(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelAllPendingMessages_LeavesProcessing(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	inFlight, _ := queueOne(t, f, "c1")
	queueOne(t, f, "c1")
	queueOne(t, f, "c1")
	sendNext(t, f, "c1")

	count, err := f.orch.CancelAllPendingMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The in-flight message is untouched.
	m, err := f.messages.FindByID(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliverySent, m.DeliveryStatus)
}

func TestProcessNext_SweepsStalePending(t *testing.T) {
	f := newFixture(t, defaultDeliverySettings())
	ctx := context.Background()

	msg, err := f.messages.StoreOutbound(ctx, store.OutboundMessageParams{
		ClientID: "c1", Content: "old", Provider: schema.ProviderSMS,
	}, schema.DeliveryQueued)
	require.NoError(t, err)

	entry := schema.NewQueueEntry("c1", msg.ID, DefaultQueueName, 2)
	entry.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, f.queue.Enqueue(ctx, entry))

	require.NoError(t, f.orch.ProcessNext(ctx, "c1", DefaultQueueName))

	_, err = f.queue.FindByID(ctx, entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryCancelled, m.DeliveryStatus)
}

func TestCheckStalledMessages_AssumesDeliveredOnUnknown(t *testing.T) {
	cfg := defaultDeliverySettings()
	cfg.StallCutoff = 0 // everything processing counts as stalled
	f := newFixture(t, cfg)
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	entry := sendNext(t, f, "c1")
	f.bus.drain()

	// The carrier forgot the id; resolve optimistically.
	stats, err := f.orch.CheckStalledMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, 1, stats.AssumedDelivered)

	delivered, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryDelivered, delivered.DeliveryStatus)

	done, err := f.queue.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryCompleted, done.Status)
	assert.Equal(t, trigger.EventProcessNext, f.bus.lastEvent())
}

func TestCheckStalledMessages_CarrierReportsDelivered(t *testing.T) {
	cfg := defaultDeliverySettings()
	cfg.StallCutoff = 0
	f := newFixture(t, cfg)
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	sendNext(t, f, "c1")
	f.carrier.status["pm-1"] = provider.StateDelivered

	stats, err := f.orch.CheckStalledMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	delivered, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryDelivered, delivered.DeliveryStatus)
}

func TestCheckStalledMessages_RetriesWithoutProviderID(t *testing.T) {
	cfg := defaultDeliverySettings()
	cfg.StallCutoff = 0
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Claim the entry but simulate a crash before the provider handoff.
	queueOne(t, f, "c1")
	require.NoError(t, f.orch.ProcessNext(ctx, "c1", DefaultQueueName))
	var entryID string
	for _, tr := range f.bus.drain() {
		if tr.Event == trigger.EventSendMessage {
			entryID = tr.QueueEntryID
		}
	}
	claimed, err := f.queue.MarkProcessing(ctx, entryID)
	require.NoError(t, err)
	require.True(t, claimed)

	stats, err := f.orch.CheckStalledMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	entry, err := f.queue.FindByID(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
}

func TestCleanupStuckMessages_CancelsWithoutProviderID(t *testing.T) {
	cfg := defaultDeliverySettings()
	cfg.StuckCutoff = 0
	f := newFixture(t, cfg)
	ctx := context.Background()

	msg, err := f.messages.StoreOutbound(ctx, store.OutboundMessageParams{
		ClientID: "c1", Content: "orphan", Provider: schema.ProviderSMS,
	}, schema.DeliveryQueued)
	require.NoError(t, err)

	stats, err := f.orch.CleanupStuckMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, 1, stats.Cancelled)

	m, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryCancelled, m.DeliveryStatus)
}

func TestCleanupStuckMessages_SettlesFromCarrier(t *testing.T) {
	cfg := defaultDeliverySettings()
	cfg.StuckCutoff = 0
	f := newFixture(t, cfg)
	ctx := context.Background()

	msg, _ := queueOne(t, f, "c1")
	entry := sendNext(t, f, "c1")
	f.carrier.status["pm-1"] = provider.StateUndelivered

	stats, err := f.orch.CleanupStuckMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	m, err := f.messages.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryUndelivered, m.DeliveryStatus)

	e, err := f.queue.FindByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EntryFailed, e.Status)
}
