package trigger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	op   string
	args []string
}

type fakeOperations struct {
	calls []recordedCall
}

func (f *fakeOperations) ProcessNext(_ context.Context, clientID, queueName string) error {
	f.calls = append(f.calls, recordedCall{op: "processNext", args: []string{clientID, queueName}})
	return nil
}

func (f *fakeOperations) SendQueuedMessage(_ context.Context, queueEntryID string) error {
	f.calls = append(f.calls, recordedCall{op: "send", args: []string{queueEntryID}})
	return nil
}

func (f *fakeOperations) HandleDeliveryConfirmation(_ context.Context, providerMessageID string) error {
	f.calls = append(f.calls, recordedCall{op: "confirm", args: []string{providerMessageID}})
	return nil
}

func (f *fakeOperations) HandleDeliveryFailure(_ context.Context, providerMessageID, errMsg string) error {
	f.calls = append(f.calls, recordedCall{op: "fail", args: []string{providerMessageID, errMsg}})
	return nil
}

func TestDispatcher_RoutesEvents(t *testing.T) {
	ops := &fakeOperations{}
	d := NewDispatcher(ops, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, ProcessNext("c1", "default")))
	require.NoError(t, d.Handle(ctx, SendMessage("e1", "c1", "default")))
	require.NoError(t, d.Handle(ctx, DeliveryConfirmed("pm-1")))
	require.NoError(t, d.Handle(ctx, DeliveryFailed("pm-2", "boom")))

	require.Len(t, ops.calls, 4)
	assert.Equal(t, recordedCall{op: "processNext", args: []string{"c1", "default"}}, ops.calls[0])
	assert.Equal(t, recordedCall{op: "send", args: []string{"e1"}}, ops.calls[1])
	assert.Equal(t, recordedCall{op: "confirm", args: []string{"pm-1"}}, ops.calls[2])
	assert.Equal(t, recordedCall{op: "fail", args: []string{"pm-2", "boom"}}, ops.calls[3])
}

func TestDispatcher_UnknownEventIsDropped(t *testing.T) {
	ops := &fakeOperations{}
	d := NewDispatcher(ops, zerolog.Nop())

	err := d.Handle(context.Background(), Trigger{Event: "queue/unknown"})
	assert.NoError(t, err)
	assert.Empty(t, ops.calls)
}
