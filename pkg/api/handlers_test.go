package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-courier/pkg/cache"
	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/orchestrator"
	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
)

type stubBus struct {
	mu        sync.Mutex
	published []trigger.Trigger
}

func (b *stubBus) Publish(_ context.Context, t trigger.Trigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, t)
	return nil
}

func (b *stubBus) PublishAfter(ctx context.Context, t trigger.Trigger, _ time.Duration) error {
	return b.Publish(ctx, t)
}

func (b *stubBus) Subscribe(context.Context, trigger.Handler) error { return nil }
func (b *stubBus) Close() error                                     { return nil }

type apiFixture struct {
	server   *httptest.Server
	bus      *stubBus
	messages *store.MemoryMessageRepository
	queue    *store.MemoryQueueRepository
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		bus:      &stubBus{},
		messages: store.NewMemoryMessageRepository(),
		queue:    store.NewMemoryQueueRepository(),
	}

	providerCfg := &config.ProviderSettings{}
	orch := orchestrator.New(
		f.messages,
		f.queue,
		f.bus,
		provider.NewRegistry(providerCfg),
		provider.NewSubscriptionClient(providerCfg),
		cache.Noop{},
		config.DeliverySettings{MaxRetries: 3, RetryBackoff: time.Second, StalePendingCutoff: 24 * time.Hour},
		zerolog.Nop(),
	)

	srv := NewServer(config.ServerSettings{Address: ":0"}, orch, f.messages, f.bus, zerolog.Nop())
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeResponse(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestQueueMessageEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"clientId": "c1",
		"content":  "hello",
		"provider": "local-simulator",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		Message struct {
			ID             string `json:"id"`
			DeliveryStatus string `json:"delivery_status"`
		} `json:"message"`
		QueueEntry struct {
			SequenceNumber int64 `json:"sequence_number"`
		} `json:"queueEntry"`
	}
	decodeResponse(t, resp, &body)
	assert.NotEmpty(t, body.Message.ID)
	assert.Equal(t, "queued", body.Message.DeliveryStatus)
	assert.Equal(t, int64(1), body.QueueEntry.SequenceNumber)

	// The enqueue published a lane nudge.
	require.NotEmpty(t, f.bus.published)
	assert.Equal(t, trigger.EventProcessNext, f.bus.published[0].Event)
}

func TestQueueMessageEndpoint_ValidationError(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"clientId": "c1",
		"provider": "local-simulator",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueBatchEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/messages/batch", map[string]any{
		"clientId":  "c1",
		"queueName": "alerts",
		"messages": []map[string]any{
			{"content": "one", "provider": "local-simulator"},
			{"content": "two", "provider": "local-simulator"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	decodeResponse(t, resp, &body)
	assert.Len(t, body.Messages, 2)

	status := f.do(t, http.MethodGet, "/v1/queues/c1/alerts", nil)
	require.Equal(t, http.StatusOK, status.StatusCode)

	var counts struct {
		Pending int `json:"pending"`
	}
	decodeResponse(t, status, &counts)
	assert.Equal(t, 2, counts.Pending)
}

func TestGetMessageEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"clientId": "c1",
		"content":  "hello",
		"provider": "local-simulator",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	decodeResponse(t, resp, &created)

	got := f.do(t, http.MethodGet, "/v1/messages/"+created.Message.ID, nil)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	got.Body.Close()

	missing := f.do(t, http.MethodGet, "/v1/messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

func TestDeliveryWebhook(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/webhooks/delivery", map[string]any{
		"providerMessageId": "pm-1",
		"status":            "delivered",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/webhooks/delivery", map[string]any{
		"providerMessageId": "pm-2",
		"status":            "failed",
		"error":             "handset off",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Len(t, f.bus.published, 2)
	assert.Equal(t, trigger.EventDeliveryConfirmed, f.bus.published[0].Event)
	assert.Equal(t, "pm-1", f.bus.published[0].ProviderMessageID)
	assert.Equal(t, trigger.EventDeliveryFailed, f.bus.published[1].Event)
	assert.Equal(t, "handset off", f.bus.published[1].Error)
}

func TestDeliveryWebhook_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/webhooks/delivery", map[string]any{
		"providerMessageId": "pm-1",
		"status":            "teleported",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/webhooks/delivery", map[string]any{
		"status": "delivered",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestInboundWebhook(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/webhooks/inbound", map[string]any{
		"clientId":          "c1",
		"content":           "stop",
		"provider":          "sms-carrier",
		"providerMessageId": "pm-in-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg struct {
		ID             string `json:"id"`
		Direction      string `json:"direction"`
		DeliveryStatus string `json:"delivery_status"`
	}
	decodeResponse(t, resp, &msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "inbound", msg.Direction)
	assert.Equal(t, "delivered", msg.DeliveryStatus)
}

func TestCancelEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/queue-entries/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	for range 2 {
		created := f.do(t, http.MethodPost, "/v1/messages", map[string]any{
			"clientId": "c1",
			"content":  "hello",
			"provider": "local-simulator",
		})
		require.Equal(t, http.StatusAccepted, created.StatusCode)
		created.Body.Close()
	}

	resp = f.do(t, http.MethodDelete, "/v1/clients/c1/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decodeResponse(t, resp, &body)
	assert.Equal(t, 2, body["cancelled"])
}
