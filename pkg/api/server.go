package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/orchestrator"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
)

// Server exposes the courier HTTP API: enqueueing, carrier webhooks, queue
// inspection and cancellation.
type Server struct {
	orch     *orchestrator.Orchestrator
	messages store.MessageRepository
	bus      trigger.TriggerBus
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(
	cfg config.ServerSettings,
	orch *orchestrator.Orchestrator,
	messages store.MessageRepository,
	bus trigger.TriggerBus,
	log zerolog.Logger,
) *Server {
	s := &Server{orch: orch, messages: messages, bus: bus, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/messages", s.handleQueueMessage)
	mux.HandleFunc("POST /v1/messages/batch", s.handleQueueBatch)
	mux.HandleFunc("GET /v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("POST /v1/webhooks/delivery", s.handleDeliveryWebhook)
	mux.HandleFunc("POST /v1/webhooks/inbound", s.handleInboundWebhook)
	mux.HandleFunc("GET /v1/queues/{clientId}/{queueName}", s.handleQueueStatus)
	mux.HandleFunc("POST /v1/queue-entries/{id}/cancel", s.handleCancelEntry)
	mux.HandleFunc("DELETE /v1/clients/{clientId}/pending", s.handleCancelAllPending)

	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	s.log.Info().Str("address", s.http.Addr).Msg("http server listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
