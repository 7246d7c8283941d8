package api

import (
	"errors"
	"net/http"

	"github.com/zoff-tech/go-courier/pkg/orchestrator"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

type queueMessageRequest struct {
	ClientID  string            `json:"clientId"`
	QueueName string            `json:"queueName"`
	Content   string            `json:"content"`
	MediaURLs []string          `json:"mediaUrls"`
	Provider  schema.Provider   `json:"provider"`
	Metadata  map[string]string `json:"metadata"`
}

func (r queueMessageRequest) params() orchestrator.QueueMessageParams {
	return orchestrator.QueueMessageParams{
		ClientID:  r.ClientID,
		QueueName: r.QueueName,
		Content:   r.Content,
		MediaURLs: r.MediaURLs,
		Provider:  r.Provider,
		Metadata:  r.Metadata,
	}
}

type queueBatchRequest struct {
	ClientID  string `json:"clientId"`
	QueueName string `json:"queueName"`
	Messages  []struct {
		Content   string            `json:"content"`
		MediaURLs []string          `json:"mediaUrls"`
		Provider  schema.Provider   `json:"provider"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"messages"`
}

type deliveryWebhookRequest struct {
	ProviderMessageID string `json:"providerMessageId"`
	Status            string `json:"status"`
	Error             string `json:"error"`
}

type inboundWebhookRequest struct {
	ClientID          string            `json:"clientId"`
	Content           string            `json:"content"`
	Provider          schema.Provider   `json:"provider"`
	ProviderMessageID string            `json:"providerMessageId"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	var req queueMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, entry, err := s.orch.QueueMessage(r.Context(), req.params())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    msg,
		"queueEntry": entry,
	})
}

func (s *Server) handleQueueBatch(w http.ResponseWriter, r *http.Request) {
	var req queueBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch := make([]orchestrator.QueueMessageParams, 0, len(req.Messages))
	for _, m := range req.Messages {
		batch = append(batch, orchestrator.QueueMessageParams{
			Content:   m.Content,
			MediaURLs: m.MediaURLs,
			Provider:  m.Provider,
			Metadata:  m.Metadata,
		})
	}

	messages, err := s.orch.QueueMessages(r.Context(), req.ClientID, req.QueueName, batch)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"messages": messages})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

// handleDeliveryWebhook converts a carrier status callback into a trigger.
// The response acknowledges receipt only; processing is asynchronous.
func (s *Server) handleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var req deliveryWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderMessageID == "" {
		s.writeError(w, http.StatusBadRequest, "providerMessageId is required")
		return
	}

	var t trigger.Trigger
	switch req.Status {
	case "delivered":
		t = trigger.DeliveryConfirmed(req.ProviderMessageID)
	case "failed", "undelivered":
		errMsg := req.Error
		if errMsg == "" {
			errMsg = "carrier reported " + req.Status
		}
		t = trigger.DeliveryFailed(req.ProviderMessageID, errMsg)
	default:
		s.writeError(w, http.StatusBadRequest, "unsupported status: "+req.Status)
		return
	}

	if err := s.bus.Publish(r.Context(), t); err != nil {
		s.log.Error().Err(err).Msg("webhook trigger publish failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	var req inboundWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.orch.RecordInboundMessage(r.Context(), store.InboundMessageParams{
		ClientID:          req.ClientID,
		Content:           req.Content,
		Provider:          req.Provider,
		ProviderMessageID: req.ProviderMessageID,
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.QueueStatus(r.Context(), r.PathValue("clientId"), r.PathValue("queueName"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.orch.CancelQueueEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCancelAllPending(w http.ResponseWriter, r *http.Request) {
	count, err := s.orch.CancelAllPendingMessages(r.Context(), r.PathValue("clientId"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

// respondError maps domain errors to HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var validationErr *orchestrator.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Reason)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrEntryNotCancellable):
		s.writeError(w, http.StatusConflict, "queue entry already finished")
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
