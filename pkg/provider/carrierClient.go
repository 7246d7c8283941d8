package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/schema"
)

const carrierTimeout = 10 * time.Second

// carrierErrorCodes the HTTP carriers report in their error body.
const (
	codeRecipientUnsubscribed = "recipient_unsubscribed"
	codeRateLimited           = "rate_limited"
)

// httpCarrier is the shared HTTP client behind the SMS and WhatsApp
// providers. Both carriers speak the same JSON API shape.
type httpCarrier struct {
	name       schema.Provider
	baseURL    string
	apiKey     string
	contentMax int
	client     *http.Client
}

type carrierSendResponse struct {
	MessageID string `json:"message_id"`
	ErrorCode string `json:"error_code"`
	ErrorText string `json:"error_text"`
}

type carrierStatusResponse struct {
	Status string `json:"status"`
}

func (c *httpCarrier) Name() schema.Provider { return c.name }

func (c *httpCarrier) MaxContentLength() int { return c.contentMax }

func (c *httpCarrier) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	tracer := otel.Tracer("go-courier")
	ctx, span := tracer.Start(ctx, "CarrierSend",
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(http.MethodPost),
			semconv.PeerServiceKey.String(string(c.name)),
			attribute.String("courier.message_id", req.MessageID),
		),
	)
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, retryableError("network_error", err.Error())
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))

	var decoded carrierSendResponse
	if err := decodeBody(resp.Body, &decoded); err != nil && resp.StatusCode < 300 {
		span.RecordError(err)
		return nil, retryableError("bad_response", err.Error())
	}

	if err := c.sendError(resp.StatusCode, decoded); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if decoded.MessageID == "" {
		return nil, retryableError("bad_response", "carrier returned no message id")
	}
	return &SendResult{ProviderMessageID: decoded.MessageID}, nil
}

// sendError maps a carrier response to a classified error, nil on success.
func (c *httpCarrier) sendError(statusCode int, decoded carrierSendResponse) error {
	if statusCode < 300 {
		return nil
	}

	message := decoded.ErrorText
	if message == "" {
		message = fmt.Sprintf("carrier responded %d", statusCode)
	}

	switch {
	case decoded.ErrorCode == codeRecipientUnsubscribed:
		return unsubscribeError(decoded.ErrorCode, message)
	case statusCode == http.StatusTooManyRequests || decoded.ErrorCode == codeRateLimited:
		return retryableError(codeRateLimited, message)
	case statusCode >= 500:
		return retryableError(decoded.ErrorCode, message)
	default:
		return nonRetryableError(decoded.ErrorCode, message)
	}
}

func (c *httpCarrier) GetMessageStatus(ctx context.Context, providerMessageID string) (DeliveryState, error) {
	tracer := otel.Tracer("go-courier")
	ctx, span := tracer.Start(ctx, "CarrierStatus",
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(http.MethodGet),
			semconv.PeerServiceKey.String(string(c.name)),
		),
	)
	defer span.End()

	url := fmt.Sprintf("%s/messages/%s/status", c.baseURL, providerMessageID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		return StateUnknown, err
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return StateUnknown, err
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return StateUnknown, nil
	}
	if resp.StatusCode >= 300 {
		return StateUnknown, fmt.Errorf("carrier status query responded %d", resp.StatusCode)
	}

	var decoded carrierStatusResponse
	if err := decodeBody(resp.Body, &decoded); err != nil {
		span.RecordError(err)
		return StateUnknown, err
	}

	switch decoded.Status {
	case "sent", "delivered", "failed", "undelivered":
		return DeliveryState(decoded.Status), nil
	default:
		return StateUnknown, nil
	}
}

func decodeBody(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(v)
}
