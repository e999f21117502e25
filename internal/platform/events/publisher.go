// Package events delivers identity change notifications to downstream
// consumers. Delivery is best-effort and non-transactional: the domain write
// is already committed before publish is attempted, and publish failures are
// logged and swallowed so a committed write never appears to fail because
// notification failed.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of identity change.
type EventType string

const (
	EventIdentityLinked       EventType = "IDENTITY_LINKED"
	EventIdentityAliasCreated EventType = "IDENTITY_ALIAS_CREATED"
	EventIdentitiesMerged     EventType = "IDENTITIES_MERGED"
)

// ChangeEvent is the payload sent to downstream consumers. PrimaryNumber and
// SecondaryNumber are present only for merge events. The public number keys
// the event for per-identity ordering at the transport.
type ChangeEvent struct {
	EventType       EventType  `json:"event_type"`
	PublicNumber    string     `json:"public_number"`
	IdentityID      uuid.UUID  `json:"identity_id"`
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	OrganizationID  *string    `json:"organization_id,omitempty"`
	HospitalID      *string    `json:"hospital_id,omitempty"`
	DepartmentID    *string    `json:"department_id,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
	PrimaryNumber   *string    `json:"primary_number,omitempty"`
	SecondaryNumber *string    `json:"secondary_number,omitempty"`
}

// Publisher forwards change events to an external channel.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// NopPublisher discards all events. Used when eventing is administratively
// disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ChangeEvent) error { return nil }

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateEndpointURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// PublisherOption configures a WebhookPublisher.
type PublisherOption func(*WebhookPublisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *WebhookPublisher) { p.httpClient = c }
}

// WebhookPublisher fans change events out to registered webhook endpoints
// with HMAC-SHA256 signed payloads, recording every delivery attempt.
type WebhookPublisher struct {
	store      EndpointStore
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhookPublisher creates a WebhookPublisher with sensible defaults.
func NewWebhookPublisher(store EndpointStore, logger zerolog.Logger, opts ...PublisherOption) *WebhookPublisher {
	p := &WebhookPublisher{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterEndpoint validates and persists a new webhook endpoint. If secret
// is empty, a cryptographically random one is generated.
func (p *WebhookPublisher) RegisterEndpoint(ctx context.Context, rawURL, secret string, eventTypes []string) (*Endpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:         uuid.New().String(),
		URL:        rawURL,
		Secret:     secret,
		EventTypes: eventTypes,
		Status:     EndpointActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// PauseEndpoint sets the endpoint status to paused.
func (p *WebhookPublisher) PauseEndpoint(ctx context.Context, id string) error {
	return p.setStatus(ctx, id, EndpointPaused)
}

// ResumeEndpoint sets the endpoint status to active.
func (p *WebhookPublisher) ResumeEndpoint(ctx context.Context, id string) error {
	return p.setStatus(ctx, id, EndpointActive)
}

func (p *WebhookPublisher) setStatus(ctx context.Context, id string, status EndpointStatus) error {
	ep, err := p.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return p.store.UpdateEndpoint(ctx, ep)
}

func endpointMatches(ep *Endpoint, eventType EventType) bool {
	if len(ep.EventTypes) == 0 {
		return true
	}
	for _, t := range ep.EventTypes {
		if t == "*" || t == string(eventType) {
			return true
		}
	}
	return false
}

// Publish delivers the event to every active, matching endpoint. Per-endpoint
// failures are logged and recorded but never returned: eventing must not make
// a committed domain write appear to fail.
func (p *WebhookPublisher) Publish(ctx context.Context, event ChangeEvent) error {
	endpoints, _, err := p.store.ListEndpoints(ctx, 1000, 0)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", string(event.EventType)).Msg("event publish skipped: listing endpoints failed")
		return nil
	}

	for _, ep := range endpoints {
		if ep.Status != EndpointActive || !endpointMatches(ep, event.EventType) {
			continue
		}
		attempt := p.deliver(ctx, ep, event)
		if attempt.Status != DeliverySuccess {
			p.logger.Warn().
				Str("endpoint_id", ep.ID).
				Str("event_type", string(event.EventType)).
				Str("public_number", event.PublicNumber).
				Int("status_code", attempt.StatusCode).
				Str("error", attempt.Error).
				Msg("event delivery failed")
		}
	}
	return nil
}

func (p *WebhookPublisher) deliver(ctx context.Context, ep *Endpoint, event ChangeEvent) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now().UTC()

	attempt := &DeliveryAttempt{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  string(event.EventType),
		Payload:    payload,
		Signature:  sig,
		CreatedAt:  now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		p.store.RecordDelivery(ctx, attempt)
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MPI-Signature", "sha256="+sig)
	req.Header.Set("X-MPI-Ordering-Key", event.PublicNumber)
	req.Header.Set("X-MPI-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		p.store.RecordDelivery(ctx, attempt)
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = DeliverySuccess
	} else {
		attempt.Status = DeliveryFailed
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}

	p.store.RecordDelivery(ctx, attempt)
	return attempt
}

// TestEndpoint sends a synthetic event to verify endpoint connectivity.
func (p *WebhookPublisher) TestEndpoint(ctx context.Context, endpointID string) (*DeliveryAttempt, error) {
	ep, err := p.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("endpoint not found: %w", err)
	}
	event := ChangeEvent{
		EventType:    "ENDPOINT_TEST",
		PublicNumber: "EMP-000000",
		IdentityID:   uuid.Nil,
		OccurredAt:   time.Now().UTC(),
	}
	return p.deliver(ctx, ep, event), nil
}

// Deliveries returns paginated delivery attempts for an endpoint.
func (p *WebhookPublisher) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	return p.store.ListDeliveries(ctx, endpointID, limit, offset)
}
