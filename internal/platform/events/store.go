package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EndpointStatus is the delivery state of a registered endpoint.
type EndpointStatus string

const (
	EndpointActive EndpointStatus = "active"
	EndpointPaused EndpointStatus = "paused"
)

// DeliveryStatus is the outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Endpoint is a registered webhook subscriber. An empty EventTypes slice
// subscribes to all event types.
type Endpoint struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	Secret     string         `json:"-"`
	EventTypes []string       `json:"event_types"`
	Status     EndpointStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DeliveryAttempt records one outbound POST to an endpoint.
type DeliveryAttempt struct {
	ID           string         `json:"id"`
	EndpointID   string         `json:"endpoint_id"`
	EventType    string         `json:"event_type"`
	Payload      []byte         `json:"-"`
	Signature    string         `json:"signature"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EndpointStore persists endpoints and their delivery history.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// InMemoryStore is a mutex-guarded EndpointStore. Suitable for single-node
// deployments and tests; swap in a persistent implementation for clustered
// setups.
type InMemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	deliveries map[string][]*DeliveryAttempt
	maxHistory int
}

// NewInMemoryStore creates an empty store keeping at most 100 delivery
// records per endpoint.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]*DeliveryAttempt),
		maxHistory: 100,
	}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; ok {
		return fmt.Errorf("endpoint %s already exists", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	cp := *ep
	return &cp, nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("endpoint %s not found", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(s.endpoints, id)
	delete(s.deliveries, id)
	return nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		cp := *ep
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []*Endpoint{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	list := append(s.deliveries[attempt.EndpointID], &cp)
	if len(list) > s.maxHistory {
		list = list[len(list)-s.maxHistory:]
	}
	s.deliveries[attempt.EndpointID] = list
	return nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.deliveries[endpointID]
	// Newest first.
	out := make([]*DeliveryAttempt, len(list))
	for i, a := range list {
		cp := *a
		out[len(list)-1-i] = &cp
	}

	total := len(out)
	if offset >= total {
		return []*DeliveryAttempt{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}
