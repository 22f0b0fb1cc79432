// Package liveevents fans out ingest decisions to live subscribers of a meter.
// Delivery is best effort: slow subscribers miss events instead of blocking
// ingest.
package liveevents

import (
	"errors"
	"sync"
)

const (
	StatusAccepted = "accepted"
	StatusReplayed = "replayed"
	StatusRejected = "rejected"
)

const (
	DefaultBacklogSize      = 50
	DefaultSubscriberBuffer = 16
)

var ErrHubUnavailable = errors.New("live_events_unavailable")

type LiveEvent struct {
	MeterID         string  `json:"meter_id"`
	UserID          string  `json:"user_id"`
	Value           float64 `json:"value"`
	EventTimestamp  string  `json:"event_timestamp"`
	BillingPeriod   string  `json:"billing_period"`
	Status          string  `json:"status"`
	ShouldWarn      bool    `json:"should_warn"`
	UsagePercentage float64 `json:"usage_percentage"`
}

type Hub struct {
	mu               sync.RWMutex
	meters           map[string]*meterStream
	backlogSize      int
	subscriberBuffer int
}

type meterStream struct {
	mu      sync.Mutex
	backlog []LiveEvent
	subs    map[uint64]chan LiveEvent
	nextID  uint64
}

type Subscription struct {
	hub     *Hub
	meterID string
	id      uint64
	ch      chan LiveEvent
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		meters:           make(map[string]*meterStream),
		backlogSize:      DefaultBacklogSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish is a no-op for meters nobody is watching.
func (h *Hub) Publish(event LiveEvent) {
	if h == nil || event.MeterID == "" {
		return
	}
	h.mu.RLock()
	s := h.meters[event.MeterID]
	h.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.backlog = append(s.backlog, event)
	if over := len(s.backlog) - h.backlogSize; over > 0 {
		s.backlog = s.backlog[over:]
	}
	targets := make([]chan LiveEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a subscription and the backlog published since the first
// subscriber of the meter arrived.
func (h *Hub) Subscribe(meterID string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	if meterID == "" {
		return nil, nil, errors.New("invalid_meter_id")
	}

	h.mu.Lock()
	s := h.meters[meterID]
	if s == nil {
		s = &meterStream{subs: make(map[uint64]chan LiveEvent)}
		h.meters[meterID] = s
	}
	s.mu.Lock()
	h.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	s.subs[id] = ch
	backlog := append([]LiveEvent(nil), s.backlog...)
	s.mu.Unlock()

	return &Subscription{hub: h, meterID: meterID, id: id, ch: ch}, backlog, nil
}

func (h *Hub) unsubscribe(meterID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.meters[meterID]
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, id)
	empty := len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(h.meters, meterID)
	}
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.meterID, s.id)
	})
}
