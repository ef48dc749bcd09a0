// Package pubsub fans newly ingested events and newly raised anomalies out
// to live subscribers. Delivery is at-least-once across reconnects: within
// a connected subscription there are no gaps, because a subscriber that
// cannot keep up is disconnected rather than skipped.
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
	"github.com/balaworkspace05/plausibleV2-ai/internal/telemetry"
)

type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// Subscription yields the live message sequence for one project. C is
// closed when the subscription is cancelled or dropped for falling behind;
// the consumer re-subscribes to continue (it may then observe a message it
// already handled, never a gap while connected).
type Subscription struct {
	C chan model.Message

	broker    *Broker
	projectID string
	once      sync.Once
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (b *Broker) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		C:         make(chan model.Message, b.buffer),
		broker:    b,
		projectID: projectID,
	}
	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[projectID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Cancel releases the subscription. Safe to call more than once; observed
// within one publish cycle.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.C)
	})
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.projectID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.projectID)
	}
}

// Publish is fire-and-forget relative to the write path: it never blocks
// and never reports failure to the caller. A full subscriber buffer drops
// that subscriber, not the message stream's ordering.
func (b *Broker) Publish(projectID string, msg model.Message) {
	b.mu.Lock()
	var lagging []*Subscription
	for sub := range b.subs[projectID] {
		select {
		case sub.C <- msg:
			telemetry.MessagesPublished.Inc()
		default:
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		delete(b.subs[projectID], sub)
	}
	if set, ok := b.subs[projectID]; ok && len(set) == 0 {
		delete(b.subs, projectID)
	}
	b.mu.Unlock()

	for _, sub := range lagging {
		sub.once.Do(func() { close(sub.C) })
		telemetry.SubscribersDropped.Inc()
		if b.logger != nil {
			b.logger.Warn("subscriber fell behind, disconnecting", "project_id", projectID)
		}
	}
}

func (b *Broker) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
