package events

import (
	"sync"

	"github.com/tobias/mealtrace/internal/logger"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls more than a buffer behind starts losing events; clients recover by
// refetching run state, so delivery stays best-effort and publishers never
// block on a slow consumer.
const subscriberBuffer = 32

type subscriber struct {
	ch chan Event
}

// Broker is an in-process publish/subscribe channel for run progress events.
// Topics are run IDs. There is no replay: an event published before a
// subscriber attaches is not redelivered.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	log    *logger.Logger
}

// NewBroker creates an empty broker.
// Parameters:
//   - log: logger for dropped-event diagnostics; nil uses the default logger.
// Returns:
//   - *Broker: initialized broker.
func NewBroker(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Broker{
		topics: make(map[string][]*subscriber),
		log:    log,
	}
}

// Publish delivers an event to every current subscriber of the run topic.
// Delivery is non-blocking; a full subscriber buffer drops the event for that
// subscriber only. The read lock is held across the sends so an unsubscribe
// (which closes the channel under the write lock) cannot race a send.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[evt.RunID] {
		select {
		case sub.ch <- evt:
		default:
			b.log.WithFields(logger.Fields{
				logger.FieldRunID: evt.RunID,
				"event_type":      string(evt.Type),
			}).Warn("Dropping event for slow subscriber")
		}
	}
}

// Subscribe attaches a new subscriber to a run topic.
// Parameters:
//   - runID: run to follow.
// Returns:
//   - <-chan Event: channel receiving events published while subscribed.
//   - func(): unsubscribe; closes the channel and releases the subscription.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.topics[runID] = append(b.topics[runID], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.topics[runID]
			for i, s := range subs {
				if s == sub {
					b.topics[runID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[runID]) == 0 {
				delete(b.topics, runID)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}

	return sub.ch, cancel
}

// SubscriberCount returns the number of live subscribers for a run topic.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[runID])
}
