// Package broadcaster implements StatusBroadcaster (spec §4.8): a single
// in-process fan-out channel that emits a status-change event exactly once
// per successful, debounced UpdateBidStatus call. Subscribers consume at
// their own pace; a slow subscriber is disconnected rather than allowed to
// backpressure the core.
//
// Grounded on the same bounded-channel-plus-drop idiom used by
// rpc.SubscriptionDispatcher.Broadcast in the ambient stack, generalized
// from per-topic eth subscriptions to the two event shapes spec §6 names.
package broadcaster

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/log"
)

// BidStatusUpdate is emitted whenever a bid's durable status actually
// transitions.
type BidStatusUpdate struct {
	BidID  uuid.UUID
	Status auction.Status
}

// ChainUpdate mirrors SvmChainUpdate from spec §6.
type ChainUpdate struct {
	ChainID                  string
	Blockhash                string
	LatestPrioritizationFee uint64
}

// Event is the sum type delivered to subscribers; exactly one of the two
// fields is non-zero-valued depending on origin.
type Event struct {
	BidStatus   *BidStatusUpdate
	ChainUpdate *ChainUpdate
}

const subscriberBufferSize = 256

// Broadcaster fans an event out to all current subscribers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
	logger      *log.Logger
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan Event),
		logger:      log.Default().Module("broadcaster"),
	}
}

// Subscription is a live subscriber handle.
type Subscription struct {
	id uint64
	ch chan Event
	b  *Broadcaster
}

// Events returns the read-only channel of events for this subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if ch, ok := s.b.subscribers[s.id]; ok {
		close(ch)
		delete(s.b.subscribers, s.id)
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBufferSize)
	b.subscribers[id] = ch
	return &Subscription{id: id, ch: ch, b: b}
}

// Publish fans a bid status update out to every subscriber. Slow
// subscribers whose buffer is full are disconnected rather than block the
// publisher.
func (b *Broadcaster) Publish(update BidStatusUpdate) {
	b.publish(Event{BidStatus: &update})
}

// PublishChainUpdate fans a SvmChainUpdate event out.
func (b *Broadcaster) PublishChainUpdate(update ChainUpdate) {
	b.publish(Event{ChainUpdate: &update})
}

func (b *Broadcaster) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber too slow, disconnecting", "subscriber_id", id)
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
