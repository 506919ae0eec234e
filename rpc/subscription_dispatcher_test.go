package rpc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubscriptionDispatcher_Subscribe(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	sub, err := d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected non-nil subscription")
	}
	if sub.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if sub.ClientID != "client-1" {
		t.Fatalf("expected client-1, got %s", sub.ClientID)
	}
	if sub.Topic != TopicBidStatusUpdate {
		t.Fatalf("expected TopicBidStatusUpdate, got %s", sub.Topic)
	}
	if d.TotalSubscriptions() != 1 {
		t.Fatalf("expected 1 subscription, got %d", d.TotalSubscriptions())
	}
}

func TestSubscriptionDispatcher_SubscribeInvalidTopic(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	_, err := d.Subscribe("client-1", "badTopic", nil)
	if !errors.Is(err, ErrDispatcherInvalidTopic) {
		t.Fatalf("expected ErrDispatcherInvalidTopic, got %v", err)
	}
}

func TestSubscriptionDispatcher_SubscribePerClientLimit(t *testing.T) {
	config := DefaultDispatcherConfig()
	config.MaxSubsPerClient = 2
	d := NewSubscriptionDispatcher(config)

	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-1", TopicSvmChainUpdate, nil)

	_, err := d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	if !errors.Is(err, ErrDispatcherClientLimit) {
		t.Fatalf("expected ErrDispatcherClientLimit, got %v", err)
	}

	// Different client should work.
	_, err = d.Subscribe("client-2", TopicBidStatusUpdate, nil)
	if err != nil {
		t.Fatalf("different client should succeed: %v", err)
	}
}

func TestSubscriptionDispatcher_SubscribeGlobalLimit(t *testing.T) {
	config := DefaultDispatcherConfig()
	config.MaxTotalSubs = 2
	config.MaxSubsPerClient = 10
	d := NewSubscriptionDispatcher(config)

	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-2", TopicSvmChainUpdate, nil)

	_, err := d.Subscribe("client-3", TopicBidStatusUpdate, nil)
	if !errors.Is(err, ErrDispatcherClientLimit) {
		t.Fatalf("expected ErrDispatcherClientLimit, got %v", err)
	}
}

func TestSubscriptionDispatcher_Unsubscribe(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	if err := d.Unsubscribe(sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.TotalSubscriptions() != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", d.TotalSubscriptions())
	}
}

func TestSubscriptionDispatcher_UnsubscribeNotFound(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	err := d.Unsubscribe("0xdeadbeef")
	if !errors.Is(err, ErrDispatcherSubNotFound) {
		t.Fatalf("expected ErrDispatcherSubNotFound, got %v", err)
	}
}

func TestSubscriptionDispatcher_UnsubscribeDecrementsClientCount(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	sub1, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-1", TopicSvmChainUpdate, nil)

	if d.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", d.ClientCount())
	}

	d.Unsubscribe(sub1.ID)
	if d.ClientCount() != 1 {
		t.Fatalf("still expect 1 client with remaining sub, got %d", d.ClientCount())
	}
}

func TestSubscriptionDispatcher_Broadcast(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	d.Broadcast(TopicBidStatusUpdate, "bid-100")

	select {
	case msg := <-sub.Channel():
		if msg != "bid-100" {
			t.Fatalf("expected bid-100, got %v", msg)
		}
	default:
		t.Fatal("expected notification on channel")
	}
}

func TestSubscriptionDispatcher_BroadcastTopicFiltering(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	bidSub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	chainSub, _ := d.Subscribe("client-1", TopicSvmChainUpdate, nil)

	d.Broadcast(TopicBidStatusUpdate, "bid-event")

	// Bid subscription should receive.
	select {
	case <-bidSub.Channel():
		// Good.
	default:
		t.Fatal("expected bid notification")
	}

	// Chain subscription should NOT receive.
	select {
	case <-chainSub.Channel():
		t.Fatal("chain sub should not receive bid event")
	default:
		// Good.
	}
}

func TestSubscriptionDispatcher_BroadcastRateLimit(t *testing.T) {
	config := DefaultDispatcherConfig()
	config.MaxEventsPerSec = 2
	config.RateWindow = time.Hour // Large window so it never resets.
	d := NewSubscriptionDispatcher(config)

	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	// First two should be delivered.
	d.Broadcast(TopicBidStatusUpdate, "event-1")
	d.Broadcast(TopicBidStatusUpdate, "event-2")
	// Third should be rate-limited.
	d.Broadcast(TopicBidStatusUpdate, "event-3")

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-sub.Channel():
			received++
		default:
		}
	}

	if received != 2 {
		t.Fatalf("expected 2 events delivered (rate limited), got %d", received)
	}
}

func TestSubscriptionDispatcher_BroadcastBufferFull(t *testing.T) {
	config := DefaultDispatcherConfig()
	config.BufferSize = 1
	config.MaxEventsPerSec = 0 // Disable rate limiting.
	d := NewSubscriptionDispatcher(config)

	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	// Fill the buffer.
	d.Broadcast(TopicBidStatusUpdate, "event-1")
	// This should be dropped (buffer full), not block.
	d.Broadcast(TopicBidStatusUpdate, "event-2")

	select {
	case msg := <-sub.Channel():
		if msg != "event-1" {
			t.Fatalf("expected event-1, got %v", msg)
		}
	default:
		t.Fatal("expected at least one event")
	}
}

func TestSubscriptionDispatcher_GetSubscriptions(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-1", TopicSvmChainUpdate, nil)
	d.Subscribe("client-2", TopicBidStatusUpdate, nil)

	subs := d.GetSubscriptions("client-1")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions for client-1, got %d", len(subs))
	}

	subs2 := d.GetSubscriptions("client-2")
	if len(subs2) != 1 {
		t.Fatalf("expected 1 subscription for client-2, got %d", len(subs2))
	}

	subs3 := d.GetSubscriptions("client-3")
	if len(subs3) != 0 {
		t.Fatalf("expected 0 subscriptions for client-3, got %d", len(subs3))
	}
}

func TestSubscriptionDispatcher_GetSubscription(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	got := d.GetSubscription(sub.ID)
	if got == nil {
		t.Fatal("expected non-nil subscription")
	}
	if got.Topic != TopicBidStatusUpdate {
		t.Fatalf("expected TopicBidStatusUpdate, got %s", got.Topic)
	}

	if d.GetSubscription("nonexistent") != nil {
		t.Fatal("expected nil for nonexistent subscription")
	}
}

func TestSubscriptionDispatcher_CleanupStale(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	// Create subscriptions with backdated creation times.
	sub1, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	sub2, _ := d.Subscribe("client-2", TopicSvmChainUpdate, nil)
	sub3, _ := d.Subscribe("client-3", TopicBidStatusUpdate, nil)

	// Backdate sub1 and sub2 to make them stale.
	d.mu.Lock()
	d.subs[sub1.ID].Created = time.Now().Add(-10 * time.Minute)
	d.subs[sub2.ID].Created = time.Now().Add(-10 * time.Minute)
	// sub3 stays fresh.
	d.mu.Unlock()

	removed := d.CleanupStale(5 * time.Minute)
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if d.TotalSubscriptions() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.TotalSubscriptions())
	}

	// Verify sub3 is still there.
	if d.GetSubscription(sub3.ID) == nil {
		t.Fatal("expected sub3 to still be active")
	}
}

func TestSubscriptionDispatcher_CleanupStaleWithRecentActivity(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	// Backdate creation but set recent LastEvent.
	d.mu.Lock()
	d.subs[sub.ID].Created = time.Now().Add(-10 * time.Minute)
	d.subs[sub.ID].LastEvent = time.Now()
	d.mu.Unlock()

	removed := d.CleanupStale(5 * time.Minute)
	if removed != 0 {
		t.Fatalf("expected 0 removed (recent activity), got %d", removed)
	}
}

func TestSubscriptionDispatcher_DisconnectClient(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-1", TopicSvmChainUpdate, nil)
	d.Subscribe("client-2", TopicBidStatusUpdate, nil)

	removed := d.DisconnectClient("client-1")
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if d.TotalSubscriptions() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.TotalSubscriptions())
	}
	if d.ClientCount() != 1 {
		t.Fatalf("expected 1 client remaining, got %d", d.ClientCount())
	}
}

func TestSubscriptionDispatcher_SubscriptionStats(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-2", TopicBidStatusUpdate, nil)
	d.Subscribe("client-1", TopicSvmChainUpdate, nil)
	d.Subscribe("client-3", TopicSvmChainUpdate, nil)
	d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	stats := d.SubscriptionStats()
	if stats.Total != 5 {
		t.Fatalf("expected total=5, got %d", stats.Total)
	}
	if stats.BidStatusUpdates != 3 {
		t.Fatalf("expected bidStatusUpdates=3, got %d", stats.BidStatusUpdates)
	}
	if stats.ChainUpdates != 2 {
		t.Fatalf("expected chainUpdates=2, got %d", stats.ChainUpdates)
	}
	if stats.Clients != 3 {
		t.Fatalf("expected clients=3, got %d", stats.Clients)
	}
}

func TestSubscriptionDispatcher_Close(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	d.Subscribe("client-1", TopicBidStatusUpdate, nil)
	d.Subscribe("client-2", TopicSvmChainUpdate, nil)

	d.Close()

	if !d.IsClosed() {
		t.Fatal("expected dispatcher to be closed")
	}
	if d.TotalSubscriptions() != 0 {
		t.Fatalf("expected 0 subscriptions after close, got %d", d.TotalSubscriptions())
	}

	// New subscriptions should fail.
	_, err := d.Subscribe("client-3", TopicBidStatusUpdate, nil)
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestSubscriptionDispatcher_BroadcastAfterClose(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	d.Close()

	// Should not panic.
	d.Broadcast(TopicBidStatusUpdate, "data")
}

func TestSubscriptionDispatcher_CheckClientRateLimit(t *testing.T) {
	config := DefaultDispatcherConfig()
	config.MaxEventsPerSec = 3
	config.RateWindow = time.Hour
	d := NewSubscriptionDispatcher(config)

	d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	// Simulate events by broadcasting.
	d.Broadcast(TopicBidStatusUpdate, "e1")
	d.Broadcast(TopicBidStatusUpdate, "e2")
	d.Broadcast(TopicBidStatusUpdate, "e3")

	// Client should now be at the limit.
	if d.CheckClientRateLimit("client-1") {
		t.Fatal("expected client to be rate limited")
	}

	// Unknown client should pass.
	if !d.CheckClientRateLimit("unknown") {
		t.Fatal("unknown client should not be rate limited")
	}
}

func TestSubscriptionDispatcher_EventCounter(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())
	sub, _ := d.Subscribe("client-1", TopicBidStatusUpdate, nil)

	d.Broadcast(TopicBidStatusUpdate, "e1")
	d.Broadcast(TopicBidStatusUpdate, "e2")
	d.Broadcast(TopicBidStatusUpdate, "e3")

	// Drain the channel.
	for i := 0; i < 3; i++ {
		<-sub.Channel()
	}

	got := d.GetSubscription(sub.ID)
	if got.Events != 3 {
		t.Fatalf("expected 3 events, got %d", got.Events)
	}
}

func TestSubscriptionDispatcher_IsValidTopic(t *testing.T) {
	if !IsValidTopic(TopicBidStatusUpdate) {
		t.Fatal("TopicBidStatusUpdate should be valid")
	}
	if !IsValidTopic(TopicSvmChainUpdate) {
		t.Fatal("TopicSvmChainUpdate should be valid")
	}
	if IsValidTopic("invalid") {
		t.Fatal("invalid topic should not be valid")
	}
}

func TestSubscriptionDispatcher_ConcurrentAccess(t *testing.T) {
	d := NewSubscriptionDispatcher(DefaultDispatcherConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		clientID := "client-" + string(rune('A'+i%5))
		go func(cid string) {
			defer wg.Done()
			d.Subscribe(cid, TopicBidStatusUpdate, nil)
		}(clientID)
		go func() {
			defer wg.Done()
			d.Broadcast(TopicBidStatusUpdate, "event")
		}()
		go func() {
			defer wg.Done()
			_ = d.SubscriptionStats()
		}()
	}
	wg.Wait()

	if d.TotalSubscriptions() == 0 {
		t.Fatal("expected some subscriptions")
	}
}
