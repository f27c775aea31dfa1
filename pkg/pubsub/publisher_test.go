package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPublishAndReceive(t *testing.T) {
	pub := NewEventPublisher()
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := pub.Subscribe(ctx, TopicIdleState)
	if err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	defer sub.Close()

	if err := pub.Publish(TopicIdleState, "changed", IdleState{Idle: true}); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Topic != TopicIdleState || event.Type != "changed" {
			t.Errorf("Unexpected event envelope: %+v", event)
		}
		var state IdleState
		if err := json.Unmarshal(event.Data, &state); err != nil {
			t.Fatalf("Unmarshal payload: %v", err)
		}
		if !state.Idle {
			t.Error("Expected idle=true payload")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestReplayBufferedEvents(t *testing.T) {
	pub := NewEventPublisher()
	defer pub.Close()

	pub.ConfigureTopic(TopicJobStatus, TopicConfig{BufferSize: 3, ReplayAll: true})

	for i := 1; i <= 5; i++ {
		err := pub.Publish(TopicJobStatus, "changed", JobStatusChanged{JobRunKey: uint64(i)})
		if err != nil {
			t.Fatalf("Publish() event %d unexpected error: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := pub.Subscribe(ctx, TopicJobStatus)
	if err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	defer sub.Close()

	// The ring buffer holds the last 3 of 5 events (versions 3, 4, 5)
	for want := 3; want <= 5; want++ {
		select {
		case event := <-sub.Events():
			if event.Version != want {
				t.Errorf("Expected replayed version %d, got %d", want, event.Version)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for replayed event version %d", want)
		}
	}
}

func TestReplayLastEventOnly(t *testing.T) {
	pub := NewEventPublisher()
	defer pub.Close()

	pub.ConfigureTopic(TopicIdleState, TopicConfig{BufferSize: 5, ReplayAll: false})

	for i := 1; i <= 3; i++ {
		if err := pub.Publish(TopicIdleState, "changed", IdleState{Idle: i%2 == 0}); err != nil {
			t.Fatalf("Publish() unexpected error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := pub.Subscribe(ctx, TopicIdleState)
	if err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	defer sub.Close()

	select {
	case event := <-sub.Events():
		if event.Version != 3 {
			t.Errorf("Expected only the latest event (version 3), got %d", event.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for replayed event")
	}

	select {
	case event := <-sub.Events():
		t.Errorf("Unexpected extra replayed event version %d", event.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnbufferedTopicDoesNotReplay(t *testing.T) {
	pub := NewEventPublisher()
	defer pub.Close()

	if err := pub.Publish(TopicAssetMessage, "changed", AssetMessage{ProductName: "pc/foo.mesh"}); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := pub.Subscribe(ctx, TopicAssetMessage)
	if err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	defer sub.Close()

	select {
	case event := <-sub.Events():
		t.Errorf("Unexpected replayed event on unbuffered topic: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContextCancellationClosesSubscription(t *testing.T) {
	pub := NewEventPublisher()
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := pub.Subscribe(ctx, TopicIdleState)
	if err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}

	cancel()
	time.Sleep(20 * time.Millisecond)

	// A publish after cancellation must not reach the closed subscription
	if err := pub.Publish(TopicIdleState, "changed", IdleState{Idle: true}); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	select {
	case event, ok := <-sub.Events():
		if ok {
			t.Errorf("Unexpected event after cancellation: %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterClose(t *testing.T) {
	pub := NewEventPublisher()
	pub.Close()

	if err := pub.Publish(TopicIdleState, "changed", IdleState{}); err == nil {
		t.Error("Expected error publishing to a closed publisher")
	}
	if _, err := pub.Subscribe(context.Background(), TopicIdleState); err == nil {
		t.Error("Expected error subscribing to a closed publisher")
	}
}
