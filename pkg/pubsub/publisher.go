package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ritzau/asset-pipeline/pkg/logging"
)

// TopicConfig configures buffering behavior for a topic
type TopicConfig struct {
	BufferSize int  // Number of events to buffer (0 = no buffering)
	ReplayAll  bool // If true, replay all buffered events; if false, only replay last event
}

// EventPublisher is the in-process implementation of Publisher. Events
// are fanned out to subscriber channels without blocking the publisher;
// a subscriber that cannot keep up drops events (and is warned about).
type EventPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]map[*subscription]bool // topic -> set of subscriptions
	version       map[string]int                    // topic -> version counter
	eventBuffer   map[string][]Event                // topic -> ring buffer of events
	topicConfig   map[string]TopicConfig            // topic -> configuration
	closed        bool
}

// NewEventPublisher creates a new publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]map[*subscription]bool),
		version:       make(map[string]int),
		eventBuffer:   make(map[string][]Event),
		topicConfig:   make(map[string]TopicConfig),
	}
}

// ConfigureTopic sets buffering configuration for a topic
func (p *EventPublisher) ConfigureTopic(topic string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicConfig[topic] = config
}

// Subscribe creates a new subscription to a topic
func (p *EventPublisher) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("publisher is closed")
	}

	sub := &subscription{
		topic:     topic,
		events:    make(chan Event, 256), // buffered to keep publishers non-blocking
		publisher: p,
	}

	if p.subscriptions[topic] == nil {
		p.subscriptions[topic] = make(map[*subscription]bool)
	}
	p.subscriptions[topic][sub] = true

	// Copy buffered events to replay while holding the lock
	config := p.topicConfig[topic]
	bufferedEvents := make([]Event, len(p.eventBuffer[topic]))
	copy(bufferedEvents, p.eventBuffer[topic])

	p.mu.Unlock()

	if len(bufferedEvents) > 0 {
		eventsToReplay := bufferedEvents
		if !config.ReplayAll {
			eventsToReplay = bufferedEvents[len(bufferedEvents)-1:]
		}
		for _, event := range eventsToReplay {
			select {
			case sub.events <- event:
			default:
				logging.Warn("could not replay event to new subscriber", "topic", topic)
			}
		}
	}

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return sub, nil
}

// Publish sends an event to all subscribers of a topic
func (p *EventPublisher) Publish(topic string, eventType string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	p.version[topic]++

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := Event{
		Topic:   topic,
		Type:    eventType,
		Data:    jsonData,
		Version: p.version[topic],
	}

	config := p.topicConfig[topic]
	if config.BufferSize > 0 {
		buffer := append(p.eventBuffer[topic], event)
		if len(buffer) > config.BufferSize {
			buffer = buffer[len(buffer)-config.BufferSize:]
		}
		p.eventBuffer[topic] = buffer
	}

	for sub := range p.subscriptions[topic] {
		select {
		case sub.events <- event:
		default:
			logging.Warn("subscription channel full, dropping event", "topic", topic)
		}
	}

	return nil
}

// Close shuts down the publisher and all subscriptions
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, subs := range p.subscriptions {
		for sub := range subs {
			close(sub.events)
		}
	}
	p.subscriptions = make(map[string]map[*subscription]bool)

	return nil
}

// unsubscribe removes a subscription (called by subscription.Close())
func (p *EventPublisher) unsubscribe(sub *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if subs := p.subscriptions[sub.topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(p.subscriptions, sub.topic)
		}
	}
}

type subscription struct {
	topic     string
	events    chan Event
	publisher *EventPublisher
	closed    bool
	mu        sync.Mutex
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Events() <-chan Event {
	return s.events
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.publisher.unsubscribe(s)

	return nil
}

// WriteSSE writes an event to a Server-Sent-Events response writer
// Format: "data: {json}\n\n"
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	return err
}
