package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned once the publisher has been closed.
var ErrClosed = errors.New("publisher is closed")

// TopicConfig configures buffering for topics.
type TopicConfig struct {
	BufferSize int  // events kept for replay (0 = none)
	ReplayAll  bool // replay the whole buffer instead of only the last event
}

// SSEPublisher is an in-memory Publisher whose events are written out with
// WriteSSE. Sends never block: a subscriber whose channel is full misses
// the event.
type SSEPublisher struct {
	mu            sync.Mutex
	subscriptions map[string]map[*sseSubscription]struct{}
	version       map[string]int
	eventBuffer   map[string][]Event
	config        TopicConfig
	logger        *slog.Logger
	closed        bool
}

// NewSSEPublisher creates a publisher applying cfg to every topic.
func NewSSEPublisher(cfg TopicConfig, logger *slog.Logger) *SSEPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEPublisher{
		subscriptions: make(map[string]map[*sseSubscription]struct{}),
		version:       make(map[string]int),
		eventBuffer:   make(map[string][]Event),
		config:        cfg,
		logger:        logger,
	}
}

func (p *SSEPublisher) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	sub := &sseSubscription{
		topic:     topic,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
		publisher: p,
	}

	if p.subscriptions[topic] == nil {
		p.subscriptions[topic] = make(map[*sseSubscription]struct{})
	}
	p.subscriptions[topic][sub] = struct{}{}

	replay := p.eventBuffer[topic]
	if !p.config.ReplayAll && len(replay) > 0 {
		replay = replay[len(replay)-1:]
	}
	for _, event := range replay {
		select {
		case sub.events <- event:
		default:
			p.logger.Warn("could not replay event to new subscriber", slog.String("topic", topic))
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (p *SSEPublisher) Publish(topic string, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.version[topic]++
	event := Event{
		Topic:   topic,
		Type:    eventType,
		Data:    jsonData,
		Version: p.version[topic],
	}

	if p.config.BufferSize > 0 {
		buffer := append(p.eventBuffer[topic], event)
		if len(buffer) > p.config.BufferSize {
			buffer = buffer[len(buffer)-p.config.BufferSize:]
		}
		p.eventBuffer[topic] = buffer
	}

	for sub := range p.subscriptions[topic] {
		select {
		case sub.events <- event:
		default:
			p.logger.Warn("subscription channel full, dropping event",
				slog.String("topic", topic),
				slog.Int("version", event.Version))
		}
	}

	return nil
}

func (p *SSEPublisher) DropTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subscriptions[topic] {
		sub.finishLocked()
	}
	delete(p.subscriptions, topic)
	delete(p.eventBuffer, topic)
	delete(p.version, topic)
}

// Close shuts down the publisher and ends every subscription.
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, subs := range p.subscriptions {
		for sub := range subs {
			sub.finishLocked()
		}
	}
	p.subscriptions = make(map[string]map[*sseSubscription]struct{})

	return nil
}

// sseSubscription implements Subscription. Its events channel is closed
// exactly once, always under the publisher lock, so Publish never sends on
// a closed channel.
type sseSubscription struct {
	topic     string
	events    chan Event
	done      chan struct{}
	publisher *SSEPublisher
	finished  bool
}

func (s *sseSubscription) Topic() string {
	return s.topic
}

func (s *sseSubscription) Events() <-chan Event {
	return s.events
}

func (s *sseSubscription) Close() error {
	p := s.publisher
	p.mu.Lock()
	defer p.mu.Unlock()

	if subs := p.subscriptions[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(p.subscriptions, s.topic)
		}
	}
	s.finishLocked()

	return nil
}

func (s *sseSubscription) finishLocked() {
	if s.finished {
		return
	}
	s.finished = true
	close(s.events)
	close(s.done)
}

// WriteSSE writes an event as a "data:" frame.
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Version, jsonData)
	return err
}
