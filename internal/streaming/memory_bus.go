package streaming

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process pub/sub bus used in tests and single-binary
// dev mode. Each subscription owns a bounded FIFO queue drained by its
// own goroutine, with a non-blocking wake signal in place of a condition
// variable.
type MemoryBus struct {
	mu          sync.RWMutex
	subs        map[string]*memSub
	will        map[string]willEntry
	connected   bool
	maxPerQueue int
}

type willEntry struct {
	topic   string
	payload interface{}
	qos     QoS
}

type memSub struct {
	id       string
	filter   string
	handler  func(Event)
	mu       sync.Mutex
	queue    *list.List
	notEmpty chan struct{}
	done     chan struct{}
}

// NewMemoryBus creates a connected MemoryBus. maxPerQueue bounds each
// subscriber's backlog; 0 means unbounded.
func NewMemoryBus(maxPerQueue int) *MemoryBus {
	b := &MemoryBus{
		subs:        make(map[string]*memSub),
		will:        make(map[string]willEntry),
		connected:   true,
		maxPerQueue: maxPerQueue,
	}
	return b
}

func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetWill registers the last-will payload published (to all matching
// subscribers) when Disconnect is called without a clean Close.
func (b *MemoryBus) SetWill(topic string, payload interface{}, qos QoS) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.will[topic] = willEntry{topic: topic, payload: payload, qos: qos}
}

// Disconnect simulates an unclean disconnect: publishes every registered
// will payload, then marks the bus disconnected so subsequent Publish
// calls return ErrTransportUnavailable, exercising the same reconnect
// path a real broker client would.
func (b *MemoryBus) Disconnect(ctx context.Context) {
	b.mu.Lock()
	wills := make([]willEntry, 0, len(b.will))
	for _, w := range b.will {
		wills = append(wills, w)
	}
	b.connected = false
	b.mu.Unlock()

	for _, w := range wills {
		_ = b.Publish(ctx, w.topic, w.payload, w.qos)
	}
}

// Reconnect marks the bus connected again. Real reconnection also
// re-establishes subscriptions; MemoryBus subscriptions never actually
// drop, so there is nothing further to redo.
func (b *MemoryBus) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload interface{}, qos QoS) error {
	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return ErrTransportUnavailable
	}
	data, err := marshalPayload(payload)
	if err != nil {
		b.mu.RUnlock()
		return err
	}
	event := Event{ID: uuid.NewString(), Topic: topic, Payload: data, Source: "memory-bus"}

	matched := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		s.push(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topicFilter string, handler func(event Event)) (Subscription, error) {
	s := &memSub{
		id:       uuid.NewString(),
		filter:   topicFilter,
		handler:  handler,
		queue:    list.New(),
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	return &memSubscription{bus: b, id: s.id, sub: s}, nil
}

func (s *memSub) push(e Event) {
	s.mu.Lock()
	s.queue.PushBack(e)
	s.mu.Unlock()
	select {
	case s.notEmpty <- struct{}{}:
	default:
	}
}

func (s *memSub) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.queue.Front()
	if front == nil {
		return Event{}, false
	}
	return s.queue.Remove(front).(Event), true
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notEmpty:
			for {
				e, ok := s.pop()
				if !ok {
					break
				}
				s.handler(e)
			}
		}
	}
}

type memSubscription struct {
	bus *MemoryBus
	id  string
	sub *memSub
}

func (m *memSubscription) Unsubscribe() error {
	m.bus.mu.Lock()
	delete(m.bus.subs, m.id)
	m.bus.mu.Unlock()
	close(m.sub.done)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.done)
		delete(b.subs, id)
	}
	b.connected = false
	return nil
}

// topicMatches supports the single-level "+" wildcard used by the
// provisioning and telemetry topic patterns (e.g. "lifo4/+/telemetry").
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	if len(fParts) != len(tParts) {
		return false
	}
	for i, fp := range fParts {
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return true
}
