// Package notify provides the subscription primitive shared by the presence store,
// the signaling relay and the message logs: every subscriber gets a channel that
// always holds the most recent value, plus an explicit, idempotent Cancel.
package notify

import "sync"

// Subscription delivers the latest value published to it. An undelivered older
// value is replaced, so a slow reader observes state, never a backlog.
type Subscription[T any] struct {
	ch chan T

	mu       sync.Mutex
	closed   bool
	once     sync.Once
	onCancel func()
}

func newSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{ch: make(chan T, 1)}
}

// C returns the delivery channel. It is closed after Cancel.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Cancel detaches the subscription from its topic and closes C. Safe to call
// more than once and from any goroutine.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// Topic fans a value out to all current subscribers. The zero value is ready to use.
type Topic[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*Subscription[T]
}

// Subscribe registers a new subscriber.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	return t.subscribe(nil)
}

func (t *Topic[T]) subscribe(after func()) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs == nil {
		t.subs = make(map[uint64]*Subscription[T])
	}
	id := t.next
	t.next++
	sub := newSubscription[T]()
	sub.onCancel = func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		if after != nil {
			after()
		}
	}
	t.subs[id] = sub
	return sub
}

// Publish offers v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		sub.offer(v)
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close cancels every subscriber.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	subs := make([]*Subscription[T], 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Keyed is a set of topics addressed by key, e.g. one per identity.
// Topics are created on first subscription and dropped when their last
// subscriber cancels.
type Keyed[K comparable, T any] struct {
	mu     sync.Mutex
	topics map[K]*Topic[T]
}

// Subscribe registers a subscriber for key.
func (k *Keyed[K, T]) Subscribe(key K) *Subscription[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.topics == nil {
		k.topics = make(map[K]*Topic[T])
	}
	topic, ok := k.topics[key]
	if !ok {
		topic = &Topic[T]{}
		k.topics[key] = topic
	}
	return topic.subscribe(func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if current, ok := k.topics[key]; ok && current == topic && topic.Len() == 0 {
			delete(k.topics, key)
		}
	})
}

// Publish offers v to the subscribers of key, if any.
func (k *Keyed[K, T]) Publish(key K, v T) {
	k.mu.Lock()
	topic := k.topics[key]
	k.mu.Unlock()
	if topic != nil {
		topic.Publish(v)
	}
}

// Close cancels the subscribers of every key.
func (k *Keyed[K, T]) Close() {
	k.mu.Lock()
	topics := make([]*Topic[T], 0, len(k.topics))
	for _, topic := range k.topics {
		topics = append(topics, topic)
	}
	k.mu.Unlock()
	for _, topic := range topics {
		topic.Close()
	}
}
