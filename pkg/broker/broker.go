// Package broker fans out change notifications by topic.
package broker

import (
	"context"
	"sync"
)

// Broker publishes payloads to every current subscriber of a topic.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers fn for topic. The returned function removes the subscription.
	Subscribe(ctx context.Context, topic string, fn func([]byte)) (func() error, error)
	Close() error
}

// Local is an in-process broker. Publish calls subscribers synchronously on the publishing goroutine, without holding
// any broker lock.
type Local struct {
	lock   sync.Mutex
	nextId uint64
	subs   map[string]map[uint64]func([]byte)
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[uint64]func([]byte))}
}

func (l *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return ErrClosed
	}
	targets := make([]func([]byte), 0, len(l.subs[topic]))
	for _, fn := range l.subs[topic] {
		targets = append(targets, fn)
	}
	l.lock.Unlock()

	for _, fn := range targets {
		fn(payload)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, topic string, fn func([]byte)) (func() error, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.nextId++
	id := l.nextId
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[uint64]func([]byte))
	}
	l.subs[topic][id] = fn
	return func() error {
		l.lock.Lock()
		defer l.lock.Unlock()
		delete(l.subs[topic], id)
		if len(l.subs[topic]) == 0 {
			delete(l.subs, topic)
		}
		return nil
	}, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (l *Local) Subscribers(topic string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.subs[topic])
}

func (l *Local) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.closed = true
	l.subs = make(map[string]map[uint64]func([]byte))
	return nil
}
