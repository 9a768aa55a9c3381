package bus

import (
	"context"
	"sync"
)

const localQueueSize = 1024

// LocalBus fans envelopes out to in-process subscribers.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	closed bool
}

type localSub struct {
	queue chan Envelope
	done  chan struct{}
	once  sync.Once
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSub]struct{})}
}

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs {
		select {
		case sub.queue <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, h Handler) error {
	sub := &localSub{queue: make(chan Envelope, localQueueSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		}()
		for {
			select {
			case env := <-sub.queue:
				h(env)
			case <-ctx.Done():
				sub.stop()
				return
			case <-sub.done:
				return
			}
		}
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	return nil
}
