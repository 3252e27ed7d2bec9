// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"strings"
	"sync"
)

// subscription pairs a channel with the exact topics and prefix patterns
// (topics ending in "*") it was registered for.
type subscription struct {
	ch chan Message
	exact map[string]struct{}
	prefixes []string
}

func (s *subscription) matches(topic string) bool {
	if _, ok := s.exact[topic]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// MemoryBus is an in-process Bus used by tests and by both binaries when
// no bus.redis_addr is configured. Publishing
// fans out synchronously to every live subscription matching the topic.
type MemoryBus struct {
	mu sync.Mutex
	subs []*subscription
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(topic) {
			matching = append(matching, s)
		}
	}
	b.mu.Unlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range matching {
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// A slow subscriber does not block the publisher; it misses
			// this message, matching the bus's best-effort delivery
			// model.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics...string) (<-chan Message, error) {
	sub := &subscription{ch: make(chan Message, 64), exact: make(map[string]struct{})}
	for _, topic := range topics {
		if strings.HasSuffix(topic, "*") {
			sub.prefixes = append(sub.prefixes, strings.TrimSuffix(topic, "*"))
		} else {
			sub.exact[topic] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		kept := b.subs[:0]
		for _, s := range b.subs {
			if s != sub {
				kept = append(kept, s)
			}
		}
		b.subs = kept
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (b *MemoryBus) Close() error {
	return nil
}
