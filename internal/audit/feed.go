package audit

import (
	"context"
	"sync"
)

// Feed fans recorded entries out to live subscribers such as the console
// event stream. Slow subscribers miss events rather than block recording.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan Entry
	next int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Entry)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 32)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to every subscriber with room in its buffer.
func (f *Feed) Publish(e Entry) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
