package events

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// defaultSubscriberBuffer bounds how many undelivered events a slow
// subscriber may accumulate before new events are dropped for it, when no
// explicit buffer size is given to New.
const defaultSubscriberBuffer = 128

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription
	bufSize int
}

type subscription struct {
	id      uint64
	kinds   []Kind // nil/empty means "all kinds"
	ch      chan Event
	dropped atomic.Bool
	log     *slog.Logger
}

// New creates an empty Bus. bufSize sets the per-subscriber channel buffer;
// a value <= 0 falls back to defaultSubscriberBuffer.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &Bus{subs: make(map[uint64]*subscription), bufSize: bufSize}
}

// Subscribe registers a new listener for the given kinds (all kinds, if
// none are given) and returns the channel to read from plus an unsubscribe
// function. The channel is closed by unsubscribe, or by Close if that runs
// first; calling unsubscribe after Close, or twice, is a no-op.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		id:    id,
		kinds: kinds,
		ch:    make(chan Event, b.bufSize),
		log:   slog.With("in", "events.Bus"),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		_, active := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if active {
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers ev to every subscriber interested in ev.Kind. Delivery
// is non-blocking: a subscriber whose buffer is full has this event (and
// any further ones until it drains) dropped, with one warning logged per
// drop streak.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	interested := lo.Filter(lo.Values(b.subs), func(s *subscription, _ int) bool {
		return len(s.kinds) == 0 || lo.Contains(s.kinds, ev.Kind)
	})
	b.mu.RUnlock()

	for _, sub := range interested {
		select {
		case sub.ch <- ev:
			sub.dropped.Store(false)
		default:
			if sub.dropped.CompareAndSwap(false, true) {
				sub.log.Warn("dropping event: subscriber buffer full", "kind", ev.Kind)
			}
		}
	}
}

// Close unsubscribes and closes every active subscriber channel. Intended
// for instance shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
