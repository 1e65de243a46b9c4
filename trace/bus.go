package trace

import (
	"io"
	"sync"
)

// Bus capacity and fan-out sizing.
const (
	// BufferLines bounds the replay ring; the oldest line is evicted when
	// the ring is full.
	BufferLines = 10000
	// ReplayLines is how much history a new subscriber receives.
	ReplayLines = 1000
	// subQueueSize bounds each subscriber's queue. Publishing never blocks:
	// lines beyond a full queue are dropped for that subscriber only.
	subQueueSize = 256
)

// Bus formats events into trace lines, keeps a bounded replay ring, writes
// every line to the sink, and fans lines out to live subscribers.
type Bus struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	subs    map[int]chan string
	nextSub int
	sink    io.Writer
}

// NewBus returns a Bus writing formatted lines to sink. A nil sink disables
// the terminal feed but keeps the ring and subscribers working.
func NewBus(sink io.Writer) *Bus {
	return &Bus{
		ring: make([]string, BufferLines),
		subs: make(map[int]chan string),
		sink: sink,
	}
}

// Publish formats the event and delivers the line to the sink, the replay
// ring, and every subscriber. Subscribers that cannot keep up lose lines;
// the producer never blocks on them.
func (b *Bus) Publish(e Event) {
	line := FormatLine(e)

	b.mu.Lock()
	b.ring[b.next] = line
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
	if b.sink != nil {
		io.WriteString(b.sink, line+"\n") //nolint:errcheck
	}
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a live listener and returns its id, the line channel,
// and a replay of the most recent history (up to ReplayLines lines, oldest
// first). The channel is closed by Unsubscribe.
func (b *Bus) Subscribe() (int, <-chan string, []string) {
	ch := make(chan string, subQueueSize)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	replay := b.recentLocked(ReplayLines)
	b.mu.Unlock()

	return id, ch, replay
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Recent returns up to n of the most recent lines, oldest first.
func (b *Bus) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(n)
}

func (b *Bus) recentLocked(n int) []string {
	size := b.next
	if b.full {
		size = len(b.ring)
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}
