package quality

import (
	"sync"
	"time"

	"github.com/servibook/callkit/internal/media"
)

// Sample is one poll of the active connection.
type Sample struct {
	Timestamp  time.Time
	ConnState  media.ConnState
	ICEState   media.ConnState
	RTT        time.Duration
	PacketLoss float64
}

// StatsRing is a thread-safe fixed-capacity ring of recent samples.
type StatsRing struct {
	mu       sync.RWMutex
	data     []Sample
	capacity int
	size     int
	head     int // next write position
}

func NewStatsRing(capacity int) *StatsRing {
	return &StatsRing{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

func (r *StatsRing) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Recent returns up to n samples, most recent first.
func (r *StatsRing) Recent(n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	result := make([]Sample, n)
	pos := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.data[pos]
		pos = (pos - 1 + r.capacity) % r.capacity
	}
	return result
}

func (r *StatsRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
