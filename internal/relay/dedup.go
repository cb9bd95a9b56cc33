package relay

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a pushed message is remembered.
	defaultDedupTTL = 30 * time.Second

	// dedupSweepInterval is the interval between expiry sweeps.
	dedupSweepInterval = time.Second
)

// dedup drops pushed messages already seen within the TTL.
// A coprocessor that re-pushes a result after a reconnect is filtered here.
type dedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time // seen maps message hash to first sighting
	ttl  time.Duration
	now  func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func newDedup(ttl time.Duration) *dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// firstSeen records data and reports whether it was not seen within the TTL.
func (d *dedup) firstSeen(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[hash]; ok && now.Sub(at) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

func (d *dedup) close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *dedup) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

// sweep removes expired entries.
func (d *dedup) sweep() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
