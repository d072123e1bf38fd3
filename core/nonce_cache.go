package core

// nonce_cache.go – time-bounded replay-prevention set shared by envelope
// verification.
//
// Two structures back the cache: a primary map keyed by nonce for O(1)
// presence checks and a secondary index keyed by expiry second so GC can
// discard whole buckets without scanning the primary.  The cache has no
// capacity eviction on purpose — dropping a live nonce early would reopen
// the replay window it exists to close.

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultReplayWindow is how long an observed nonce stays poisoned.
	DefaultReplayWindow = 120 * time.Second
	// nonceGCInterval is the period of the background sweep.
	nonceGCInterval = 10 * time.Second
)

// NonceCache records observed envelope nonces until their expiry.
type NonceCache struct {
	mu       sync.Mutex
	seen     map[[16]byte]int64          // nonce -> expiry unix second
	byExpiry map[int64][][16]byte        // expiry unix second -> nonces
	window   time.Duration
	clk      clock.Clock
	stop     chan struct{}
	stopOnce sync.Once
}

// NewNonceCache builds a cache with the given replay window.  A zero
// window selects the default.
func NewNonceCache(window time.Duration, clk clock.Clock) *NonceCache {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &NonceCache{
		seen:     make(map[[16]byte]int64),
		byExpiry: make(map[int64][][16]byte),
		window:   window,
		clk:      clk,
		stop:     make(chan struct{}),
	}
}

// Window exposes the configured replay window.
func (nc *NonceCache) Window() time.Duration { return nc.window }

// Observe records a nonce first seen at ts.  A nonce already present and
// unexpired fails with ErrReplayDetected.
func (nc *NonceCache) Observe(nonce [16]byte, ts time.Time) error {
	expiry := ts.Add(nc.window).Unix()
	now := nc.clk.Now().Unix()

	nc.mu.Lock()
	defer nc.mu.Unlock()
	if exp, ok := nc.seen[nonce]; ok && exp > now {
		return ErrReplayDetected
	}
	nc.seen[nonce] = expiry
	nc.byExpiry[expiry] = append(nc.byExpiry[expiry], nonce)
	return nil
}

// Len reports the current number of tracked nonces.
func (nc *NonceCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.seen)
}

// Start launches the periodic GC until Stop is called.
func (nc *NonceCache) Start() {
	ticker := nc.clk.Ticker(nonceGCInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				nc.GC()
			case <-nc.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (nc *NonceCache) Stop() { nc.stopOnce.Do(func() { close(nc.stop) }) }

// GC removes every nonce whose expiry has passed.  It walks the expiry
// index so cost is bounded by the number of expired buckets.
func (nc *NonceCache) GC() int {
	now := nc.clk.Now().Unix()
	removed := 0

	nc.mu.Lock()
	defer nc.mu.Unlock()
	for exp, nonces := range nc.byExpiry {
		if exp > now {
			continue
		}
		for _, n := range nonces {
			// A nonce re-observed after expiry may live in a newer
			// bucket; only delete when the primary still points here.
			if nc.seen[n] == exp {
				delete(nc.seen, n)
				removed++
			}
		}
		delete(nc.byExpiry, exp)
	}
	return removed
}
