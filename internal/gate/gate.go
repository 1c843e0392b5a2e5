// Package gate holds the per-download completion latch: the closure that
// finalizes a download's bytes once safety checks permit it.
package gate

import (
	"fmt"
	"sync"
)

// Gate stores at most one pending completion waiter per download id. The
// waiter is invoked exactly once, from the classification resolution step,
// or dropped unfired if the download is destroyed first.
type Gate struct {
	mu      sync.Mutex
	waiters map[uint32]func()
}

func New() *Gate {
	return &Gate{waiters: make(map[uint32]func())}
}

// Request stores onReady as the single waiter for id. Two simultaneous
// waiters for the same download means the host violated the
// at-most-one-outstanding-wait contract; that is a programmer error, not a
// race to merge.
func (g *Gate) Request(id uint32, onReady func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.waiters[id]; exists {
		panic(fmt.Sprintf("gate: duplicate completion waiter for download %d", id))
	}

	g.waiters[id] = onReady
}

// Release fires and clears the waiter for id. Returns false if none was
// pending; releasing an empty slot is a no-op so a synchronously resolved
// check and a late duplicate resolution cannot double-fire.
func (g *Gate) Release(id uint32) bool {
	g.mu.Lock()
	onReady, ok := g.waiters[id]
	delete(g.waiters, id)
	g.mu.Unlock()

	if !ok || onReady == nil {
		return false
	}

	onReady()

	return true
}

// Drop discards the waiter for id without firing it. Used when the download
// is destroyed while a check is outstanding.
func (g *Gate) Drop(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.waiters, id)
}

// Pending reports whether a waiter is outstanding for id.
func (g *Gate) Pending(id uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.waiters[id]

	return ok
}
