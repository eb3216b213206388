// Package state owns all mutable domain state. The three stores hand out
// value snapshots and publish every successful mutation as a typed change
// event with a per-entity monotonically increasing version.
package state

import (
	"sync"

	"github.com/strefethen/snapdog/internal/core"
)

// Change is a typed store mutation event. The concrete types carry both the
// old and new snapshot so consumers can diff without re-reading the store.
type Change interface{ change() }

// ZoneChange reports a zone mutation.
type ZoneChange struct {
	Index    int
	Old, New core.ZoneState
	Version  uint64
}

// ClientChange reports a client mutation.
type ClientChange struct {
	Index    int
	Old, New core.ClientState
	Version  uint64
}

// GlobalChange reports a global-state mutation.
type GlobalChange struct {
	Old, New core.GlobalState
	Version  uint64
}

func (ZoneChange) change()   {}
func (ClientChange) change() {}
func (GlobalChange) change() {}

const busBufferSize = 1024

// Bus carries change events from the stores to the fan-out. Delivery is
// in publish order; per-entity order matches version order because stores
// publish while holding the entity lock.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Change
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all subsequent changes.
func (b *Bus) Subscribe() <-chan Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Change, busBufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers a change to every subscriber. Sends block rather than
// drop: subscribers are in-process consumers that only stage events into
// their own coalescing maps, so the queue drains quickly.
func (b *Bus) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		ch <- c
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
