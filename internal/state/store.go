package state

import (
	"sort"
	"sync"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
)

// entry pairs one entity's snapshot with its lock and version counter.
// The lock is held only for the duration of a mutation plus the bus
// publish; never across I/O.
type entry[T any] struct {
	mu      sync.Mutex
	state   T
	version uint64
}

// ZoneStore holds the authoritative zone snapshots, keyed by 1-based index.
type ZoneStore struct {
	mu      sync.RWMutex
	entries map[int]*entry[core.ZoneState]
	bus     *Bus
}

// NewZoneStore seeds the store from configured zones.
func NewZoneStore(bus *Bus, zones []core.ZoneState) *ZoneStore {
	s := &ZoneStore{entries: make(map[int]*entry[core.ZoneState]), bus: bus}
	for _, z := range zones {
		s.entries[z.Index] = &entry[core.ZoneState]{state: z}
	}
	return s
}

func (s *ZoneStore) lookup(index int) (*entry[core.ZoneState], *apperrors.AppError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[index]
	if !ok {
		return nil, apperrors.NewNotFoundIndex("zone", index)
	}
	return e, nil
}

// Get returns a snapshot of one zone.
func (s *ZoneStore) Get(index int) (core.ZoneState, error) {
	e, err := s.lookup(index)
	if err != nil {
		return core.ZoneState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.WithClients(e.state.ClientIndices), nil
}

// GetAll returns snapshots of every zone in index order.
func (s *ZoneStore) GetAll() []core.ZoneState {
	s.mu.RLock()
	indices := make([]int, 0, len(s.entries))
	for idx := range s.entries {
		indices = append(indices, idx)
	}
	s.mu.RUnlock()
	sort.Ints(indices)

	out := make([]core.ZoneState, 0, len(indices))
	for _, idx := range indices {
		if z, err := s.Get(idx); err == nil {
			out = append(out, z)
		}
	}
	return out
}

// Count returns the number of configured zones.
func (s *ZoneStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Mutate applies fn under the zone's lock and publishes the change.
// fn receives and returns a value snapshot; it must not perform I/O.
func (s *ZoneStore) Mutate(index int, fn func(core.ZoneState) core.ZoneState) (old, updated core.ZoneState, err error) {
	e, lookupErr := s.lookup(index)
	if lookupErr != nil {
		return core.ZoneState{}, core.ZoneState{}, lookupErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old = e.state.WithClients(e.state.ClientIndices)
	updated = fn(old)
	updated.Index = index
	e.state = updated
	e.version++
	s.bus.Publish(ZoneChange{Index: index, Old: old, New: updated, Version: e.version})
	return old, updated, nil
}

// Set replaces the zone snapshot wholesale.
func (s *ZoneStore) Set(index int, next core.ZoneState) error {
	_, _, err := s.Mutate(index, func(core.ZoneState) core.ZoneState { return next })
	return err
}

// Version returns the current mutation counter for a zone.
func (s *ZoneStore) Version(index int) uint64 {
	e, err := s.lookup(index)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// ClientStore holds the authoritative client snapshots.
type ClientStore struct {
	mu      sync.RWMutex
	entries map[int]*entry[core.ClientState]
	bus     *Bus
}

// NewClientStore seeds the store from configured clients.
func NewClientStore(bus *Bus, clients []core.ClientState) *ClientStore {
	s := &ClientStore{entries: make(map[int]*entry[core.ClientState]), bus: bus}
	for _, c := range clients {
		s.entries[c.Index] = &entry[core.ClientState]{state: c}
	}
	return s
}

func (s *ClientStore) lookup(index int) (*entry[core.ClientState], *apperrors.AppError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[index]
	if !ok {
		return nil, apperrors.NewNotFoundIndex("client", index)
	}
	return e, nil
}

// Get returns a snapshot of one client.
func (s *ClientStore) Get(index int) (core.ClientState, error) {
	e, err := s.lookup(index)
	if err != nil {
		return core.ClientState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// GetAll returns snapshots of every client in index order.
func (s *ClientStore) GetAll() []core.ClientState {
	s.mu.RLock()
	indices := make([]int, 0, len(s.entries))
	for idx := range s.entries {
		indices = append(indices, idx)
	}
	s.mu.RUnlock()
	sort.Ints(indices)

	out := make([]core.ClientState, 0, len(indices))
	for _, idx := range indices {
		if c, err := s.Get(idx); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of configured clients.
func (s *ClientStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ByMAC returns the client whose MAC matches (lower-cased compare).
func (s *ClientStore) ByMAC(mac string) (core.ClientState, bool) {
	for _, c := range s.GetAll() {
		if c.MAC == mac {
			return c, true
		}
	}
	return core.ClientState{}, false
}

// BySnapcastID returns the client bound to the given Snapcast client id.
func (s *ClientStore) BySnapcastID(id string) (core.ClientState, bool) {
	for _, c := range s.GetAll() {
		if c.SnapcastID == id {
			return c, true
		}
	}
	return core.ClientState{}, false
}

// Mutate applies fn under the client's lock and publishes the change.
// The MAC binding is immutable: fn cannot change it.
func (s *ClientStore) Mutate(index int, fn func(core.ClientState) core.ClientState) (old, updated core.ClientState, err error) {
	e, lookupErr := s.lookup(index)
	if lookupErr != nil {
		return core.ClientState{}, core.ClientState{}, lookupErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old = e.state
	updated = fn(old)
	updated.Index = index
	updated.MAC = old.MAC
	e.state = updated
	e.version++
	s.bus.Publish(ClientChange{Index: index, Old: old, New: updated, Version: e.version})
	return old, updated, nil
}

// Set replaces the client snapshot wholesale (MAC preserved).
func (s *ClientStore) Set(index int, next core.ClientState) error {
	_, _, err := s.Mutate(index, func(core.ClientState) core.ClientState { return next })
	return err
}

// Version returns the current mutation counter for a client.
func (s *ClientStore) Version(index int) uint64 {
	e, err := s.lookup(index)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// GlobalStore holds the single process-wide status snapshot.
type GlobalStore struct {
	entry entry[core.GlobalState]
	bus   *Bus
}

// NewGlobalStore seeds the global snapshot.
func NewGlobalStore(bus *Bus, initial core.GlobalState) *GlobalStore {
	s := &GlobalStore{bus: bus}
	s.entry.state = initial
	return s
}

// Get returns the global snapshot.
func (s *GlobalStore) Get() core.GlobalState {
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()
	return s.entry.state
}

// Mutate applies fn under the global lock and publishes the change.
func (s *GlobalStore) Mutate(fn func(core.GlobalState) core.GlobalState) (old, updated core.GlobalState) {
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()

	old = s.entry.state
	updated = fn(old)
	s.entry.state = updated
	s.entry.version++
	s.bus.Publish(GlobalChange{Old: old, New: updated, Version: s.entry.version})
	return old, updated
}

// RecordError stores the last error and publishes the change.
func (s *GlobalStore) RecordError(info core.ErrorInfo) {
	s.Mutate(func(g core.GlobalState) core.GlobalState {
		g.LastError = &info
		return g
	})
}

// SetOnline flips the online flag.
func (s *GlobalStore) SetOnline(online bool) {
	s.Mutate(func(g core.GlobalState) core.GlobalState {
		g.Online = online
		return g
	})
}
