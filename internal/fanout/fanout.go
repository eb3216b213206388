// Package fanout turns store change events into per-adapter status
// emissions: projection-based change detection, a coalescing window for
// rapid bursts, and bounded per-adapter queues with lag recovery.
package fanout

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

const (
	// QueueCapacity bounds each adapter queue. A full queue marks the
	// adapter lagging instead of blocking writers.
	QueueCapacity = 256

	defaultCoalesceWindow = 50 * time.Millisecond
)

// Stores is the read surface the fan-out needs for seed emits.
type Stores struct {
	Zones   *state.ZoneStore
	Clients *state.ClientStore
	Global  *state.GlobalStore
}

// Subscription is one adapter's bounded event queue.
type Subscription struct {
	name    string
	ch      chan core.StatusEvent
	mu      sync.Mutex
	lagging bool
	closed  bool
}

// Events returns the adapter's queue. Events arrive in per-entity version
// order; the adapter must not reorder them.
func (s *Subscription) Events() <-chan core.StatusEvent { return s.ch }

// Name returns the adapter name used in ADAPTER_LAG errors.
func (s *Subscription) Name() string { return s.name }

// Fanout is the single consumer of the store bus and the producer for all
// adapter queues.
type Fanout struct {
	stores  Stores
	changes <-chan state.Change
	window  time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*Subscription

	// pending coalesces rapid emissions per (kind, target); only the
	// latest value in a window is delivered.
	pending map[pendingKey]core.StatusEvent

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingKey struct {
	kind   core.StatusKind
	target int
}

// Option tweaks fan-out construction (test hooks).
type Option func(*Fanout)

// WithCoalesceWindow overrides the 50ms coalescing window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(f *Fanout) { f.window = d }
}

// New creates a fan-out consuming the given bus.
func New(stores Stores, bus *state.Bus, opts ...Option) *Fanout {
	f := &Fanout{
		stores:  stores,
		changes: bus.Subscribe(),
		window:  defaultCoalesceWindow,
		logger:  log.Component("fanout"),
		pending: make(map[pendingKey]core.StatusEvent),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds an adapter queue and seeds it with the full current state.
func (f *Fanout) Register(name string) *Subscription {
	sub := &Subscription{name: name, ch: make(chan core.StatusEvent, QueueCapacity)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	f.seed(sub)
	return sub
}

// Unregister removes an adapter queue and closes it.
func (f *Fanout) Unregister(sub *Subscription) {
	f.mu.Lock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Start runs the consume/flush loop until Stop.
func (f *Fanout) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop flushes pending events and stops the loop.
func (f *Fanout) Stop() {
	close(f.done)
	f.wg.Wait()
}

// SeedAll re-emits the full state to every adapter, used after a Snapcast
// reconnect so every surface resynchronizes.
func (f *Fanout) SeedAll() {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		f.seed(sub)
	}
}

func (f *Fanout) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.window)
	defer ticker.Stop()

	for {
		select {
		case change, ok := <-f.changes:
			if !ok {
				f.flush()
				return
			}
			f.stage(change)
		case <-ticker.C:
			f.flush()
			f.recoverLagging()
		case <-f.done:
			// Drain whatever the stores already published.
			for {
				select {
				case change, ok := <-f.changes:
					if !ok {
						f.flush()
						return
					}
					f.stage(change)
				default:
					f.flush()
					return
				}
			}
		}
	}
}

// stage diffs a change into pending emissions. Later values for the same
// (kind, target) replace earlier ones within the window.
func (f *Fanout) stage(change state.Change) {
	for _, ev := range Diff(change) {
		f.pending[pendingKey{kind: ev.Kind, target: ev.TargetIndex}] = ev
	}
}

func (f *Fanout) flush() {
	if len(f.pending) == 0 {
		return
	}
	events := make([]core.StatusEvent, 0, len(f.pending))
	for _, ev := range f.pending {
		events = append(events, ev)
	}
	f.pending = make(map[pendingKey]core.StatusEvent)

	// Per-entity version order; ties broken by kind for determinism.
	sort.Slice(events, func(i, j int) bool {
		if events[i].TargetIndex != events[j].TargetIndex {
			return events[i].TargetIndex < events[j].TargetIndex
		}
		if events[i].Version != events[j].Version {
			return events[i].Version < events[j].Version
		}
		return events[i].Kind < events[j].Kind
	})

	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		f.deliver(sub, events)
	}
}

// deliver enqueues events without ever blocking. A full queue marks the
// subscription lagging; once space frees up the adapter gets a single
// ADAPTER_LAG error followed by a full seed so it resynchronizes.
func (f *Fanout) deliver(sub *Subscription, events []core.StatusEvent) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	lagging := sub.lagging
	sub.mu.Unlock()

	if lagging {
		f.tryRecover(sub)
		return
	}

	for _, ev := range events {
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.lagging = true
			sub.mu.Unlock()
			f.logger.Warn().Str("adapter", sub.name).Msg("adapter queue full, marking lagging")
			return
		}
	}
}

// recoverLagging retries the recovery sequence for every lagging adapter.
// Runs on each tick so recovery does not depend on fresh mutations.
func (f *Fanout) recoverLagging() {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		lagging := sub.lagging && !sub.closed
		sub.mu.Unlock()
		if lagging {
			f.tryRecover(sub)
		}
	}
}

// tryRecover attempts the lag-recovery sequence. It needs enough free
// queue space for the error event plus the full seed; otherwise it tries
// again on the next flush.
func (f *Fanout) tryRecover(sub *Subscription) {
	seed := f.seedEvents()
	if cap(sub.ch)-len(sub.ch) < len(seed)+1 {
		return
	}

	errEvent := core.StatusEvent{
		Kind:        core.StatusSystemError,
		TargetIndex: 0,
		Payload: core.ErrorInfo{
			Timestamp: time.Now(),
			Level:     "warn",
			Code:      "ADAPTER_LAG",
			Message:   "adapter lagged behind the status stream and was reseeded",
			Component: sub.name,
		},
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	ok := true
	select {
	case sub.ch <- errEvent:
	default:
		ok = false
	}
	if ok {
		for _, ev := range seed {
			select {
			case sub.ch <- ev:
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
	}
	if ok {
		sub.lagging = false
	}
	sub.mu.Unlock()

	if ok {
		// RecordError publishes on the bus this goroutine drains, so it
		// must not run inline: a full bus buffer would deadlock the flush.
		info := errEvent.Payload.(core.ErrorInfo)
		go f.stores.Global.RecordError(info)
		f.logger.Info().Str("adapter", sub.name).Msg("lagging adapter recovered, reseeded")
	}
}

func (f *Fanout) seed(sub *Subscription) {
	for _, ev := range f.seedEvents() {
		select {
		case sub.ch <- ev:
		default:
			// Seed overflow leaves the adapter lagging; recovery retries.
			sub.mu.Lock()
			sub.lagging = true
			sub.mu.Unlock()
			return
		}
	}
}

// seedEvents builds the unconditional full emission of all kinds for all
// entities at their current versions.
func (f *Fanout) seedEvents() []core.StatusEvent {
	var events []core.StatusEvent

	for _, z := range f.stores.Zones.GetAll() {
		v := f.stores.Zones.Version(z.Index)
		events = append(events,
			core.StatusEvent{Kind: core.StatusVolume, TargetIndex: z.Index, Payload: z.Volume, Version: v},
			core.StatusEvent{Kind: core.StatusMute, TargetIndex: z.Index, Payload: z.Mute, Version: v},
			core.StatusEvent{Kind: core.StatusPlaybackState, TargetIndex: z.Index, Payload: string(z.Playback), Version: v},
			core.StatusEvent{Kind: core.StatusTrackMetadata, TargetIndex: z.Index, Payload: core.TrackMetadataPayload{PlaylistIndex: z.PlaylistIndex, TrackIndex: z.TrackIndex, Track: z.Track}, Version: v},
			core.StatusEvent{Kind: core.StatusTrackProgress, TargetIndex: z.Index, Payload: z.PositionMS, Version: v},
			core.StatusEvent{Kind: core.StatusPlaylist, TargetIndex: z.Index, Payload: core.PlaylistPayload{PlaylistIndex: z.PlaylistIndex}, Version: v},
			core.StatusEvent{Kind: core.StatusRepeat, TargetIndex: z.Index, Payload: core.RepeatPayload{TrackRepeat: z.TrackRepeat, PlaylistRepeat: z.PlaylistRepeat}, Version: v},
			core.StatusEvent{Kind: core.StatusShuffle, TargetIndex: z.Index, Payload: z.Shuffle, Version: v},
		)
	}

	for _, c := range f.stores.Clients.GetAll() {
		v := f.stores.Clients.Version(c.Index)
		events = append(events,
			core.StatusEvent{Kind: core.StatusClientVolume, TargetIndex: c.Index, Payload: c.Volume, Version: v},
			core.StatusEvent{Kind: core.StatusClientMute, TargetIndex: c.Index, Payload: c.Mute, Version: v},
			core.StatusEvent{Kind: core.StatusClientLatency, TargetIndex: c.Index, Payload: c.LatencyMS, Version: v},
			core.StatusEvent{Kind: core.StatusClientZone, TargetIndex: c.Index, Payload: c.ZoneIndex, Version: v},
			core.StatusEvent{Kind: core.StatusClientConnected, TargetIndex: c.Index, Payload: c.Connected, Version: v},
		)
	}

	g := f.stores.Global.Get()
	events = append(events,
		core.StatusEvent{Kind: core.StatusSystem, TargetIndex: 0, Payload: onlineString(g.Online)},
		core.StatusEvent{Kind: core.StatusServerStats, TargetIndex: 0, Payload: g.Stats},
		core.StatusEvent{Kind: core.StatusVersionInfo, TargetIndex: 0, Payload: core.VersionPayload{Version: g.Version, BuildTimestamp: g.BuildTimestamp}},
	)
	return events
}

func onlineString(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
