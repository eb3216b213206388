package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

func newTestFanout(t *testing.T) (*Fanout, Stores, *state.Bus) {
	t.Helper()
	bus := state.NewBus()
	stores := Stores{
		Zones: state.NewZoneStore(bus, []core.ZoneState{
			{Index: 1, Name: "Living", Playback: core.PlaybackStopped, Volume: 30, ClientIndices: []int{1}},
		}),
		Clients: state.NewClientStore(bus, []core.ClientState{
			{Index: 1, Name: "Living Speaker", MAC: "aa:bb:cc:dd:ee:01", ZoneIndex: 1, Volume: 30},
		}),
		Global: state.NewGlobalStore(bus, core.GlobalState{Version: "test", Online: true}),
	}
	f := New(stores, bus, WithCoalesceWindow(5*time.Millisecond))
	f.Start()
	t.Cleanup(f.Stop)
	return f, stores, bus
}

// collect drains events until the predicate matches or the timeout expires.
func collect(t *testing.T, sub *Subscription, timeout time.Duration, match func(core.StatusEvent) bool) []core.StatusEvent {
	t.Helper()
	var events []core.StatusEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			if match != nil && match(ev) {
				return events
			}
		case <-deadline:
			return events
		}
	}
}

func seedEventCount(stores Stores) int {
	return len(stores.Zones.GetAll())*8 + len(stores.Clients.GetAll())*5 + 3
}

func TestRegister_SeedsFullState(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("test")

	events := collect(t, sub, 50*time.Millisecond, nil)
	require.Len(t, events, seedEventCount(stores))

	kinds := map[core.StatusKind]bool{}
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	for _, kind := range core.AllStatusKinds() {
		if kind == core.StatusSystemError {
			continue // no error recorded yet
		}
		require.True(t, kinds[kind], "missing seed kind %s", kind)
	}
}

func TestMutation_EmitsOnlyChangedKinds(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("test")
	collect(t, sub, 50*time.Millisecond, nil) // drop seed

	_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
		z.Volume = 55
		return z
	})
	require.NoError(t, err)

	events := collect(t, sub, 100*time.Millisecond, func(ev core.StatusEvent) bool {
		return ev.Kind == core.StatusVolume
	})
	require.Len(t, events, 1)
	require.Equal(t, core.StatusVolume, events[0].Kind)
	require.Equal(t, 1, events[0].TargetIndex)
	require.Equal(t, 55, events[0].Payload)
}

func TestIdenticalMutation_EmitsNothing(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("test")
	collect(t, sub, 50*time.Millisecond, nil) // drop seed

	// Same value twice: the store publishes, the diff suppresses.
	for i := 0; i < 2; i++ {
		_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
			z.Volume = 30
			return z
		})
		require.NoError(t, err)
	}

	events := collect(t, sub, 50*time.Millisecond, nil)
	require.Empty(t, events)
}

func TestRapidMutations_CoalesceToLatest(t *testing.T) {
	bus := state.NewBus()
	stores := Stores{
		Zones:   state.NewZoneStore(bus, []core.ZoneState{{Index: 1, Volume: 0}}),
		Clients: state.NewClientStore(bus, nil),
		Global:  state.NewGlobalStore(bus, core.GlobalState{}),
	}
	f := New(stores, bus, WithCoalesceWindow(40*time.Millisecond))
	sub := f.Register("test")
	collect(t, sub, 20*time.Millisecond, nil) // drop seed

	// Burst before the loop starts so everything lands in one window.
	for v := 1; v <= 20; v++ {
		_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
			z.Volume = v
			return z
		})
		require.NoError(t, err)
	}
	f.Start()
	defer f.Stop()

	events := collect(t, sub, 120*time.Millisecond, func(ev core.StatusEvent) bool {
		return ev.Kind == core.StatusVolume
	})

	var volumes []int
	for _, ev := range events {
		if ev.Kind == core.StatusVolume {
			volumes = append(volumes, ev.Payload.(int))
		}
	}
	require.Equal(t, []int{20}, volumes, "burst must coalesce to the latest value")
}

func TestVersions_StrictlyIncreasingPerEntity(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("test")
	collect(t, sub, 50*time.Millisecond, nil) // drop seed

	for v := 1; v <= 5; v++ {
		_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
			z.Volume = v * 7 % 101
			return z
		})
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond) // separate windows
	}

	events := collect(t, sub, 100*time.Millisecond, nil)
	var last uint64
	for _, ev := range events {
		if ev.TargetIndex != 1 || ev.Kind != core.StatusVolume {
			continue
		}
		require.Greater(t, ev.Version, last)
		last = ev.Version
	}
	require.NotZero(t, last)
}

func TestLaggingAdapter_RecoversWithErrorAndSeed(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("slow")
	collect(t, sub, 50*time.Millisecond, nil) // drop seed

	// Do not drain while producing enough distinct windows to overflow
	// the queue capacity.
	for v := 0; v <= QueueCapacity+40; v++ {
		_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
			z.Volume = v % 101
			z.Mute = v%2 == 0
			return z
		})
		require.NoError(t, err)
		time.Sleep(6 * time.Millisecond) // each lands in its own flush
	}

	// Drain: the queue holds pre-lag events, then the recovery sequence.
	events := collect(t, sub, 500*time.Millisecond, func(ev core.StatusEvent) bool {
		if ev.Kind != core.StatusSystemError {
			return false
		}
		info, ok := ev.Payload.(core.ErrorInfo)
		return ok && info.Code == "ADAPTER_LAG"
	})

	var lagIdx = -1
	for i, ev := range events {
		if ev.Kind == core.StatusSystemError {
			if info, ok := ev.Payload.(core.ErrorInfo); ok && info.Code == "ADAPTER_LAG" {
				lagIdx = i
				break
			}
		}
	}
	require.GreaterOrEqual(t, lagIdx, 0, "expected an ADAPTER_LAG system error")

	// After the error comes a full seed.
	seed := collect(t, sub, 200*time.Millisecond, nil)
	require.GreaterOrEqual(t, len(seed), seedEventCount(Stores{Zones: stores.Zones, Clients: stores.Clients, Global: stores.Global})-1)

	// The lag error is recorded off the flush goroutine, so it lands in
	// the global store shortly after recovery rather than synchronously.
	require.Eventually(t, func() bool {
		g := stores.Global.Get()
		return g.LastError != nil && g.LastError.Code == "ADAPTER_LAG"
	}, time.Second, 10*time.Millisecond)
}

func TestLaggingAdapter_DoesNotBlockOthers(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	slow := f.Register("slow")
	fast := f.Register("fast")
	collect(t, fast, 50*time.Millisecond, nil) // drop fast's seed
	_ = slow                                   // never drained

	for v := 0; v <= QueueCapacity+20; v++ {
		_, _, err := stores.Zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
			z.Volume = v % 101
			return z
		})
		require.NoError(t, err)
	}

	events := collect(t, fast, 200*time.Millisecond, func(ev core.StatusEvent) bool {
		return ev.Kind == core.StatusVolume && ev.Payload.(int) == (QueueCapacity+20)%101
	})
	require.NotEmpty(t, events, "fast adapter must keep receiving while slow one lags")
}

func TestSeedAll_ReemitsToEveryAdapter(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	a := f.Register("a")
	b := f.Register("b")
	collect(t, a, 50*time.Millisecond, nil)
	collect(t, b, 50*time.Millisecond, nil)

	f.SeedAll()

	require.Len(t, collect(t, a, 50*time.Millisecond, nil), seedEventCount(stores))
	require.Len(t, collect(t, b, 50*time.Millisecond, nil), seedEventCount(stores))
}

func TestGlobalError_FansOutAsSystemError(t *testing.T) {
	f, stores, _ := newTestFanout(t)
	sub := f.Register("test")
	collect(t, sub, 50*time.Millisecond, nil)

	stores.Global.RecordError(core.ErrorInfo{
		Timestamp: time.Now(), Level: "error",
		Code: "UPSTREAM_TIMEOUT", Message: "Server.GetStatus deadline", Component: "snapcast",
	})

	events := collect(t, sub, 100*time.Millisecond, func(ev core.StatusEvent) bool {
		return ev.Kind == core.StatusSystemError
	})
	require.NotEmpty(t, events)
	info := events[len(events)-1].Payload.(core.ErrorInfo)
	require.Equal(t, "UPSTREAM_TIMEOUT", info.Code)
}
