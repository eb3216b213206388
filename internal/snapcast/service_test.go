package snapcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

// fakeConn is an in-memory Snapcast server connection.
type fakeConn struct {
	mu      sync.Mutex
	status  ServerStatus
	calls   []recordedCall
	failAll bool

	notifyCh chan Notification
	done     chan struct{}
	closed   bool
}

type recordedCall struct {
	Method string
	Params map[string]any
}

func newFakeConn(status ServerStatus) *fakeConn {
	return &fakeConn{
		status:   status,
		notifyCh: make(chan Notification, 64),
		done:     make(chan struct{}),
	}
}

func (f *fakeConn) Call(_ context.Context, method string, params any, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return apperrors.NewUpstreamTimeoutError("snapcast", method)
	}
	var decoded map[string]any
	if params != nil {
		raw, _ := json.Marshal(params)
		_ = json.Unmarshal(raw, &decoded)
	}
	f.calls = append(f.calls, recordedCall{Method: method, Params: decoded})

	if method == MethodServerGetStatus && result != nil {
		raw, _ := json.Marshal(f.status)
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (f *fakeConn) Notifications() <-chan Notification { return f.notifyCh }
func (f *fakeConn) Done() <-chan struct{}              { return f.done }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
		close(f.notifyCh)
	}
	return nil
}

func (f *fakeConn) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	f.notifyCh <- Notification{Method: method, Params: raw}
}

func (f *fakeConn) callsFor(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func testStatus() ServerStatus {
	var status ServerStatus
	status.Server.Groups = []Group{
		{
			ID: "group-a", StreamID: "radio", Clients: []Client{
				{ID: "snap-1", Connected: true, Host: ClientHost{MAC: "aa:bb:cc:dd:ee:01"},
					Config: ClientConfig{Volume: Volume{Percent: 42}, Latency: 10}},
				{ID: "snap-2", Connected: true, Host: ClientHost{MAC: "aa:bb:cc:dd:ee:02"},
					Config: ClientConfig{Volume: Volume{Percent: 35}}},
			},
		},
		{
			ID: "group-b", StreamID: "radio", Clients: []Client{
				{ID: "snap-3", Connected: false, Host: ClientHost{MAC: "aa:bb:cc:dd:ee:03"},
					Config: ClientConfig{Volume: Volume{Percent: 20}}},
				{ID: "snap-x", Connected: true, Host: ClientHost{MAC: "ff:ff:ff:ff:ff:ff"},
					Config: ClientConfig{}},
			},
		},
	}
	status.Server.Streams = []Stream{
		{ID: "radio", Status: "playing", URI: StreamURI{Raw: "https://ice.somafm.com/groovesalad"}},
	}
	return status
}

func testStores() (*state.Bus, *state.ZoneStore, *state.ClientStore, *state.GlobalStore) {
	bus := state.NewBus()
	zones := state.NewZoneStore(bus, []core.ZoneState{
		{Index: 1, Name: "Living", Playback: core.PlaybackStopped, ClientIndices: []int{1, 2}},
		{Index: 2, Name: "Bedroom", Playback: core.PlaybackStopped, ClientIndices: []int{3}},
	})
	clients := state.NewClientStore(bus, []core.ClientState{
		{Index: 1, MAC: "aa:bb:cc:dd:ee:01", ZoneIndex: 1},
		{Index: 2, MAC: "aa:bb:cc:dd:ee:02", ZoneIndex: 1},
		{Index: 3, MAC: "aa:bb:cc:dd:ee:03", ZoneIndex: 2},
	})
	global := state.NewGlobalStore(bus, core.GlobalState{})
	return bus, zones, clients, global
}

func startService(t *testing.T, conn *fakeConn) (*Service, *state.ZoneStore, *state.ClientStore, *state.GlobalStore) {
	t.Helper()
	_, zones, clients, global := testStores()
	svc := newServiceWithDial(func(ctx context.Context) (rpcConn, error) {
		return conn, nil
	}, zones, clients, global)

	reconciled := make(chan struct{}, 4)
	svc.OnReconciled = func() { reconciled <- struct{}{} }
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	select {
	case <-reconciled:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not reconcile")
	}
	return svc, zones, clients, global
}

func TestReconcile_BindsClientsByMAC(t *testing.T) {
	conn := newFakeConn(testStatus())
	_, _, clients, global := startService(t, conn)

	c1, err := clients.Get(1)
	require.NoError(t, err)
	require.Equal(t, "snap-1", c1.SnapcastID)
	require.True(t, c1.Connected)
	require.Equal(t, 42, c1.Volume)
	require.Equal(t, 10, c1.LatencyMS)

	c3, err := clients.Get(3)
	require.NoError(t, err)
	require.Equal(t, "snap-3", c3.SnapcastID)
	require.False(t, c3.Connected)

	// Unknown MAC is ignored, no auto-registration.
	_, ok := clients.BySnapcastID("snap-x")
	require.False(t, ok)

	require.True(t, global.Get().Online)
}

func TestReconcile_ReusesMatchingGroupAndRepurposesOthers(t *testing.T) {
	conn := newFakeConn(testStatus())
	_, zones, _, _ := startService(t, conn)

	z1, err := zones.Get(1)
	require.NoError(t, err)
	require.Equal(t, "group-a", z1.SnapcastGroupID, "member set of group-a matches zone 1 exactly")

	// Zone 2's member {snap-3} does not match group-b {snap-3, snap-x}, so
	// group-b is repurposed by moving the configured clients in.
	z2, err := zones.Get(2)
	require.NoError(t, err)
	require.Equal(t, "group-b", z2.SnapcastGroupID)

	moves := conn.callsFor(MethodGroupSetClients)
	require.Len(t, moves, 1)
	require.Equal(t, "group-b", moves[0].Params["id"])
}

func TestNotifications_ApplyToStores(t *testing.T) {
	conn := newFakeConn(testStatus())
	_, zones, clients, _ := startService(t, conn)

	conn.notify(NotifyClientVolumeChanged, clientVolumeParams{ID: "snap-1", Volume: Volume{Percent: 77, Muted: true}})
	conn.notify(NotifyClientLatencyChanged, clientLatencyParams{ID: "snap-1", Latency: 120})
	conn.notify(NotifyGroupMute, groupMuteParams{ID: "group-a", Mute: true})
	conn.notify(NotifyClientDisconnect, clientIDParams{ID: "snap-2"})

	require.Eventually(t, func() bool {
		c1, _ := clients.Get(1)
		c2, _ := clients.Get(2)
		z1, _ := zones.Get(1)
		return c1.Volume == 77 && c1.Mute && c1.LatencyMS == 120 && z1.Mute && !c2.Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnect_ReseedsAndTogglesOnline(t *testing.T) {
	conn1 := newFakeConn(testStatus())
	conn2 := newFakeConn(testStatus())

	conns := make(chan *fakeConn, 2)
	conns <- conn1
	conns <- conn2

	_, zones, clients, global := testStores()
	svc := newServiceWithDial(func(ctx context.Context) (rpcConn, error) {
		select {
		case c := <-conns:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, zones, clients, global)

	var mu sync.Mutex
	reconciles := 0
	svc.OnReconciled = func() {
		mu.Lock()
		reconciles++
		mu.Unlock()
	}
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool { return global.Get().Online }, 2*time.Second, 10*time.Millisecond)

	// Kill the first connection; the loop must reconnect and reseed.
	_ = conn1.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconciles == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, global.Get().Online)
}

func TestSetClientVolume_CallsRPCThenMutates(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, _, clients, _ := startService(t, conn)

	require.NoError(t, svc.SetClientVolume(context.Background(), 1, 66))

	calls := conn.callsFor(MethodClientSetVolume)
	require.Len(t, calls, 1)
	require.Equal(t, "snap-1", calls[0].Params["id"])

	c1, err := clients.Get(1)
	require.NoError(t, err)
	require.Equal(t, 66, c1.Volume)
}

func TestControlOps_FailWithoutMutatingOnRPCError(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, _, clients, _ := startService(t, conn)

	conn.mu.Lock()
	conn.failAll = true
	conn.mu.Unlock()

	err := svc.SetClientVolume(context.Background(), 1, 90)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrorCodeUpstreamTimeout, apperrors.EnsureAppError(err).Code)

	c1, getErr := clients.Get(1)
	require.NoError(t, getErr)
	require.Equal(t, 42, c1.Volume, "failed control op must not mutate state")
}

func TestSetZoneMute_TargetsGroup(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, zones, _, _ := startService(t, conn)

	require.NoError(t, svc.SetZoneMute(context.Background(), 1, true))

	calls := conn.callsFor(MethodGroupSetMute)
	require.Len(t, calls, 1)
	require.Equal(t, "group-a", calls[0].Params["id"])
	require.Equal(t, true, calls[0].Params["mute"])

	z1, err := zones.Get(1)
	require.NoError(t, err)
	require.True(t, z1.Mute)
}

func TestAssignClientToZone_MovesGroupMembership(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, zones, clients, _ := startService(t, conn)

	require.NoError(t, svc.AssignClientToZone(context.Background(), 2, 2))

	c2, err := clients.Get(2)
	require.NoError(t, err)
	require.Equal(t, 2, c2.ZoneIndex)

	z1, _ := zones.Get(1)
	require.NotContains(t, z1.ClientIndices, 2)
	z2, _ := zones.Get(2)
	require.Contains(t, z2.ClientIndices, 2)
}

func TestEnsureStreamForURL_PrefersPreconfiguredStream(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, _, _, _ := startService(t, conn)

	id, err := svc.EnsureStreamForURL(context.Background(), "https://ice.somafm.com/groovesalad")
	require.NoError(t, err)
	require.Equal(t, "radio", id)
	require.Empty(t, conn.callsFor(MethodStreamAddStream))
}

func TestEnsureStreamForURL_CreatesMetaStream(t *testing.T) {
	conn := newFakeConn(testStatus())
	svc, _, _, _ := startService(t, conn)

	id, err := svc.EnsureStreamForURL(context.Background(), "https://example.com/other.mp3")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, conn.callsFor(MethodStreamAddStream), 1)
}

func TestCall_WhenDisconnected(t *testing.T) {
	_, zones, clients, global := testStores()
	svc := newServiceWithDial(func(ctx context.Context) (rpcConn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, zones, clients, global)

	err := svc.SetZoneMute(context.Background(), 1, true)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrorCodeUpstreamUnavailable, apperrors.EnsureAppError(err).Code)
}
