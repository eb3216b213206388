package wshub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/fanout"
	"github.com/strefethen/snapdog/internal/state"
)

func newTestHub(t *testing.T) (*Hub, *state.ZoneStore, *state.GlobalStore) {
	t.Helper()
	bus := state.NewBus()
	zones := state.NewZoneStore(bus, []core.ZoneState{
		{Index: 1, Name: "Living Room", Playback: core.PlaybackStopped, Volume: 50},
	})
	clients := state.NewClientStore(bus, []core.ClientState{
		{Index: 1, Name: "living-1", MAC: "aa:aa", ZoneIndex: 1},
	})
	global := state.NewGlobalStore(bus, core.GlobalState{Version: "test", Online: true})

	fan := fanout.New(fanout.Stores{Zones: zones, Clients: clients, Global: global}, bus,
		fanout.WithCoalesceWindow(5*time.Millisecond))
	fan.Start()
	t.Cleanup(fan.Stop)

	h := NewHub(fan)
	h.Start()
	t.Cleanup(h.Stop)
	return h, zones, global
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hubs/snapdog"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads events until match returns true or the deadline hits.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func TestHub_ZoneGroupReceivesZoneEvents(t *testing.T) {
	h, zones, _ := newTestHub(t)
	conn := dialHub(t, h)

	require.NoError(t, conn.WriteJSON(inbound{Type: "subscribe", Group: ZoneGroup(1)}))
	// Give the subscribe a moment to land before mutating.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for c := range h.clients {
			if c.subscribed(ZoneGroup(1)) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, _, err := zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
		z.Volume = 77
		return z
	})
	require.NoError(t, err)

	ev := readUntil(t, conn, func(ev Event) bool { return ev.Event == "VOLUME_STATUS" })
	require.Equal(t, ZoneGroup(1), ev.Group)
	require.Equal(t, 1, ev.Target)
	require.EqualValues(t, 77, ev.Data)
	require.NotZero(t, ev.Version)
}

func TestHub_SystemGroupIsDefault(t *testing.T) {
	h, _, global := newTestHub(t)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	global.SetOnline(false)
	ev := readUntil(t, conn, func(ev Event) bool { return ev.Event == "SYSTEM_STATUS" })
	require.Equal(t, GroupSystem, ev.Group)
	require.EqualValues(t, "offline", ev.Data)
}

func TestHub_UnsubscribedGroupStaysQuiet(t *testing.T) {
	h, zones, _ := newTestHub(t)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// No zone_1 subscription: a zone mutation must not reach this client.
	_, _, err := zones.Mutate(1, func(z core.ZoneState) core.ZoneState {
		z.Volume = 90
		return z
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			break // deadline: nothing unexpected arrived
		}
		require.NotEqual(t, ZoneGroup(1), ev.Group)
	}
}

func TestHub_RemoveIsIdempotent(t *testing.T) {
	h, _, _ := newTestHub(t)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
