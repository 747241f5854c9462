package connect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacyconnect/internal/httpd"
	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
	"github.com/bbernstein/lacyconnect/internal/services/radio/radiotest"
)

var homeConfig = Config{SSID: "home", Password: "password1"}

func TestManager_BeginIsNoOpUnlessDisabled(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)
	h.m.Tick()
	require.Equal(t, Connecting, h.m.State())

	require.NoError(t, h.m.Begin(context.Background(), "other", "x", "y"))
	require.NoError(t, h.m.BeginWithConfig(context.Background(), portal.Identity{SSID: "x"}, Config{SSID: "elsewhere"}))
	// an invalid configuration is ignored too once the machine is running
	require.NoError(t, h.m.BeginWithConfig(context.Background(), portal.Identity{SSID: "x"}, Config{SSID: "elsewhere", Password: "short"}))

	assert.Equal(t, Connecting, h.m.State())
	assert.Equal(t, "device", h.m.Hostname())
	assert.Equal(t, "home", h.m.Config().SSID)
}

func TestManager_BeginWithInvalidConfig(t *testing.T) {
	h := newHarness(t)
	err := h.m.BeginWithConfig(context.Background(), portal.Identity{}, Config{SSID: "home", Password: "short"})
	assert.ErrorIs(t, err, radio.ErrInvalidPassword)
	assert.Equal(t, Disabled, h.m.State())
}

func TestNew_RestartDelay(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  time.Duration
	}{
		{"zero is kept", 0, 0},
		{"negative uses default", -time.Second, DefaultRestartDelay},
		{"explicit", 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Options{Radio: radiotest.NewRadio(), Router: httpd.New(), DNS: &fakeDNS{}, RestartDelay: tt.delay})
			assert.Equal(t, tt.want, m.RestartDelay())
		})
	}
}

func TestManager_BeginSurvivesStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.store.loadErr = errors.New("disk gone")
	require.NoError(t, h.m.Begin(context.Background(), "device", "device-setup", ""))
	assert.Equal(t, Enabled, h.m.State())
	assert.Equal(t, Config{Hostname: "device"}, h.m.Config())
}

func TestManager_NoSSIDNoWiredStartsPortal(t *testing.T) {
	h := newHarness(t)
	h.begin(Config{})

	h.m.Tick()
	assert.Equal(t, PortalStarting, h.m.State())
	assert.Equal(t, 1, h.radio.Count("StartAP 4.3.2.1"))
	assert.True(t, h.radio.LastAP.Portal)
	assert.True(t, h.dns.Running())

	h.radio.Emit(radio.Event{Kind: radio.EventAPStarted, Addr: portal.Address})
	assert.Equal(t, PortalStarted, h.m.State())
	assert.Equal(t, ModeAccessPoint, h.m.Mode())

	assert.Equal(t, []transition{
		{Disabled, Enabled},
		{Enabled, PortalStarting},
		{PortalStarting, PortalStarted},
	}, h.Transitions())
}

func TestManager_NothingToConnectWithoutPortal(t *testing.T) {
	h := newHarness(t, withoutPortal)
	h.begin(Config{})

	h.m.Tick()
	assert.Equal(t, Disabled, h.m.State())
	assert.Equal(t, ErrNothingToConnect.Error(), h.m.LastError())
	assert.Zero(t, h.radio.Count("StartAP 4.3.2.1"))

	h.m.End()
	assert.False(t, h.radio.Listening())
}

func TestManager_ConnectTimeoutFallsBackToPortal(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)

	h.m.Tick()
	require.Equal(t, Connecting, h.m.State())
	assert.Equal(t, 1, h.radio.Count("StartStation home"))
	assert.Equal(t, "device", h.radio.LastStation.Hostname)
	assert.Equal(t, "password1", h.radio.LastStation.Password)

	h.clock.Advance(20*time.Second - time.Millisecond)
	h.m.Tick()
	assert.Equal(t, Connecting, h.m.State())

	h.clock.Advance(2 * time.Millisecond)
	h.m.Tick()
	assert.Equal(t, ConnectTimeout, h.m.State())
	assert.Equal(t, 1, h.radio.Count("Disconnect"))

	h.m.Tick()
	assert.Equal(t, PortalStarting, h.m.State())
}

func TestManager_ReachesPortalWhenStationNeverSucceeds(t *testing.T) {
	h := newHarness(t)
	h.radio.AutoAPStart = true
	h.begin(homeConfig)

	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()

	assert.Equal(t, PortalStarted, h.m.State())
}

func TestManager_ConnectTimeoutWithoutPortalRetries(t *testing.T) {
	h := newHarness(t, withoutPortal)
	h.begin(homeConfig)

	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	require.Equal(t, ConnectTimeout, h.m.State())

	h.m.Tick()
	assert.Equal(t, Enabled, h.m.State())
	h.m.Tick()
	assert.Equal(t, Connecting, h.m.State())
	assert.Equal(t, 2, h.radio.Count("StartStation home"))
}

func TestManager_StationConnects(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)
	h.m.Tick()

	h.radio.Associate("192.168.1.50")
	h.radio.Emit(radio.Event{Kind: radio.EventStationGotIP, Addr: netip.MustParseAddr("192.168.1.50")})

	assert.Equal(t, Connected, h.m.State())
	assert.Equal(t, ModeStation, h.m.Mode())
	assert.Equal(t, "192.168.1.50", h.m.IPAddress().String())
	assert.Equal(t, "AA:BB:CC:DD:EE:02", h.m.MACAddress())

	// the connect timer was cleared
	h.clock.Advance(time.Hour)
	h.m.Tick()
	assert.Equal(t, Connected, h.m.State())
}

func TestManager_StaticAddressGoesToStationWithoutWired(t *testing.T) {
	h := newHarness(t)
	static := &radio.IPConfig{
		IP:      netip.MustParseAddr("192.168.1.10"),
		Subnet:  netip.MustParseAddr("255.255.255.0"),
		Gateway: netip.MustParseAddr("192.168.1.1"),
		DNS:     netip.MustParseAddr("192.168.1.1"),
	}
	h.begin(Config{SSID: "home", Static: static})
	h.m.Tick()

	require.NotNil(t, h.radio.LastStation.Static)
	assert.Equal(t, *static, *h.radio.LastStation.Static)
}

func TestManager_WiredAndStationRunConcurrently(t *testing.T) {
	h := newHarness(t, withWired)
	static := &radio.IPConfig{IP: netip.MustParseAddr("10.0.0.10")}
	h.begin(Config{SSID: "home", Password: "password1", Static: static})

	h.m.Tick()
	assert.Equal(t, Connecting, h.m.State())
	assert.Equal(t, []string{"Start"}, h.wired.Calls())
	assert.Equal(t, "device", h.wired.LastHostname)
	assert.Equal(t, static.IP, h.wired.LastStatic.IP)
	assert.Equal(t, 1, h.radio.Count("StartStation home"))
	assert.Nil(t, h.radio.LastStation.Static)
}

func TestManager_WiredOnlyDoesNotStartPortal(t *testing.T) {
	h := newHarness(t, withWired)
	h.begin(Config{})

	h.m.Tick()
	assert.Equal(t, Connecting, h.m.State())
	assert.Zero(t, h.radio.Count("StartStation "))
	assert.Zero(t, h.radio.Count("StartAP 4.3.2.1"))
}

func TestManager_WiredWinsAndDisconnectRules(t *testing.T) {
	h := newHarness(t, withWired)
	h.begin(homeConfig)
	h.m.Tick()

	h.wired.SetLink(radio.Link{Up: true, IP: netip.MustParseAddr("10.0.0.5"), MAC: "11:22:33:44:55:66"})
	h.wired.Emit(radio.Event{Kind: radio.EventWiredGotIP, Addr: netip.MustParseAddr("10.0.0.5")})
	require.Equal(t, Connected, h.m.State())

	h.radio.Associate("192.168.1.50")
	assert.Equal(t, ModeWired, h.m.Mode())
	assert.Equal(t, "10.0.0.5", h.m.IPAddress().String())
	assert.Equal(t, "11:22:33:44:55:66", h.m.MACAddress())

	// station loss while wired holds an address keeps the machine connected
	h.radio.SetStation(radio.StationInfo{})
	h.radio.Emit(radio.Event{Kind: radio.EventStationDisconnected})
	assert.Equal(t, Connected, h.m.State())
	assert.Equal(t, 1, h.radio.Count("Reconnect"))

	// wired loss while the station holds an address also keeps it
	h.radio.Associate("192.168.1.50")
	h.wired.SetLink(radio.Link{})
	h.wired.Emit(radio.Event{Kind: radio.EventWiredDisconnected})
	assert.Equal(t, Connected, h.m.State())
	assert.Equal(t, ModeStation, h.m.Mode())

	// losing the last address disconnects
	h.radio.SetStation(radio.StationInfo{})
	h.radio.Emit(radio.Event{Kind: radio.EventStationLostIP})
	assert.Equal(t, Disconnected, h.m.State())
	assert.Equal(t, ModeNone, h.m.Mode())

	h.m.Tick()
	assert.Equal(t, Reconnecting, h.m.State())

	h.radio.Associate("192.168.1.51")
	h.radio.Emit(radio.Event{Kind: radio.EventStationGotIP})
	assert.Equal(t, Connected, h.m.State())
}

func TestManager_AddressEventIgnoredOutsideConnectBranch(t *testing.T) {
	h := newHarness(t)
	h.radio.AutoAPStart = true
	h.begin(Config{APMode: true})
	h.m.Tick()
	require.Equal(t, ApStarted, h.m.State())

	h.radio.Emit(radio.Event{Kind: radio.EventStationGotIP})
	assert.Equal(t, ApStarted, h.m.State())
}

func TestManager_ForcedAPMode(t *testing.T) {
	h := newHarness(t)
	h.begin(Config{APMode: true, SSID: "home"})

	h.m.Tick()
	assert.Equal(t, ApStarting, h.m.State())
	assert.Equal(t, 1, h.radio.Count("StartAP 192.168.4.1"))
	assert.False(t, h.radio.LastAP.Portal)
	assert.Equal(t, "setup-password", h.radio.LastAP.Password)
	assert.Zero(t, h.radio.Count("StartStation home"))

	h.radio.Emit(radio.Event{Kind: radio.EventAPStarted})
	assert.Equal(t, ApStarted, h.m.State())
	assert.Equal(t, ModeAccessPoint, h.m.Mode())
	assert.Equal(t, "192.168.4.1", h.m.IPAddress().String())
}

func TestManager_APStartFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.radio.StartAPErr = errors.New("radio busy")
	h.begin(Config{APMode: true})

	h.m.Tick()
	assert.Equal(t, ApStarting, h.m.State())
	assert.Contains(t, h.m.LastError(), "radio busy")
	assert.Contains(t, h.m.Status().LastError, "ap_start")
}

func TestManager_PortalTimeoutWithoutRestart(t *testing.T) {
	h := newHarness(t)
	h.radio.AutoAPStart = true
	h.begin(homeConfig)
	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()
	require.Equal(t, PortalStarted, h.m.State())

	h.clock.Advance(180 * time.Second)
	h.m.Tick()
	assert.Equal(t, PortalTimeout, h.m.State())

	h.m.Tick()
	assert.Equal(t, Enabled, h.m.State())
	assert.Equal(t, 1, h.radio.Count("StopAP"))
	assert.False(t, h.dns.Running())
	assert.Zero(t, h.restarter.Calls())
}

func TestManager_PortalTimeoutWaitsForAccessPoint(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)
	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()
	require.Equal(t, PortalStarting, h.m.State())

	h.clock.Advance(200 * time.Second)
	h.m.Tick()
	assert.Equal(t, PortalStarting, h.m.State())

	// the timeout counts from portal start, so it fires on the next tick
	h.radio.Emit(radio.Event{Kind: radio.EventAPStarted, Addr: portal.Address})
	require.Equal(t, PortalStarted, h.m.State())
	h.m.Tick()
	assert.Equal(t, PortalTimeout, h.m.State())
}

func TestManager_PortalTimeoutRestarts(t *testing.T) {
	h := newHarness(t, withAutoRestart)
	h.radio.AutoAPStart = true
	h.begin(homeConfig)
	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()
	h.clock.Advance(180 * time.Second)
	h.m.Tick()
	require.Equal(t, PortalTimeout, h.m.State())

	h.m.Tick()
	h.m.Tick()
	assert.Equal(t, 1, h.restarter.Calls())
	assert.Equal(t, PortalTimeout, h.m.State())
}

func TestManager_FailedRestartFallsBackToRetry(t *testing.T) {
	h := newHarness(t, withAutoRestart)
	h.restarter.err = errors.New("permission denied")
	h.radio.AutoAPStart = true
	h.begin(homeConfig)
	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()
	h.clock.Advance(180 * time.Second)
	h.m.Tick()

	h.m.Tick()
	assert.Equal(t, 1, h.restarter.Calls())
	assert.Equal(t, Enabled, h.m.State())
	assert.Contains(t, h.m.LastError(), "restart")
}

func TestManager_PortalWithoutSSIDNeverTimesOut(t *testing.T) {
	h := newHarness(t)
	h.toPortalStarted()

	h.clock.Advance(time.Hour)
	h.m.Tick()
	assert.Equal(t, PortalStarted, h.m.State())
}

func TestManager_AddressDuringPortalStopsIt(t *testing.T) {
	h := newHarness(t, withWired)
	h.radio.AutoAPStart = true
	h.begin(homeConfig)
	h.m.Tick()
	h.clock.Advance(20 * time.Second)
	h.m.Tick()
	h.m.Tick()
	require.Equal(t, PortalStarted, h.m.State())
	routes := h.router.RouteCount()
	require.Positive(t, routes)

	verdict, _, err := h.m.SubmitCredentials(context.Background(), portal.Credentials{SSID: "cafe"})
	require.NoError(t, err)

	h.wired.SetLink(radio.Link{Up: true, IP: netip.MustParseAddr("10.0.0.5")})
	h.wired.Emit(radio.Event{Kind: radio.EventWiredGotIP})

	assert.Equal(t, Connected, h.m.State())
	assert.Equal(t, http.StatusGone, receive(t, verdict).Status)
	assert.Zero(t, h.router.RouteCount())
	assert.False(t, h.dns.Running())
	assert.Equal(t, 1, h.radio.Count("StopAP"))
}

func TestManager_EndFromAnyState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"never begun", func(h *harness) {}},
		{"enabled", func(h *harness) { h.begin(homeConfig) }},
		{"connecting", func(h *harness) {
			h.begin(homeConfig)
			h.m.Tick()
		}},
		{"ap started", func(h *harness) {
			h.radio.AutoAPStart = true
			h.begin(Config{APMode: true})
			h.m.Tick()
		}},
		{"portal starting", func(h *harness) {
			h.begin(Config{})
			h.m.Tick()
		}},
		{"portal started", func(h *harness) { h.toPortalStarted() }},
		{"portal with pending test", func(h *harness) {
			h.toPortalStarted()
			_, _, err := h.m.SubmitCredentials(context.Background(), portal.Credentials{SSID: "cafe"})
			require.NoError(h.t, err)
			h.m.Tick()
		}},
		{"connected", func(h *harness) {
			h.begin(homeConfig)
			h.m.Tick()
			h.radio.Associate("192.168.1.50")
			h.radio.Emit(radio.Event{Kind: radio.EventStationGotIP})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			h.m.End()

			assert.Equal(t, Disabled, h.m.State())
			assert.False(t, h.m.testPending())
			assert.False(t, h.radio.Listening())
			assert.False(t, h.m.portal.Active())
			assert.False(t, h.dns.Running())

			// a second end is harmless
			h.m.End()
			assert.Equal(t, Disabled, h.m.State())
		})
	}
}

func TestManager_EndFromPortalRestoresRouter(t *testing.T) {
	h := newHarness(t)
	h.toPortalStarted()
	require.NotZero(t, h.router.RouteCount())

	require.NotPanics(t, h.m.End)

	assert.Equal(t, Disabled, h.m.State())
	assert.Zero(t, h.router.RouteCount())
	assert.False(t, h.dns.Running())
	assert.Positive(t, h.radio.Count("StopAP"))

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generate_204", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManager_EndInterruptsPendingTest(t *testing.T) {
	h := newHarness(t)
	h.toPortalStarted()

	verdict, _, err := h.m.SubmitCredentials(context.Background(), portal.Credentials{SSID: "cafe", Password: "password1"})
	require.NoError(t, err)
	h.m.Tick()

	h.m.End()
	v := receive(t, verdict)
	assert.Equal(t, http.StatusGone, v.Status)
	assert.Equal(t, Config{Hostname: "device"}, h.m.Config())
}

func TestManager_RestartAfterBegin(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)
	h.m.Tick()
	h.m.End()

	h.begin(Config{})
	assert.True(t, h.radio.Listening())
	h.m.Tick()
	assert.Equal(t, PortalStarting, h.m.State())
}

func TestManager_GuardedCommitLosesToEvent(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)
	h.m.Tick()
	h.radio.Associate("192.168.1.50")
	h.radio.Emit(radio.Event{Kind: radio.EventStationGotIP})
	require.Equal(t, Connected, h.m.State())

	// a tick that decided on Connecting before the event cannot apply
	assert.False(t, h.m.commit(Connecting, ConnectTimeout, nil))
	assert.Equal(t, Connected, h.m.State())
}

func TestManager_ObserverSeesDistinctTransitionsOnly(t *testing.T) {
	h := newHarness(t)
	h.toPortalStarted()

	h.m.force(PortalStarted, nil)
	assert.Len(t, h.Transitions(), 3)
}

func TestManager_BlockingBeginReturnsWhenReady(t *testing.T) {
	h := newHarness(t, func(_ *harness, o *Options) { o.Blocking = true })
	h.radio.AutoAPStart = true
	h.store.cfg = Config{APMode: true}

	require.NoError(t, h.m.Begin(context.Background(), "device", "device-setup", ""))
	assert.Equal(t, ApStarted, h.m.State())
}

func TestManager_BlockingBeginHonoursContext(t *testing.T) {
	h := newHarness(t, func(_ *harness, o *Options) { o.Blocking = true })
	h.store.cfg = homeConfig

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.m.Begin(ctx, "device", "device-setup", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Connecting, h.m.State())
}

func TestManager_Accessors(t *testing.T) {
	h := newHarness(t)
	h.begin(Config{SSID: "home", BSSID: "00:11:22:33:44:55"})

	assert.Equal(t, "home", h.m.WiFiSSID())
	assert.Equal(t, "00:11:22:33:44:55", h.m.WiFiBSSID())
	assert.Zero(t, h.m.WiFiRSSI())
	assert.Zero(t, h.m.WiFiSignalQuality())

	h.m.Tick()
	h.radio.SetStation(radio.StationInfo{
		State: radio.StationConnected,
		SSID:  "home",
		BSSID: "66:77:88:99:AA:BB",
		RSSI:  -60,
		Link:  radio.Link{Up: true, IP: netip.MustParseAddr("192.168.1.50"), MAC: "AA:BB:CC:DD:EE:02"},
	})
	assert.Equal(t, "66:77:88:99:AA:BB", h.m.WiFiBSSID())
	assert.Equal(t, -60, h.m.WiFiRSSI())
	assert.Equal(t, 50, h.m.WiFiSignalQuality())

	h.m.SetConnectTimeout(5 * time.Second)
	h.m.SetConnectTimeout(0)
	assert.Equal(t, 5*time.Second, h.m.ConnectTimeout())
	h.m.SetPortalTimeout(time.Minute)
	assert.Equal(t, time.Minute, h.m.PortalTimeout())
	h.m.SetRestartDelay(time.Second)
	assert.Equal(t, time.Second, h.m.RestartDelay())
	h.m.SetAutoRestart(true)
	assert.True(t, h.m.AutoRestart())
}

func TestManager_ConfigAdministration(t *testing.T) {
	h := newHarness(t)
	h.begin(homeConfig)

	assert.Error(t, h.m.SetConfig(Config{SSID: "x", Password: "short"}))
	require.NoError(t, h.m.SetConfig(Config{Hostname: "device", SSID: "cafe"}))
	assert.Equal(t, "cafe", h.m.Config().SSID)

	require.NoError(t, h.m.SaveConfig(context.Background()))
	saved, saves := h.store.Saved()
	assert.Equal(t, 1, saves)
	assert.Equal(t, "cafe", saved.SSID)

	require.NoError(t, h.m.ClearConfiguration(context.Background()))
	assert.Equal(t, Config{Hostname: "device"}, h.m.Config())
	assert.Equal(t, 1, h.store.clears)
}

func TestManager_StatusDocument(t *testing.T) {
	h := newHarness(t)
	h.toPortalStarted()

	s := h.m.Status()
	assert.Equal(t, "PORTAL_STARTED", s.State)
	assert.Equal(t, "AP", s.Mode)
	assert.Equal(t, "4.3.2.1", s.IPAddress)
	assert.Equal(t, "4.3.2.1", s.IPAddressAP)
	assert.Empty(t, s.IPAddressSTA)
	assert.Empty(t, s.IPAddressETH)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", s.MACAddressAP)
	assert.Equal(t, "device", s.Hostname)
}
