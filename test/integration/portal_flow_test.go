// Package integration contains integration tests for the lacyconnect daemon.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/api"
	"github.com/bbernstein/lacyconnect/internal/httpd"
	"github.com/bbernstein/lacyconnect/internal/services/connect"
	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/pubsub"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
	"github.com/bbernstein/lacyconnect/internal/services/radio/radiotest"
	"github.com/bbernstein/lacyconnect/internal/services/testutil"
)

type fakeDNS struct{}

func (fakeDNS) Start(netip.Addr) error { return nil }
func (fakeDNS) Stop() error            { return nil }

type device struct {
	radio   *radiotest.Radio
	tdb     *testutil.TestDB
	manager *connect.Manager
	server  *httptest.Server
}

// newDevice wires the manager, the settings database, the portal and the
// admin API behind one HTTP server.
func newDevice(t *testing.T, tdb *testutil.TestDB) *device {
	t.Helper()

	router := httpd.New()
	d := &device{radio: radiotest.NewRadio(), tdb: tdb}
	d.manager = connect.New(connect.Options{
		Radio:        d.radio,
		Store:        connect.NewSettingsStore(tdb.SettingRepo),
		Router:       router,
		DNS:          fakeDNS{},
		Logger:       zap.NewNop(),
		Capabilities: connect.Capabilities{CaptivePortalEnabled: true},
	})

	apiServer := api.NewServer(api.Options{Manager: d.manager, PubSub: pubsub.New(), Version: "test"})
	apiServer.RegisterRoutes(router)
	d.manager.OnStateChange(apiServer.StateChanged)

	d.server = httptest.NewServer(router)
	t.Cleanup(d.server.Close)
	t.Cleanup(d.manager.End)
	return d
}

func (d *device) begin(t *testing.T) {
	t.Helper()
	require.NoError(t, d.manager.Begin(context.Background(), "stage", "stage-setup", "setup-pass"))
}

func (d *device) status(t *testing.T) connect.Status {
	t.Helper()
	resp, err := http.Get(d.server.URL + "/api/connect/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st connect.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

type result struct {
	code    int
	message string
}

func (d *device) submit(t *testing.T, body string) <-chan result {
	t.Helper()
	out := make(chan result, 1)
	go func() {
		resp, err := http.Post(d.server.URL+"/espconnect/connect", "application/json", strings.NewReader(body))
		if err != nil {
			out <- result{message: err.Error()}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		out <- result{code: resp.StatusCode, message: msg.Message}
	}()
	return out
}

// tickUntil ticks the manager until cond holds.
func (d *device) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.manager.Tick()
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}

func (d *device) toPortal(t *testing.T) {
	t.Helper()
	d.begin(t)
	d.manager.Tick()
	require.Equal(t, connect.PortalStarting, d.manager.State())
	d.radio.Emit(radio.Event{Kind: radio.EventAPStarted, Addr: portal.Address})
	require.Equal(t, connect.PortalStarted, d.manager.State())
}

func TestPortalCredentialFlow(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	d := newDevice(t, tdb)
	d.toPortal(t)

	st := d.status(t)
	assert.Equal(t, "PORTAL_STARTED", st.State)
	assert.Equal(t, "AP", st.Mode)
	assert.Equal(t, portal.Address.String(), st.IPAddressAP)

	ssid := testutil.UniqueSSID("stage")
	verdict := d.submit(t, `{"ssid":"`+ssid+`","password":"secret-pass"}`)

	d.tickUntil(t, func() bool { return d.radio.Count("StartStation "+ssid) == 1 })
	d.radio.Associate("192.168.1.50")
	d.manager.Tick()

	select {
	case r := <-verdict:
		assert.Equal(t, http.StatusOK, r.code)
		assert.Equal(t, portal.MsgSaved, r.message)
	case <-time.After(5 * time.Second):
		t.Fatal("no response to the credential submission")
	}
	assert.Equal(t, "PORTAL_COMPLETE", d.status(t).State)

	// the credentials were persisted before the portal completed
	setting, err := tdb.SettingRepo.FindByKey(context.Background(), connect.SettingsPrefix+"ssid")
	require.NoError(t, err)
	require.NotNil(t, setting)
	assert.Equal(t, ssid, setting.Value)

	// without auto restart the machine tears the portal down and connects
	d.tickUntil(t, func() bool { return d.manager.State() == connect.Connecting })
	assert.Equal(t, 2, d.radio.Count("StartStation "+ssid))
}

func TestPortalRejectsWrongPassword(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	d := newDevice(t, tdb)
	d.toPortal(t)

	verdict := d.submit(t, `{"ssid":"HomeNet","password":"wrong-pass"}`)
	d.tickUntil(t, func() bool { return d.radio.Count("StartStation HomeNet") == 1 })
	d.radio.Fail(radio.FailureAuth)
	d.manager.Tick()

	select {
	case r := <-verdict:
		assert.Equal(t, http.StatusUnauthorized, r.code)
	case <-time.After(5 * time.Second):
		t.Fatal("no response to the credential submission")
	}
	assert.Equal(t, "PORTAL_STARTED", d.status(t).State)

	setting, err := tdb.SettingRepo.FindByKey(context.Background(), connect.SettingsPrefix+"ssid")
	require.NoError(t, err)
	assert.Nil(t, setting)
}

func TestConfigurationSurvivesRestart(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	first := newDevice(t, tdb)
	req, err := http.NewRequest(http.MethodPut, first.server.URL+"/api/connect/config?persist=true",
		strings.NewReader(`{"wifi_ssid":"HomeNet","wifi_password":"secret-pass"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// a new manager over the same database starts a station connection
	second := newDevice(t, tdb)
	second.begin(t)
	second.manager.Tick()
	assert.Equal(t, connect.Connecting, second.manager.State())
	assert.Equal(t, 1, second.radio.Count("StartStation HomeNet"))
	assert.Equal(t, "secret-pass", second.radio.LastStation.Password)
	assert.Equal(t, "stage", second.manager.Config().Hostname)

	second.radio.Associate("192.168.1.60")
	second.radio.Emit(radio.Event{Kind: radio.EventStationGotIP, Addr: netip.MustParseAddr("192.168.1.60")})
	st := second.status(t)
	assert.Equal(t, "NETWORK_CONNECTED", st.State)
	assert.Equal(t, "STA", st.Mode)
	assert.Equal(t, "192.168.1.60", st.IPAddress)
}
