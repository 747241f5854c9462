package connect

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/httpd"
	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
	"github.com/bbernstein/lacyconnect/internal/services/radio/radiotest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRestarter) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRestarter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memoryStore struct {
	mu      sync.Mutex
	cfg     Config
	saves   int
	clears  int
	loadErr error
}

func (s *memoryStore) Load(context.Context) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone(), s.loadErr
}

func (s *memoryStore) Save(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.clone()
	s.saves++
	return nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = Config{}
	s.clears++
	return nil
}

func (s *memoryStore) Saved() (Config, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone(), s.saves
}

type fakeDNS struct {
	mu      sync.Mutex
	running bool
}

func (d *fakeDNS) Start(netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *fakeDNS) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *fakeDNS) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

type transition struct{ from, to State }

type harness struct {
	t         *testing.T
	radio     *radiotest.Radio
	wired     *radiotest.Wired
	router    *httpd.Router
	dns       *fakeDNS
	clock     *fakeClock
	store     *memoryStore
	restarter *fakeRestarter
	m         *Manager

	mu          sync.Mutex
	transitions []transition
}

// newHarness builds a Manager with the captive portal enabled and no wired
// transport unless opts says otherwise.
func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		radio:     radiotest.NewRadio(),
		wired:     radiotest.NewWired(),
		router:    httpd.New(),
		dns:       &fakeDNS{},
		clock:     newFakeClock(),
		store:     &memoryStore{},
		restarter: &fakeRestarter{},
	}
	o := Options{
		Radio:          h.radio,
		Store:          h.store,
		Restarter:      h.restarter,
		Router:         h.router,
		DNS:            h.dns,
		Clock:          h.clock,
		Logger:         zap.NewNop(),
		Capabilities:   Capabilities{CaptivePortalEnabled: true},
		ConnectTimeout: 20 * time.Second,
		PortalTimeout:  180 * time.Second,
		RestartDelay:   2 * time.Second,
	}
	for _, fn := range opts {
		fn(h, &o)
	}
	h.m = New(o)
	h.m.OnStateChange(func(prev, next State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, transition{prev, next})
	})
	t.Cleanup(h.m.End)
	return h
}

type option func(h *harness, o *Options)

func withWired(h *harness, o *Options) {
	o.Wired = h.wired
	o.Capabilities.HasWiredTransport = true
}

func withoutPortal(_ *harness, o *Options) {
	o.Capabilities.CaptivePortalEnabled = false
}

func withAutoRestart(_ *harness, o *Options) {
	o.AutoRestart = true
}

func (h *harness) begin(cfg Config) {
	h.t.Helper()
	h.store.cfg = cfg
	require.NoError(h.t, h.m.Begin(context.Background(), "device", "device-setup", "setup-password"))
	require.Equal(h.t, Enabled, h.m.State())
}

func (h *harness) beginExplicit(cfg Config) {
	h.t.Helper()
	require.NoError(h.t, h.m.BeginWithConfig(context.Background(), portal.Identity{SSID: "device-setup"}, cfg))
	require.Equal(h.t, Enabled, h.m.State())
}

// toPortalStarted drives an unconfigured device into a running portal.
func (h *harness) toPortalStarted() {
	h.t.Helper()
	h.begin(Config{})
	h.m.Tick()
	require.Equal(h.t, PortalStarting, h.m.State())
	h.radio.Emit(radio.Event{Kind: radio.EventAPStarted, Addr: portal.Address})
	require.Equal(h.t, PortalStarted, h.m.State())
}

func (h *harness) Transitions() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transition(nil), h.transitions...)
}

func receive(t *testing.T, ch <-chan portal.Verdict) portal.Verdict {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("no verdict delivered")
		return portal.Verdict{}
	}
}

func assertNoVerdict(t *testing.T, ch <-chan portal.Verdict) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected verdict %+v", v)
	default:
	}
}
