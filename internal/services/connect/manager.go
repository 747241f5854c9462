// Package connect implements the connectivity state machine: it decides
// which transport to bring up, supervises connect and portal timeouts, and
// runs the captive portal credential test before committing credentials.
//
// Two goroutines drive a Manager: the host calls Tick from its loop, and the
// transports deliver events from their own goroutines. State, the timer and
// the configuration record live in one mutex-guarded cell. Every transition
// is a guarded compare-and-set on that cell, serialized with its observer
// call, so a tick decision made on a state that an event has since replaced
// is dropped instead of applied.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Defaults for the timing policy.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultPortalTimeout  = 180 * time.Second
	DefaultRestartDelay   = 2 * time.Second

	blockingPollInterval = 100 * time.Millisecond
)

// ErrNothingToConnect is recorded when there is no SSID, no wired transport
// and the captive portal is disabled.
var ErrNothingToConnect = errors.New("no SSID configured and captive portal disabled")

// APAddress is the plain access point address, distinct from the captive
// portal block.
var APAddress = netip.MustParseAddr("192.168.4.1")

// Restarter restarts the process or the device.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Capabilities describe what the device can do.
type Capabilities struct {
	HasWiredTransport    bool
	CaptivePortalEnabled bool
}

// Options configures a Manager. Radio is required; Wired may be nil.
type Options struct {
	Radio     radio.Radio
	Wired     radio.Wired
	Store     Store
	Restarter Restarter
	Router    portal.Router
	DNS       portal.Redirector
	Clock     Clock
	Logger    *zap.Logger
	// PortalLimiter throttles captive portal credential submissions.
	PortalLimiter *rate.Limiter

	Capabilities   Capabilities
	ConnectTimeout time.Duration
	PortalTimeout  time.Duration
	// RestartDelay may be zero; negative values select the default.
	RestartDelay time.Duration
	AutoRestart  bool
	// Blocking makes Begin tick until the device is connected or serving
	// its access point.
	Blocking bool
}

// Manager is the connectivity state machine.
type Manager struct {
	radio     radio.Radio
	wired     radio.Wired
	store     Store
	restarter Restarter
	clock     Clock
	logger    *zap.Logger
	caps      Capabilities
	blocking  bool
	portal    *portal.Controller

	// transition serializes state writes with their observer call.
	transition sync.Mutex

	mu             sync.Mutex
	state          State
	timer          Tracker
	settle         Tracker
	cfg            Config
	ap             portal.Identity
	autoSave       bool
	connectTimeout time.Duration
	portalTimeout  time.Duration
	restartDelay   time.Duration
	autoRestart    bool
	restarting     bool
	lastErr        string
	observer       func(prev, next State)
	test           *credentialTest
	ctx            context.Context
	cancel         context.CancelFunc
	unlisten       []func()
}

// New creates a Manager in the Disabled state.
func New(opts Options) *Manager {
	m := &Manager{
		radio:          opts.Radio,
		wired:          opts.Wired,
		store:          opts.Store,
		restarter:      opts.Restarter,
		clock:          opts.Clock,
		logger:         opts.Logger,
		caps:           opts.Capabilities,
		blocking:       opts.Blocking,
		connectTimeout: opts.ConnectTimeout,
		portalTimeout:  opts.PortalTimeout,
		restartDelay:   opts.RestartDelay,
		autoRestart:    opts.AutoRestart,
	}
	if m.clock == nil {
		m.clock = SystemClock()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("connect")
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.portalTimeout <= 0 {
		m.portalTimeout = DefaultPortalTimeout
	}
	if m.restartDelay < 0 {
		m.restartDelay = DefaultRestartDelay
	}
	if m.wired == nil {
		m.caps.HasWiredTransport = false
	}

	m.portal = portal.New(portal.Options{
		Radio:     opts.Radio,
		Router:    opts.Router,
		DNS:       opts.DNS,
		Submitter: m,
		Hostname:  m.Hostname,
		Serving:   func() bool { return m.State() == PortalStarted },
		Limiter:   opts.PortalLimiter,
		Logger:    opts.Logger,
	})
	return m
}

// Begin loads the stored configuration and starts the machine. Successful
// portal submissions are saved automatically. Begin does nothing unless the
// machine is Disabled.
func (m *Manager) Begin(ctx context.Context, hostname, apSSID, apPassword string) error {
	if m.State() != Disabled {
		return nil
	}

	var cfg Config
	if m.store != nil {
		loaded, err := m.store.Load(ctx)
		if err != nil {
			m.logger.Warn("using empty configuration", zap.Error(err))
		} else {
			cfg = loaded
		}
	}
	cfg.Hostname = hostname

	return m.begin(ctx, portal.Identity{SSID: apSSID, Password: apPassword}, cfg, true)
}

// BeginWithConfig starts the machine with an explicit configuration that is
// never persisted automatically. It does nothing unless the machine is
// Disabled.
func (m *Manager) BeginWithConfig(ctx context.Context, ap portal.Identity, cfg Config) error {
	if m.State() != Disabled {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return m.begin(ctx, ap, cfg, false)
}

func (m *Manager) begin(ctx context.Context, ap portal.Identity, cfg Config, autoSave bool) error {
	m.transition.Lock()
	m.mu.Lock()
	if m.state != Disabled {
		m.mu.Unlock()
		m.transition.Unlock()
		return nil
	}
	stale := m.unlisten
	m.unlisten = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.ap = ap
	m.cfg = cfg.clone()
	m.autoSave = autoSave
	m.lastErr = ""
	m.restarting = false
	m.timer.Clear()
	m.settle.Clear()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	for _, u := range stale {
		u()
	}
	m.portal.SetIdentity(ap)

	unlisten := []func(){m.radio.Listen(m.handleEvent)}
	if m.wired != nil {
		unlisten = append(unlisten, m.wired.Listen(m.handleEvent))
	}
	m.mu.Lock()
	m.unlisten = unlisten
	m.mu.Unlock()
	m.transition.Unlock()

	m.commit(Disabled, Enabled, nil)

	if !m.blocking {
		m.logger.Info("connectivity started", zap.Bool("auto_save", autoSave))
		return nil
	}

	m.logger.Info("connectivity started in blocking mode", zap.Bool("auto_save", autoSave))
	ticker := time.NewTicker(blockingPollInterval)
	defer ticker.Stop()
	for {
		m.Tick()
		if s := m.State(); s.Ready() || s == Disabled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// End stops everything and returns to Disabled. A pending credential test
// is answered with an interrupted status.
func (m *Manager) End() {
	m.mu.Lock()
	if m.state == Disabled && m.cancel == nil {
		m.mu.Unlock()
		return
	}
	test := m.test
	m.test = nil
	unlisten := m.unlisten
	m.unlisten = nil
	cancel := m.cancel
	m.cancel = nil
	m.ctx = nil
	m.autoSave = false
	m.mu.Unlock()

	m.logger.Info("stopping connectivity")

	for _, u := range unlisten {
		u()
	}
	if test != nil {
		test.resolve(interrupted())
		credentialTestsTotal.WithLabelValues("interrupted").Inc()
	}

	m.force(Disabled, func() {
		m.timer.Clear()
		m.settle.Clear()
	})

	ctx := context.Background()
	if err := m.portal.Stop(ctx); err != nil {
		m.logger.Warn("portal stop failed", zap.Error(err))
	}
	if err := m.radio.StopAP(ctx); err != nil {
		m.logger.Warn("access point stop failed", zap.Error(err))
	}
	if err := m.radio.Disconnect(ctx); err != nil {
		m.logger.Warn("station disconnect failed", zap.Error(err))
	}
	if m.wired != nil {
		if err := m.wired.Stop(ctx); err != nil {
			m.logger.Warn("wired stop failed", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
}

// OnStateChange registers the observer called once per distinct
// transition. It runs synchronously on the goroutine that made the
// transition and must not call Tick, Begin or End.
func (m *Manager) OnStateChange(fn func(prev, next State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Tick runs one evaluation pass. It never blocks on the network.
func (m *Manager) Tick() {
	if m.State() == Disabled {
		return
	}

	// a pending test owns the portal until it resolves
	if m.processCredentialTest() {
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	state := m.state
	cfg := m.cfg
	m.mu.Unlock()

	switch state {
	case Enabled:
		m.tickEnabled(cfg)

	case Connecting:
		if m.timerPassed(now, Connecting, m.ConnectTimeout()) && m.commit(Connecting, ConnectTimeout, nil) {
			// also drops any static address from the station interface
			if err := m.radio.Disconnect(m.context()); err != nil {
				m.driverError("station_disconnect", err)
			}
		}

	case ConnectTimeout:
		if m.caps.CaptivePortalEnabled {
			m.startPortal(ConnectTimeout)
		} else {
			m.logger.Warn("connect timeout and captive portal disabled, retrying")
			m.commit(ConnectTimeout, Enabled, nil)
		}

	case Disconnected:
		m.commit(Disconnected, Reconnecting, nil)

	case PortalStarted:
		// measured from portal start
		if cfg.SSID != "" && !m.testPending() && m.timerPassed(now, PortalStarted, m.PortalTimeout()) {
			m.commit(PortalStarted, PortalTimeout, nil)
		}

	case PortalTimeout:
		m.logger.Warn("portal timeout")
		if m.AutoRestart() && m.requestRestart() {
			return
		}
		m.stopPortal()
		m.commit(PortalTimeout, Enabled, nil)

	case PortalComplete:
		if m.AutoRestart() {
			if m.settled(now) {
				if m.requestRestart() {
					return
				}
			} else {
				return
			}
		}
		m.stopPortal()
		m.commit(PortalComplete, Enabled, nil)
	}
}

func (m *Manager) tickEnabled(cfg Config) {
	now := m.clock.Now()

	if cfg.APMode {
		if m.commit(Enabled, ApStarting, nil) {
			m.startAP(cfg)
		}
		return
	}

	hasWired := m.caps.HasWiredTransport
	if !hasWired && cfg.SSID == "" {
		if m.caps.CaptivePortalEnabled {
			m.startPortal(Enabled)
			return
		}
		m.logger.Error("staying idle", zap.Error(ErrNothingToConnect))
		m.commit(Enabled, Disabled, func() { m.lastErr = ErrNothingToConnect.Error() })
		return
	}

	if !m.commit(Enabled, Connecting, func() { m.timer.Start(now) }) {
		return
	}

	ctx := m.context()
	static := cfg.staticAddress()
	if hasWired {
		m.logger.Info("starting wired interface")
		if err := m.wired.Start(ctx, cfg.Hostname, static); err != nil {
			m.driverError("wired_start", err)
		}
		// a static address belongs to the wired interface when there is one
		static = nil
	}
	if cfg.SSID != "" {
		m.logger.Info("connecting to WiFi", zap.String("ssid", cfg.SSID), zap.String("bssid", cfg.BSSID))
		err := m.radio.StartStation(ctx, radio.StationParams{
			SSID:     cfg.SSID,
			Password: cfg.Password,
			BSSID:    cfg.BSSID,
			Hostname: cfg.Hostname,
			Static:   static,
		})
		if err != nil {
			m.driverError("station_start", err)
		}
	}
}

func (m *Manager) startAP(cfg Config) {
	m.mu.Lock()
	ap := m.ap
	m.mu.Unlock()

	m.logger.Info("starting access point", zap.String("ssid", ap.SSID))
	err := m.radio.StartAP(m.context(), radio.APParams{
		SSID:     ap.SSID,
		Password: portal.APPassword(ap.Password),
		Hostname: cfg.Hostname,
		Address:  APAddress,
	})
	if err != nil {
		m.driverError("ap_start", err)
	}
}

func (m *Manager) startPortal(from State) {
	now := m.clock.Now()
	if !m.commit(from, PortalStarting, func() { m.timer.Start(now) }) {
		return
	}
	if err := m.portal.Start(m.context()); err != nil {
		m.driverError("portal_start", err)
	}
}

// stopPortal tears down the portal session and interrupts a pending test.
func (m *Manager) stopPortal() {
	m.mu.Lock()
	test := m.test
	m.test = nil
	m.timer.Clear()
	m.mu.Unlock()

	ctx := m.context()
	if test != nil {
		test.resolve(interrupted())
		credentialTestsTotal.WithLabelValues("interrupted").Inc()
		if err := m.radio.Disconnect(ctx); err != nil {
			m.driverError("station_disconnect", err)
		}
	}
	if err := m.portal.Stop(ctx); err != nil {
		m.driverError("portal_stop", err)
	}
}

// settled starts the settle delay on first use and reports whether it has
// elapsed.
func (m *Manager) settled(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.settle.Running() {
		m.settle.Start(now)
		return false
	}
	return m.settle.Passed(now, m.restartDelay)
}

// requestRestart asks the restarter once. It reports whether the request
// went through; a failed request falls back to retrying without restart.
func (m *Manager) requestRestart() bool {
	m.mu.Lock()
	if m.restarting {
		m.mu.Unlock()
		return true
	}
	m.restarting = true
	m.mu.Unlock()

	if m.restarter == nil {
		m.driverError("restart", errors.New("no restarter configured"))
		return false
	}
	m.logger.Warn("restarting")
	if err := m.restarter.Restart(m.context()); err != nil {
		m.driverError("restart", err)
		m.mu.Lock()
		m.restarting = false
		m.mu.Unlock()
		return false
	}
	return true
}

func (m *Manager) timerPassed(now time.Time, state State, threshold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == state && m.timer.Passed(now, threshold)
}

func (m *Manager) handleEvent(ev radio.Event) {
	m.mu.Lock()
	state := m.state
	ssid := m.cfg.SSID
	testing := m.test != nil
	m.mu.Unlock()

	if state == Disabled {
		return
	}
	m.logger.Debug("network event", zap.Stringer("event", ev.Kind), zap.Stringer("state", state))

	switch ev.Kind {
	case radio.EventWiredStarted:
		m.logger.Info("wired interface started")

	case radio.EventWiredGotIP:
		m.onAddress(state, ev)

	case radio.EventStationGotIP:
		// during a credential test the association belongs to the test
		if testing {
			return
		}
		m.onAddress(state, ev)

	case radio.EventStationLostIP, radio.EventStationDisconnected:
		if testing {
			return
		}
		if ssid != "" {
			if err := m.radio.Reconnect(m.context()); err != nil {
				m.driverError("station_reconnect", err)
			}
		}
		if state == Connected && !m.wiredHasAddress() {
			m.commit(Connected, Disconnected, nil)
		}

	case radio.EventWiredDisconnected:
		if state == Connected && !m.radio.Station().Link.HasAddress() {
			m.commit(Connected, Disconnected, nil)
		}

	case radio.EventAPStarted:
		if !m.commit(ApStarting, ApStarted, nil) {
			m.commit(PortalStarting, PortalStarted, nil)
		}
	}
}

func (m *Manager) onAddress(state State, ev radio.Event) {
	if !state.acceptsAddress() {
		return
	}
	if !m.commit(state, Connected, func() { m.timer.Clear() }) {
		return
	}
	m.logger.Info("connected", zap.Stringer("event", ev.Kind), zap.Stringer("ip", ev.Addr))
	if state.portalSession() {
		m.stopPortal()
	}
}

// commit moves the machine from one state to another if it is still in
// from. apply runs under the state lock as part of the same write.
func (m *Manager) commit(from, to State, apply func()) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.setLocked(to, apply)
	return true
}

// force moves the machine to a state unconditionally.
func (m *Manager) force(to State, apply func()) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	m.setLocked(to, apply)
}

// setLocked writes the state, releases m.mu and notifies. The caller holds
// both locks; m.transition stays held.
func (m *Manager) setLocked(to State, apply func()) {
	from := m.state
	m.state = to
	if apply != nil {
		apply()
	}
	observer := m.observer
	save := to == PortalComplete && from != to && m.autoSave && m.store != nil
	cfg := m.cfg
	m.mu.Unlock()

	if from == to {
		return
	}

	stateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	currentState.Set(float64(to))
	m.logger.Info("state changed", zap.String("from", from.String()), zap.String("to", to.String()))

	if save {
		if err := m.store.Save(m.context(), cfg); err != nil {
			m.driverError("config_save", err)
		}
	}
	if observer != nil {
		observer(from, to)
	}
}

func (m *Manager) driverError(op string, err error) {
	driverErrorsTotal.WithLabelValues(op).Inc()
	m.logger.Error("driver operation failed", zap.String("op", op), zap.Error(err))
	m.mu.Lock()
	m.lastErr = fmt.Sprintf("%s: %v", op, err)
	m.mu.Unlock()
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) wiredHasAddress() bool {
	return m.wired != nil && m.wired.Link().HasAddress()
}
