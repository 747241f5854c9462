package portal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Options configures a Controller.
type Options struct {
	Radio     radio.Radio
	Router    Router
	DNS       Redirector
	Submitter Submitter
	Identity  Identity
	Hostname  func() string
	// Serving reports whether the portal home page should be shown. Other
	// portal routes stay available for the whole session.
	Serving func() bool
	// Limiter throttles credential submissions. Nil uses one per second with
	// a burst of three.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Controller owns the captive portal session: the access point on the
// portal address block, the DNS redirect and the installed HTTP routes.
type Controller struct {
	radio     radio.Radio
	router    Router
	dns       Redirector
	submitter Submitter
	identity  Identity
	hostname  func() string
	serving   func() bool
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu      sync.Mutex
	session *session
}

// session is released as a unit on every stop path.
type session struct {
	removes    []func()
	restore404 func()
	dnsUp      bool
}

// New creates a Controller. Radio, Router and Submitter are required.
func New(opts Options) *Controller {
	c := &Controller{
		radio:     opts.Radio,
		router:    opts.Router,
		dns:       opts.DNS,
		submitter: opts.Submitter,
		identity:  opts.Identity,
		hostname:  opts.Hostname,
		serving:   opts.Serving,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("portal")
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(time.Second), 3)
	}
	if c.hostname == nil {
		c.hostname = func() string { return "" }
	}
	if c.serving == nil {
		c.serving = func() bool { return true }
	}
	return c
}

// Start brings up the portal access point, the DNS redirect and the routes.
// Starting an active portal does nothing.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}

	err := c.radio.StartAP(ctx, radio.APParams{
		SSID:     c.identity.SSID,
		Password: APPassword(c.identity.Password),
		Hostname: c.hostname(),
		Address:  Address,
		Portal:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to start portal access point: %w", err)
	}

	s := &session{}
	if c.dns != nil {
		if err := c.dns.Start(Address); err != nil {
			c.logger.Warn("captive DNS failed to start", zap.Error(err))
		} else {
			s.dnsUp = true
		}
	}
	c.install(s)
	c.session = s

	if err := c.radio.StartScan(ctx); err != nil {
		c.logger.Warn("scan failed to start", zap.Error(err))
	}

	c.logger.Info("captive portal started", zap.String("ssid", c.identity.SSID), zap.Stringer("address", Address))
	return nil
}

// Stop removes every installed route, stops the DNS redirect and takes the
// access point down. Stopping an inactive portal does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	for _, remove := range s.removes {
		remove()
	}
	if s.restore404 != nil {
		s.restore404()
	}
	if s.dnsUp {
		if err := c.dns.Stop(); err != nil {
			c.logger.Warn("captive DNS failed to stop", zap.Error(err))
		}
	}
	if err := c.radio.StopAP(ctx); err != nil {
		return fmt.Errorf("failed to stop portal access point: %w", err)
	}

	c.logger.Info("captive portal stopped")
	return nil
}

// SetIdentity replaces the access point name and password used by the next
// Start.
func (c *Controller) SetIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// Active reports whether a portal session is up.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// SuspendDNS stops the DNS redirect so a credential test is not intercepted.
func (c *Controller) SuspendDNS() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.dnsUp {
		return
	}
	if err := c.dns.Stop(); err != nil {
		c.logger.Warn("captive DNS failed to stop", zap.Error(err))
	}
	c.session.dnsUp = false
}

// ResumeDNS restarts a suspended DNS redirect.
func (c *Controller) ResumeDNS() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.dnsUp || c.dns == nil {
		return
	}
	if err := c.dns.Start(Address); err != nil {
		c.logger.Warn("captive DNS failed to restart", zap.Error(err))
		return
	}
	c.session.dnsUp = true
}

// Rescan triggers a fresh network scan.
func (c *Controller) Rescan(ctx context.Context) {
	if err := c.radio.StartScan(ctx); err != nil {
		c.logger.Warn("scan failed to start", zap.Error(err))
	}
}

func (c *Controller) install(s *session) {
	add := func(method, pattern string, h http.HandlerFunc, filter func(*http.Request) bool) {
		s.removes = append(s.removes, c.router.Handle(method, pattern, h, filter))
	}
	active := func(*http.Request) bool { return c.Active() }
	home := func(*http.Request) bool { return c.serving() }

	add(http.MethodGet, "/espconnect/scan", c.handleScan, active)
	add(http.MethodPost, "/espconnect/connect", c.handleConnect, active)
	add(http.MethodGet, "/", c.handleHome, home)

	for _, p := range probes {
		add(http.MethodGet, p.path, c.probeHandler(p), active)
	}

	s.restore404 = c.router.SetNotFound(http.HandlerFunc(c.handleFallback))
}

// APPassword returns the password to configure on an access point. Anything
// shorter than a valid WPA passphrase yields an open network.
func APPassword(password string) string {
	if len(password) < radio.MinPasswordLength {
		return ""
	}
	return password
}
