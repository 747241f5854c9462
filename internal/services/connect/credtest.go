package connect

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/lucsky/cuid"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// credentialTest is a submission waiting for the radio to prove it works.
// It resolves exactly once: committed, failed or discarded.
type credentialTest struct {
	id        string
	creds     portal.Credentials
	started   bool
	startedAt time.Time
	verdict   chan portal.Verdict
	once      sync.Once
}

func (t *credentialTest) resolve(v portal.Verdict) {
	t.once.Do(func() {
		t.verdict <- v
	})
}

func interrupted() portal.Verdict {
	return portal.Verdict{Status: http.StatusGone, Message: "Connection test interrupted"}
}

// failureVerdict maps a station failure to the response sent to the portal.
func failureVerdict(reason radio.FailureReason) portal.Verdict {
	switch reason {
	case radio.FailureAuth:
		return portal.Verdict{Status: http.StatusUnauthorized, Message: "Wrong password"}
	case radio.FailureNoNetwork:
		return portal.Verdict{Status: http.StatusNotFound, Message: "Network not found"}
	default:
		return portal.Verdict{Status: http.StatusBadRequest, Message: "Connection lost"}
	}
}

// SubmitAPMode commits access point mode from the portal.
func (m *Manager) SubmitAPMode() error {
	m.mu.Lock()
	state, pending := m.state, m.test != nil
	m.mu.Unlock()

	if state != PortalStarted {
		return portal.ErrNotAccepting
	}
	if pending {
		return portal.ErrTestPending
	}

	ok := m.commit(PortalStarted, PortalComplete, func() {
		cfg := m.cfg.clone()
		cfg.APMode = true
		m.cfg = cfg
	})
	if !ok {
		return portal.ErrNotAccepting
	}
	return nil
}

// SubmitCredentials queues a credential test. The test starts on the next
// tick; until a verdict arrives the configuration is untouched.
func (m *Manager) SubmitCredentials(_ context.Context, c portal.Credentials) (<-chan portal.Verdict, func(), error) {
	if err := radio.ValidateCredentials(c.SSID, c.Password); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != PortalStarted {
		return nil, nil, portal.ErrNotAccepting
	}
	if m.test != nil {
		return nil, nil, portal.ErrTestPending
	}

	t := &credentialTest{
		id:      cuid.New(),
		creds:   c,
		verdict: make(chan portal.Verdict, 1),
	}
	m.test = t
	m.logger.Info("credential test queued", zap.String("test", t.id), zap.String("ssid", c.SSID))

	return t.verdict, func() { m.abortTest(t) }, nil
}

// abortTest discards t when its request went away before a verdict.
func (m *Manager) abortTest(t *credentialTest) {
	m.mu.Lock()
	if m.test != t {
		m.mu.Unlock()
		return
	}
	m.test = nil
	started := t.started
	m.mu.Unlock()

	m.logger.Info("credential test discarded", zap.String("test", t.id))
	credentialTestsTotal.WithLabelValues("aborted").Inc()
	t.resolve(interrupted())

	if started {
		m.releaseRadio()
	}
}

// testPending reports whether a credential test exists.
func (m *Manager) testPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.test != nil
}

// processCredentialTest starts a queued test or polls a running one. It
// reports whether a test was present.
func (m *Manager) processCredentialTest() bool {
	now := m.clock.Now()

	m.mu.Lock()
	t := m.test
	if t == nil {
		m.mu.Unlock()
		return false
	}
	if m.state != PortalStarted {
		m.test = nil
		started := t.started
		m.mu.Unlock()
		t.resolve(interrupted())
		credentialTestsTotal.WithLabelValues("interrupted").Inc()
		if started {
			m.releaseRadio()
		}
		return true
	}
	if !t.started {
		t.started = true
		t.startedAt = now
		hostname := m.cfg.Hostname
		m.mu.Unlock()
		m.startTest(t, hostname)
		return true
	}
	elapsed := now.Sub(t.startedAt)
	timeout := m.connectTimeout
	m.mu.Unlock()

	info := m.radio.Station()
	switch {
	case info.State == radio.StationConnected && info.Link.HasAddress():
		m.passTest(t)
	case info.State == radio.StationFailed:
		m.failTest(t, failureVerdict(info.Reason), info.Reason.String())
	case elapsed >= timeout:
		m.failTest(t, portal.Verdict{Status: http.StatusRequestTimeout, Message: "Connection test timed out"}, "timeout")
	}
	return true
}

func (m *Manager) startTest(t *credentialTest, hostname string) {
	m.logger.Info("testing credentials", zap.String("test", t.id), zap.String("ssid", t.creds.SSID))

	// the redirect would capture the test connection's own lookups
	m.portal.SuspendDNS()

	err := m.radio.StartStation(m.context(), radio.StationParams{
		SSID:     t.creds.SSID,
		Password: t.creds.Password,
		BSSID:    t.creds.BSSID,
		Hostname: hostname,
	})
	if err != nil {
		m.driverError("station_start", err)
		m.failTest(t, portal.Verdict{Status: http.StatusServiceUnavailable, Message: "Unable to start connection test"}, "driver")
	}
}

func (m *Manager) passTest(t *credentialTest) {
	m.mu.Lock()
	if m.test != t {
		m.mu.Unlock()
		return
	}
	m.test = nil
	m.mu.Unlock()

	// the BSSID only pinned the test; it is never committed
	ok := m.commit(PortalStarted, PortalComplete, func() {
		cfg := m.cfg.clone()
		cfg.SSID = t.creds.SSID
		cfg.Password = t.creds.Password
		cfg.BSSID = ""
		cfg.APMode = false
		m.cfg = cfg
	})
	if !ok {
		t.resolve(interrupted())
		credentialTestsTotal.WithLabelValues("interrupted").Inc()
		m.releaseRadio()
		return
	}

	m.logger.Info("credential test passed", zap.String("test", t.id), zap.String("ssid", t.creds.SSID))
	credentialTestsTotal.WithLabelValues("passed").Inc()
	t.resolve(portal.Verdict{Status: http.StatusOK, Message: portal.MsgSaved})
}

func (m *Manager) failTest(t *credentialTest, v portal.Verdict, reason string) {
	m.mu.Lock()
	if m.test != t {
		m.mu.Unlock()
		return
	}
	m.test = nil
	m.mu.Unlock()

	m.logger.Info("credential test failed", zap.String("test", t.id), zap.String("reason", reason))
	credentialTestsTotal.WithLabelValues("failed").Inc()
	t.resolve(v)

	m.releaseRadio()
	m.portal.Rescan(m.context())
}

// releaseRadio leaves the station disconnected and gives the DNS redirect
// back to the portal.
func (m *Manager) releaseRadio() {
	if err := m.radio.Disconnect(m.context()); err != nil {
		m.driverError("station_disconnect", err)
	}
	m.portal.ResumeDNS()
}
