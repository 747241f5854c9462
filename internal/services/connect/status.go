package connect

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Status is the flat document served by status APIs.
type Status struct {
	IPAddress     string `json:"ip_address"`
	IPAddressAP   string `json:"ip_address_ap"`
	IPAddressETH  string `json:"ip_address_eth"`
	IPAddressSTA  string `json:"ip_address_sta"`
	Hostname      string `json:"hostname"`
	MACAddress    string `json:"mac_address"`
	MACAddressAP  string `json:"mac_address_ap"`
	MACAddressETH string `json:"mac_address_eth"`
	MACAddressSTA string `json:"mac_address_sta"`
	Mode          string `json:"mode"`
	State         string `json:"state"`
	WiFiBSSID     string `json:"wifi_bssid"`
	WiFiRSSI      int    `json:"wifi_rssi"`
	WiFiSignal    int    `json:"wifi_signal"`
	WiFiSSID      string `json:"wifi_ssid"`
	LastError     string `json:"last_error"`
}

// Status returns a snapshot of every accessor.
func (m *Manager) Status() Status {
	return Status{
		IPAddress:     addrString(m.IPAddress()),
		IPAddressAP:   addrString(m.IPAddressFor(ModeAccessPoint)),
		IPAddressETH:  addrString(m.IPAddressFor(ModeWired)),
		IPAddressSTA:  addrString(m.IPAddressFor(ModeStation)),
		Hostname:      m.Hostname(),
		MACAddress:    m.MACAddress(),
		MACAddressAP:  m.MACAddressFor(ModeAccessPoint),
		MACAddressETH: m.MACAddressFor(ModeWired),
		MACAddressSTA: m.MACAddressFor(ModeStation),
		Mode:          m.Mode().String(),
		State:         m.StateName(),
		WiFiBSSID:     m.WiFiBSSID(),
		WiFiRSSI:      m.WiFiRSSI(),
		WiFiSignal:    m.WiFiSignalQuality(),
		WiFiSSID:      m.WiFiSSID(),
		LastError:     m.LastError(),
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateName returns the name of the current state.
func (m *Manager) StateName() string {
	return m.State().String()
}

// Mode returns the active mode.
func (m *Manager) Mode() Mode {
	return ResolveMode(m.State(), m.wiredHasAddress(), m.radio.Station().Link.HasAddress())
}

func (m *Manager) link(mode Mode) radio.Link {
	switch mode {
	case ModeAccessPoint:
		return m.radio.AccessPoint()
	case ModeStation:
		return m.radio.Station().Link
	case ModeWired:
		if m.wired != nil {
			return m.wired.Link()
		}
	}
	return radio.Link{}
}

// IPAddress returns the address of the active mode.
func (m *Manager) IPAddress() netip.Addr {
	return m.IPAddressFor(m.Mode())
}

// IPAddressFor returns the address held by the interface behind mode.
func (m *Manager) IPAddressFor(mode Mode) netip.Addr {
	l := m.link(mode)
	if !l.HasAddress() {
		return netip.Addr{}
	}
	return l.IP
}

// MACAddress returns the hardware address of the active mode.
func (m *Manager) MACAddress() string {
	return m.MACAddressFor(m.Mode())
}

// MACAddressFor returns the hardware address of the interface behind mode.
func (m *Manager) MACAddressFor(mode Mode) string {
	return m.link(mode).MAC
}

// WiFiSSID returns the associated SSID, or the configured one when the
// station is not in use.
func (m *Manager) WiFiSSID() string {
	if info := m.radio.Station(); info.State == radio.StationConnected && info.SSID != "" {
		return info.SSID
	}
	return m.Config().SSID
}

// WiFiBSSID returns the BSSID of the associated access point, or the
// configured one when the station is not in use.
func (m *Manager) WiFiBSSID() string {
	if info := m.radio.Station(); info.State == radio.StationConnected && info.BSSID != "" {
		return info.BSSID
	}
	return m.Config().BSSID
}

// WiFiRSSI returns the station RSSI in dBm, or zero when not associated.
func (m *Manager) WiFiRSSI() int {
	if info := m.radio.Station(); info.State == radio.StationConnected {
		return info.RSSI
	}
	return 0
}

// WiFiSignalQuality returns the station signal on a 0..100 scale.
func (m *Manager) WiFiSignalQuality() int {
	if info := m.radio.Station(); info.State == radio.StationConnected {
		return radio.SignalQuality(info.RSSI)
	}
	return 0
}

// Hostname returns the configured device name.
func (m *Manager) Hostname() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Hostname
}

// LastError returns the most recent driver failure, if any.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Config returns a copy of the configuration record.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.clone()
}

// SetConfig replaces the configuration record. It takes effect the next
// time the machine passes through Enabled. Callers serialize their own
// writes.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.clone()
	return nil
}

// SaveConfig persists the current configuration record.
func (m *Manager) SaveConfig(ctx context.Context) error {
	if m.store == nil {
		return errors.New("no configuration store")
	}
	return m.store.Save(ctx, m.Config())
}

// ClearConfiguration forgets the network settings, keeping the hostname,
// and removes them from the store.
func (m *Manager) ClearConfiguration(ctx context.Context) error {
	m.mu.Lock()
	m.cfg = Config{Hostname: m.cfg.Hostname}
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear configuration: %w", err)
	}
	return nil
}

// ConnectTimeout returns how long a connect attempt may take.
func (m *Manager) ConnectTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectTimeout
}

// SetConnectTimeout changes the connect timeout. Non-positive values are
// ignored.
func (m *Manager) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTimeout = d
}

// PortalTimeout returns how long the portal waits before giving up when
// an SSID is configured.
func (m *Manager) PortalTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portalTimeout
}

// SetPortalTimeout changes the portal timeout. Non-positive values are
// ignored.
func (m *Manager) SetPortalTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portalTimeout = d
}

// RestartDelay returns the settle delay before restarting after a portal
// submission.
func (m *Manager) RestartDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartDelay
}

// SetRestartDelay changes the restart delay. Negative values are ignored.
func (m *Manager) SetRestartDelay(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartDelay = d
}

// AutoRestart reports whether portal completion and timeout restart the
// device.
func (m *Manager) AutoRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoRestart
}

// SetAutoRestart toggles the auto restart policy.
func (m *Manager) SetAutoRestart(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRestart = enabled
}
