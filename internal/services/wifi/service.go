package wifi

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/executil"
	"github.com/bbernstein/lacyconnect/internal/services/network"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

const (
	// StationConnection is the NetworkManager profile used for station mode.
	StationConnection = "lacyconnect-sta"
	// APConnection is the NetworkManager profile used for access point mode.
	APConnection = "lacyconnect-ap"
	// APChannel is the WiFi channel for AP mode.
	APChannel = 6
	// DefaultPollInterval is how often the link monitor refreshes the
	// station snapshot.
	DefaultPollInterval = 2 * time.Second

	activateTimeout = 30 * time.Second
	connectedState  = "100"
)

// Options configures a Service.
type Options struct {
	Executor executil.CommandExecutor
	// Interface is the WiFi device, wlan0 when empty.
	Interface string
	// APInterface is the virtual interface added for the captive portal so
	// the station can associate while the access point is up. Defaults to
	// ap0.
	APInterface  string
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Service implements radio.Radio on top of nmcli. Commands that wait on the
// radio run on their own goroutine; their outcome shows up in Station,
// AccessPoint and ScanResults, and as events.
type Service struct {
	executor     executil.CommandExecutor
	iface        string
	apIface      string
	pollInterval time.Duration
	logger       *zap.Logger
	spawn        func(func())

	mu       sync.Mutex
	listener func(radio.Event)

	station     radio.StationInfo
	stationGen  uint64
	haveProfile bool

	ap        radio.Link
	apGen     uint64
	apActive  bool
	apIfname  string
	apVirtual bool

	networks []radio.Network
	scan     radio.ScanStatus
}

var _ radio.Radio = (*Service)(nil)

// NewService creates a new WiFi service.
func NewService(opts Options) *Service {
	s := &Service{
		executor:     opts.Executor,
		iface:        opts.Interface,
		apIface:      opts.APInterface,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		spawn:        func(f func()) { go f() },
	}
	if s.executor == nil {
		s.executor = executil.Real{}
	}
	if s.iface == "" {
		s.iface = "wlan0"
	}
	if s.apIface == "" {
		s.apIface = "ap0"
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("wifi").With(zap.String("interface", s.iface))
	return s
}

// Interface returns the WiFi device name.
func (s *Service) Interface() string {
	return s.iface
}

// StartStation writes the station profile and activates it in the
// background.
func (s *Service) StartStation(_ context.Context, p radio.StationParams) error {
	s.mu.Lock()
	s.stationGen++
	gen := s.stationGen
	s.station = radio.StationInfo{State: radio.StationConnecting, SSID: p.SSID, BSSID: p.BSSID, Link: radio.Link{MAC: s.station.Link.MAC}}
	s.mu.Unlock()

	// Replace any previous profile so stale credentials never linger
	_, _ = s.executor.Execute("nmcli", "connection", "delete", StationConnection)

	if out, err := s.executor.Execute("nmcli", stationArgs(s.iface, p)...); err != nil {
		s.mu.Lock()
		if gen == s.stationGen {
			s.station.State = radio.StationFailed
			s.station.Reason = classifyFailure(string(out))
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to create station profile: %w", err)
	}

	s.mu.Lock()
	s.haveProfile = true
	s.mu.Unlock()

	s.logger.Info("connecting", zap.String("ssid", p.SSID), zap.String("bssid", p.BSSID), zap.Bool("static", p.Static.IsSet()))
	s.spawn(func() { s.activate(gen) })
	return nil
}

// Reconnect re-activates the existing station profile.
func (s *Service) Reconnect(context.Context) error {
	s.mu.Lock()
	if !s.haveProfile {
		s.mu.Unlock()
		return nil
	}
	s.stationGen++
	gen := s.stationGen
	s.station.State = radio.StationConnecting
	s.station.Reason = radio.FailureNone
	s.mu.Unlock()

	s.logger.Info("reconnecting")
	s.spawn(func() { s.activate(gen) })
	return nil
}

func (s *Service) activate(gen uint64) {
	out, err := s.executor.ExecuteWithTimeout(activateTimeout,
		"nmcli", "--wait", strconv.Itoa(int(activateTimeout.Seconds())), "connection", "up", StationConnection)

	s.mu.Lock()
	if gen != s.stationGen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		reason := classifyFailure(string(out) + " " + err.Error())
		s.station.State = radio.StationFailed
		s.station.Reason = reason
		s.mu.Unlock()
		s.logger.Warn("station activation failed", zap.Stringer("reason", reason), zap.Error(err))
		return
	}
	s.mu.Unlock()

	s.Poll()
}

// Disconnect deactivates and deletes the station profile, which also drops
// any static address it carried.
func (s *Service) Disconnect(context.Context) error {
	s.mu.Lock()
	s.stationGen++
	had := s.haveProfile
	s.haveProfile = false
	s.station = radio.StationInfo{Link: radio.Link{MAC: s.station.Link.MAC}}
	s.mu.Unlock()

	if !had {
		return nil
	}
	if _, err := s.executor.Execute("nmcli", "connection", "delete", StationConnection); err != nil {
		return fmt.Errorf("failed to delete station profile: %w", err)
	}
	return nil
}

// StartAP writes the access point profile and activates it in the
// background. A portal access point runs on a virtual interface next to
// the station.
func (s *Service) StartAP(_ context.Context, p radio.APParams) error {
	ifname := s.iface
	if p.Portal {
		ifname = s.apIface
		if _, err := s.executor.Execute("iw", "dev", s.iface, "interface", "add", ifname, "type", "__ap"); err != nil {
			// already present after an unclean stop
			s.logger.Debug("virtual interface not added", zap.String("ap_interface", ifname), zap.Error(err))
		}
	}

	_, _ = s.executor.Execute("nmcli", "connection", "delete", APConnection)
	if _, err := s.executor.Execute("nmcli", apArgs(ifname, p)...); err != nil {
		return fmt.Errorf("failed to create access point profile: %w", err)
	}

	s.mu.Lock()
	s.apGen++
	gen := s.apGen
	s.apActive = true
	s.apIfname = ifname
	s.apVirtual = p.Portal
	s.mu.Unlock()

	s.logger.Info("starting access point", zap.String("ssid", p.SSID), zap.Stringer("address", p.Address), zap.Bool("open", p.Password == ""))
	s.spawn(func() {
		_, err := s.executor.ExecuteWithTimeout(activateTimeout, "nmcli", "connection", "up", APConnection)
		if err != nil {
			s.logger.Error("access point activation failed", zap.Error(err))
			return
		}
		mac := s.hardwareAddress(ifname)

		s.mu.Lock()
		if gen != s.apGen {
			s.mu.Unlock()
			return
		}
		s.ap = radio.Link{Up: true, IP: p.Address, MAC: mac}
		fn := s.listener
		s.mu.Unlock()

		if fn != nil {
			fn(radio.Event{Kind: radio.EventAPStarted, Addr: p.Address})
		}
	})
	return nil
}

// StopAP removes the access point profile and any virtual interface.
func (s *Service) StopAP(context.Context) error {
	s.mu.Lock()
	s.apGen++
	active, ifname, virtual := s.apActive, s.apIfname, s.apVirtual
	s.apActive = false
	s.apIfname = ""
	s.apVirtual = false
	s.ap = radio.Link{}
	s.mu.Unlock()

	if !active {
		return nil
	}

	_, err := s.executor.Execute("nmcli", "connection", "delete", APConnection)
	if virtual {
		if _, delErr := s.executor.Execute("iw", "dev", ifname, "del"); delErr != nil {
			s.logger.Warn("failed to remove virtual interface", zap.String("ap_interface", ifname), zap.Error(delErr))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to stop access point: %w", err)
	}
	s.logger.Info("access point stopped")
	return nil
}

// StartScan starts a scan in the background. Earlier results are dropped.
func (s *Service) StartScan(context.Context) error {
	s.mu.Lock()
	if s.scan == radio.ScanRunning {
		s.mu.Unlock()
		return nil
	}
	s.scan = radio.ScanRunning
	s.networks = nil
	s.mu.Unlock()

	s.spawn(func() {
		// Format: SSID:BSSID:SIGNAL:SECURITY
		output, err := s.executor.ExecuteWithTimeout(activateTimeout,
			"nmcli", "-t", "-f", "SSID,BSSID,SIGNAL,SECURITY", "device", "wifi", "list", "ifname", s.iface, "--rescan", "yes")

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.logger.Warn("scan failed", zap.Error(err))
			s.scan = radio.ScanFailed
			return
		}
		s.networks = parseScan(string(output))
		s.scan = radio.ScanDone
	})
	return nil
}

// ScanResults returns the last scan and its status.
func (s *Service) ScanResults() ([]radio.Network, radio.ScanStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]radio.Network(nil), s.networks...), s.scan
}

// Station returns the cached station snapshot.
func (s *Service) Station() radio.StationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station
}

// AccessPoint returns the access point link.
func (s *Service) AccessPoint() radio.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ap
}

// Listen registers the event callback, replacing any previous one.
func (s *Service) Listen(fn func(radio.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listener = nil
	}
}

// Run polls the station link until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll refreshes the station snapshot from NetworkManager and emits the
// events implied by the change.
func (s *Service) Poll() {
	var link radio.Link
	connected := false
	output, err := s.executor.Execute("nmcli", "-t", "-f", "GENERAL.STATE,GENERAL.HWADDR,IP4.ADDRESS", "device", "show", s.iface)
	if err != nil {
		s.logger.Debug("device query failed", zap.Error(err))
	} else {
		values := parseDeviceShow(string(output))
		connected = strings.HasPrefix(values["GENERAL.STATE"], connectedState)
		link.MAC = values["GENERAL.HWADDR"]
		link.Up = connected
		link.IP = parsePrefixAddr(values["IP4.ADDRESS"])
	}

	var ssid, bssid string
	var rssi int
	if connected {
		ssid, bssid, rssi = s.activeNetwork()
	}

	s.mu.Lock()
	prev := s.station
	next := prev
	next.Link = link
	if link.MAC == "" {
		next.Link.MAC = prev.Link.MAC
	}

	var events []radio.Event
	switch {
	case connected && link.HasAddress():
		next.State = radio.StationConnected
		next.Reason = radio.FailureNone
		next.SSID, next.BSSID, next.RSSI = ssid, bssid, rssi
		if prev.State != radio.StationConnected || !prev.Link.HasAddress() || prev.Link.IP != link.IP {
			events = append(events, radio.Event{Kind: radio.EventStationGotIP, Addr: link.IP})
		}
	case prev.State == radio.StationConnected && connected:
		next.State = radio.StationConnecting
		events = append(events, radio.Event{Kind: radio.EventStationLostIP})
	case prev.State == radio.StationConnected:
		next.State = radio.StationIdle
		next.Reason = radio.FailureConnectionLost
		next.RSSI = 0
		events = append(events, radio.Event{Kind: radio.EventStationDisconnected})
	}
	s.station = next
	fn := s.listener
	s.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}

// activeNetwork returns the SSID, BSSID and RSSI of the associated network.
func (s *Service) activeNetwork() (string, string, int) {
	output, err := s.executor.Execute("nmcli", "-t", "-f", "ACTIVE,SSID,BSSID,SIGNAL", "device", "wifi", "list", "ifname", s.iface, "--rescan", "no")
	if err != nil {
		return "", "", 0
	}
	for _, line := range strings.Split(string(output), "\n") {
		f := splitTerse(line)
		if len(f) < 4 || f[0] != "yes" {
			continue
		}
		quality, _ := strconv.Atoi(f[3])
		return f[1], f[2], radio.RSSIFromQuality(quality)
	}
	return "", "", 0
}

func (s *Service) hardwareAddress(ifname string) string {
	output, err := s.executor.Execute("nmcli", "-t", "-f", "GENERAL.HWADDR", "device", "show", ifname)
	if err != nil {
		return ""
	}
	return parseDeviceShow(string(output))["GENERAL.HWADDR"]
}

// DefaultAPSSID derives an access point name from the device MAC address,
// e.g. prefix-ABCD.
func (s *Service) DefaultAPSSID(prefix string) string {
	output, err := s.executor.Execute("cat", "/sys/class/net/"+s.iface+"/address")
	if err != nil {
		// Fallback to random suffix
		return fmt.Sprintf("%s-%04X", prefix, time.Now().UnixNano()&0xFFFF)
	}

	mac := strings.TrimSpace(string(output))
	mac = strings.ReplaceAll(mac, ":", "")
	if len(mac) >= 4 {
		return prefix + "-" + strings.ToUpper(mac[len(mac)-4:])
	}
	return prefix + "-" + strings.ToUpper(mac)
}

func stationArgs(ifname string, p radio.StationParams) []string {
	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", ifname,
		"con-name", StationConnection,
		"autoconnect", "no",
		"ssid", p.SSID,
	}
	if p.Password != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", p.Password)
	}
	if p.BSSID != "" {
		args = append(args, "802-11-wireless.bssid", p.BSSID)
	}
	if p.Hostname != "" {
		args = append(args, "ipv4.dhcp-hostname", p.Hostname)
	}
	return append(args, network.IPv4Args(p.Static)...)
}

func apArgs(ifname string, p radio.APParams) []string {
	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", ifname,
		"con-name", APConnection,
		"autoconnect", "no",
		"ssid", p.SSID,
		"mode", "ap",
		"ipv4.method", "shared",
		"ipv4.addresses", p.Address.String() + "/24",
		"wifi.band", "bg",
		"wifi.channel", strconv.Itoa(APChannel),
	}
	if p.Password != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", p.Password)
	}
	return args
}

func parsePrefixAddr(s string) netip.Addr {
	if s == "" {
		return netip.Addr{}
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr()
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

func parseScan(output string) []radio.Network {
	var networks []radio.Network
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		f := splitTerse(line)
		if len(f) < 4 {
			continue
		}
		// Parse signal strength (ignore error - default to 0 if parsing fails)
		quality, _ := strconv.Atoi(f[2])
		networks = append(networks, radio.Network{
			SSID:      f[0],
			BSSID:     f[1],
			RSSI:      radio.RSSIFromQuality(quality),
			Encrypted: parseSecurityType(f[3]) != SecurityOpen,
		})
	}
	return networks
}
