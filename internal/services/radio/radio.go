// Package radio defines the contracts between the connectivity manager and
// the lower network transports: the WiFi radio (station, access point and
// scanning) and the optional wired interface.
package radio

import (
	"context"
	"errors"
	"net/netip"
)

// Credential limits enforced before any radio action.
const (
	MaxSSIDLength     = 32
	MinPasswordLength = 8
	MaxPasswordLength = 64
)

var (
	// ErrInvalidSSID is returned for an empty or over-long SSID.
	ErrInvalidSSID = errors.New("invalid SSID")
	// ErrInvalidPassword is returned for a password outside the WPA limits.
	ErrInvalidPassword = errors.New("invalid password")
)

// ValidateCredentials checks the station credential limits: the SSID must be
// 1..32 characters and the password either empty or 8..64 characters.
func ValidateCredentials(ssid, password string) error {
	if ssid == "" || len(ssid) > MaxSSIDLength {
		return ErrInvalidSSID
	}
	if password != "" && (len(password) < MinPasswordLength || len(password) > MaxPasswordLength) {
		return ErrInvalidPassword
	}
	return nil
}

// IPConfig is a static IPv4 configuration. A zero IP means DHCP.
type IPConfig struct {
	IP      netip.Addr `json:"ip"`
	Subnet  netip.Addr `json:"subnet"`
	Gateway netip.Addr `json:"gateway"`
	DNS     netip.Addr `json:"dns"`
}

// IsSet reports whether a static address is configured.
func (c *IPConfig) IsSet() bool {
	return c != nil && c.IP.IsValid() && !c.IP.IsUnspecified()
}

// StationParams describes a station association attempt.
type StationParams struct {
	SSID     string
	Password string
	BSSID    string
	Hostname string
	Static   *IPConfig
}

// APParams describes an access point bring-up. An empty password means an
// open network.
type APParams struct {
	SSID     string
	Password string
	Hostname string
	Address  netip.Addr
	// Portal keeps the station interface usable alongside the access point
	// so credentials can be tested while clients stay connected.
	Portal bool
}

// Link is the observable state of one interface.
type Link struct {
	Up  bool
	IP  netip.Addr
	MAC string
}

// HasAddress reports whether the link holds a non-zero address.
func (l Link) HasAddress() bool {
	return l.Up && l.IP.IsValid() && !l.IP.IsUnspecified()
}

// StationState is the association status of the station interface.
type StationState int

const (
	StationIdle StationState = iota
	StationConnecting
	StationConnected
	StationFailed
)

// FailureReason explains a StationFailed status.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureAuth
	FailureNoNetwork
	FailureConnectionLost
)

func (r FailureReason) String() string {
	switch r {
	case FailureAuth:
		return "authentication failed"
	case FailureNoNetwork:
		return "network not found"
	case FailureConnectionLost:
		return "connection lost"
	default:
		return "none"
	}
}

// StationInfo is a snapshot of the station interface.
type StationInfo struct {
	State  StationState
	Reason FailureReason
	SSID   string
	BSSID  string
	RSSI   int
	Link   Link
}

// Network is one scan result.
type Network struct {
	SSID      string
	BSSID     string
	RSSI      int
	Encrypted bool
}

// ScanStatus is the progress of the asynchronous scan.
type ScanStatus int

const (
	ScanIdle ScanStatus = iota
	ScanRunning
	ScanFailed
	ScanDone
)

// EventKind enumerates asynchronous link notifications.
type EventKind int

const (
	EventStationGotIP EventKind = iota
	EventStationLostIP
	EventStationDisconnected
	EventWiredStarted
	EventWiredGotIP
	EventWiredDisconnected
	EventAPStarted
)

func (k EventKind) String() string {
	switch k {
	case EventStationGotIP:
		return "STA_GOT_IP"
	case EventStationLostIP:
		return "STA_LOST_IP"
	case EventStationDisconnected:
		return "STA_DISCONNECTED"
	case EventWiredStarted:
		return "ETH_START"
	case EventWiredGotIP:
		return "ETH_GOT_IP"
	case EventWiredDisconnected:
		return "ETH_DISCONNECTED"
	case EventAPStarted:
		return "AP_START"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered by a transport from its own goroutine.
type Event struct {
	Kind EventKind
	Addr netip.Addr
}

// Radio is the WiFi control surface. Start and scan calls must return
// without waiting for the radio; outcomes arrive as events or through
// Station and ScanResults.
type Radio interface {
	StartStation(ctx context.Context, p StationParams) error
	Reconnect(ctx context.Context) error
	// Disconnect stops the station and clears any static address.
	Disconnect(ctx context.Context) error
	StartAP(ctx context.Context, p APParams) error
	StopAP(ctx context.Context) error
	StartScan(ctx context.Context) error
	ScanResults() ([]Network, ScanStatus)
	Station() StationInfo
	AccessPoint() Link
	Listen(fn func(Event)) (cancel func())
}

// Wired is the optional non-wireless transport.
type Wired interface {
	Start(ctx context.Context, hostname string, static *IPConfig) error
	Stop(ctx context.Context) error
	Link() Link
	Listen(fn func(Event)) (cancel func())
}

// SignalQuality maps an RSSI in dBm linearly from -90..-30 onto 0..100.
func SignalQuality(rssi int) int {
	s := (rssi + 90) * 100 / 60
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

// RSSIFromQuality is the inverse of SignalQuality for drivers that only
// report a percentage.
func RSSIFromQuality(quality int) int {
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	return -90 + quality*60/100
}
