package connect

import (
	"fmt"
	"net"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Config is the desired connectivity. It is replaced as a whole, never
// patched in place by callers.
type Config struct {
	Hostname string `json:"hostname"`
	SSID     string `json:"wifi_ssid"`
	Password string `json:"wifi_password"`
	BSSID    string `json:"wifi_bssid,omitempty"`
	APMode   bool   `json:"ap_mode"`
	// Static is nil for DHCP.
	Static *radio.IPConfig `json:"static_ip,omitempty"`
}

// Validate checks the credential limits and the BSSID format.
func (c Config) Validate() error {
	if c.SSID != "" {
		if err := radio.ValidateCredentials(c.SSID, c.Password); err != nil {
			return err
		}
	} else if c.Password != "" {
		return fmt.Errorf("%w: password set without SSID", radio.ErrInvalidSSID)
	}
	if c.BSSID != "" {
		if _, err := net.ParseMAC(c.BSSID); err != nil {
			return fmt.Errorf("invalid BSSID %q: %w", c.BSSID, err)
		}
	}
	if c.Static != nil && c.Static.IP.IsValid() && !c.Static.IP.Is4() {
		return fmt.Errorf("static address %s is not IPv4", c.Static.IP)
	}
	return nil
}

// clone returns a copy that shares no memory with c.
func (c Config) clone() Config {
	if c.Static != nil {
		s := *c.Static
		c.Static = &s
	}
	return c
}

// staticAddress returns the static configuration when one is set.
func (c Config) staticAddress() *radio.IPConfig {
	if !c.Static.IsSet() {
		return nil
	}
	s := *c.Static
	return &s
}
