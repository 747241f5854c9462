// Package wifi drives the WiFi radio through NetworkManager's nmcli.
package wifi

import (
	"strings"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// SecurityType represents the security type of a WiFi network.
type SecurityType string

const (
	SecurityOpen    SecurityType = "OPEN"
	SecurityWEP     SecurityType = "WEP"
	SecurityWPAPSK  SecurityType = "WPA_PSK"
	SecurityWPAEAP  SecurityType = "WPA_EAP"
	SecurityWPA3PSK SecurityType = "WPA3_PSK"
	SecurityWPA3EAP SecurityType = "WPA3_EAP"
	SecurityOWE     SecurityType = "OWE"
)

// parseSecurityType converts nmcli security string to SecurityType.
func parseSecurityType(security string) SecurityType {
	security = strings.ToUpper(security)
	switch {
	case strings.Contains(security, "WPA3") && strings.Contains(security, "EAP"):
		return SecurityWPA3EAP
	case strings.Contains(security, "WPA3"):
		return SecurityWPA3PSK
	case strings.Contains(security, "WPA") && strings.Contains(security, "EAP"):
		return SecurityWPAEAP
	case strings.Contains(security, "WPA"):
		return SecurityWPAPSK
	case strings.Contains(security, "WEP"):
		return SecurityWEP
	case strings.Contains(security, "OWE"):
		return SecurityOWE
	case security == "" || security == "--":
		return SecurityOpen
	default:
		return SecurityWPAPSK // Default to WPA-PSK for unknown
	}
}

// splitTerse splits one line of `nmcli -t` output into its fields. nmcli
// escapes ':' and '\' inside values with a backslash.
func splitTerse(line string) []string {
	var fields []string
	var b strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	return append(fields, b.String())
}

// parseDeviceShow reads `nmcli -t -f ... device show` output into a map.
// Indexed keys such as IP4.ADDRESS[1] keep only their first value under the
// bare name.
func parseDeviceShow(output string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if i := strings.IndexByte(key, '['); i >= 0 {
			key = key[:i]
		}
		if _, seen := values[key]; seen {
			continue
		}
		values[key] = strings.Join(splitTerse(value), ":")
	}
	return values
}

// classifyFailure maps nmcli connection errors onto a failure reason.
func classifyFailure(output string) radio.FailureReason {
	out := strings.ToLower(output)
	switch {
	case strings.Contains(out, "secrets were required"),
		strings.Contains(out, "802-1x supplicant"),
		strings.Contains(out, "wrong password"),
		strings.Contains(out, "authentication"):
		return radio.FailureAuth
	case strings.Contains(out, "no network with ssid"),
		strings.Contains(out, "not found"),
		strings.Contains(out, "no suitable"):
		return radio.FailureNoNetwork
	default:
		return radio.FailureConnectionLost
	}
}
