// Package network provides interface enumeration and the wired transport.
package network

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Interface types reported by GetInterfaceType.
const (
	TypeEthernet = "ethernet"
	TypeWiFi     = "wifi"
	TypeOther    = "other"
)

// InterfaceInfo describes one host interface.
type InterfaceInfo struct {
	Name          string `json:"name"`
	InterfaceType string `json:"type"`
	MAC           string `json:"mac"`
	Up            bool   `json:"up"`
	Address       string `json:"address,omitempty"`
	Broadcast     string `json:"broadcast,omitempty"`
}

// sysClassNet is where the kernel exposes per-interface attributes.
var sysClassNet = "/sys/class/net"

// GetInterfaceType determines the type of network interface
func GetInterfaceType(ifaceName string) string {
	// Sanitize interface name so it can't escape the sysfs directory
	if !validInterfaceName(ifaceName) {
		return getFallbackInterfaceType(ifaceName)
	}

	if _, err := os.Stat(sysClassNet + "/" + ifaceName + "/wireless"); err == nil {
		return TypeWiFi
	}
	if _, err := os.Stat(sysClassNet + "/" + ifaceName + "/device"); err == nil {
		// a physical device without wireless extensions
		if getFallbackInterfaceType(ifaceName) != TypeWiFi {
			return TypeEthernet
		}
	}

	// Fallback logic based on naming conventions
	return getFallbackInterfaceType(ifaceName)
}

func validInterfaceName(name string) bool {
	if name == "" {
		return false
	}
	for _, char := range name {
		isLowerLetter := char >= 'a' && char <= 'z'
		isUpperLetter := char >= 'A' && char <= 'Z'
		isDigit := char >= '0' && char <= '9'
		isAllowed := isLowerLetter || isUpperLetter || isDigit || char == '-' || char == '_'
		if !isAllowed {
			return false
		}
	}
	return true
}

// getFallbackInterfaceType uses naming patterns to guess interface type
func getFallbackInterfaceType(ifaceName string) string {
	name := strings.ToLower(ifaceName)

	// Common WiFi naming patterns
	if strings.HasPrefix(name, "wlan") ||
		strings.HasPrefix(name, "wl") ||
		strings.Contains(name, "wifi") ||
		strings.Contains(name, "wireless") {
		return TypeWiFi
	}

	// Common ethernet naming patterns
	if strings.HasPrefix(name, "eth") ||
		strings.HasPrefix(name, "en") ||
		strings.HasPrefix(name, "enp") ||
		strings.HasPrefix(name, "eno") {
		return TypeEthernet
	}

	return TypeOther
}

// calculateBroadcast computes the broadcast address from IP and netmask
func calculateBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if ip == nil || mask == nil {
		return nil
	}

	// Convert to 4-byte IPv4 representation
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	// Ensure mask is also 4 bytes
	if len(mask) == 16 {
		mask = mask[12:16]
	}
	if len(mask) != 4 {
		return nil
	}

	broadcast := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		broadcast[i] = ip4[i] | ^mask[i]
	}

	return broadcast
}

// firstIPv4 returns the first IPv4 address of addrs along with its mask.
func firstIPv4(addrs []net.Addr) (net.IP, net.IPMask) {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, ipNet.Mask
		}
	}
	return nil, nil
}

func describe(iface net.Interface) InterfaceInfo {
	info := InterfaceInfo{
		Name:          iface.Name,
		InterfaceType: GetInterfaceType(iface.Name),
		MAC:           strings.ToUpper(iface.HardwareAddr.String()),
		Up:            iface.Flags&net.FlagUp != 0,
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return info
	}
	if ip, mask := firstIPv4(addrs); ip != nil {
		info.Address = ip.String()
		if b := calculateBroadcast(ip, mask); b != nil && !b.Equal(ip) {
			info.Broadcast = b.String()
		}
	}
	return info
}

// GetNetworkInterfaces returns every non-loopback interface, ethernet first,
// then WiFi, then the rest, each group sorted by name.
func GetNetworkInterfaces() ([]InterfaceInfo, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var infos []InterfaceInfo
	for _, iface := range interfaces {
		// Skip loopback
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		infos = append(infos, describe(iface))
	}
	sortInterfaces(infos)
	return infos, nil
}

func sortInterfaces(infos []InterfaceInfo) {
	rank := map[string]int{TypeEthernet: 0, TypeWiFi: 1, TypeOther: 2}
	sort.SliceStable(infos, func(i, j int) bool {
		ri, rj := rank[infos[i].InterfaceType], rank[infos[j].InterfaceType]
		if ri != rj {
			return ri < rj
		}
		return infos[i].Name < infos[j].Name
	})
}

// DetectWiredInterface returns the first ethernet interface, or "" when the
// host has none.
func DetectWiredInterface() string {
	infos, err := GetNetworkInterfaces()
	if err != nil {
		return ""
	}
	return pickWired(infos)
}

func pickWired(infos []InterfaceInfo) string {
	for _, info := range infos {
		if info.InterfaceType == TypeEthernet {
			return info.Name
		}
	}
	return ""
}

// IPv4Args renders a static configuration as NetworkManager profile
// settings. An unset configuration selects DHCP.
func IPv4Args(c *radio.IPConfig) []string {
	if !c.IsSet() {
		return []string{"ipv4.method", "auto"}
	}
	args := []string{"ipv4.method", "manual", "ipv4.addresses", fmt.Sprintf("%s/%d", c.IP, PrefixLength(c.Subnet))}
	if c.Gateway.IsValid() && !c.Gateway.IsUnspecified() {
		args = append(args, "ipv4.gateway", c.Gateway.String())
	}
	if c.DNS.IsValid() && !c.DNS.IsUnspecified() {
		args = append(args, "ipv4.dns", c.DNS.String())
	}
	return args
}

// PrefixLength converts a dotted subnet mask to a prefix length. Missing or
// non-contiguous masks fall back to /24.
func PrefixLength(mask netip.Addr) int {
	if !mask.Is4() {
		return 24
	}
	ones, bits := net.IPMask(mask.AsSlice()).Size()
	if bits == 0 || ones == 0 {
		return 24
	}
	return ones
}
