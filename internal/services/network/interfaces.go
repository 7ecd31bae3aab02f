// Package network lists the local addresses the server can be reached on and
// checks whether a device host shares a subnet with this machine.
package network

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Interface types, in the order addresses are listed.
const (
	TypeEthernet = "ethernet"
	TypeWifi     = "wifi"
	TypeOther    = "other"
)

// Address is one IPv4 address on an up, non-loopback interface.
type Address struct {
	Interface string
	IP        net.IP
	Subnet    *net.IPNet
	Type      string
}

// URL returns the http URL of a server on port at this address.
func (a Address) URL(port string) string {
	return fmt.Sprintf("http://%s:%s", a.IP, port)
}

// Description returns a one-line label for banners.
func (a Address) Description(port string) string {
	return fmt.Sprintf("%s %s (%s) %s", typeIcon(a.Type), a.Interface, a.Type, a.URL(port))
}

// GetInterfaceType guesses the interface type from its name.
func GetInterfaceType(ifaceName string) string {
	name := strings.ToLower(ifaceName)

	// en0 is typically WiFi on macOS
	if name == "en0" {
		return TypeWifi
	}
	if strings.HasPrefix(name, "wlan") ||
		strings.HasPrefix(name, "wl") ||
		strings.Contains(name, "wifi") ||
		strings.Contains(name, "wireless") {
		return TypeWifi
	}
	if strings.HasPrefix(name, "eth") || strings.HasPrefix(name, "en") {
		return TypeEthernet
	}
	return TypeOther
}

func typeIcon(interfaceType string) string {
	switch interfaceType {
	case TypeWifi:
		return "📶"
	case TypeEthernet:
		return "🌐"
	default:
		return "📡"
	}
}

func typeRank(interfaceType string) int {
	switch interfaceType {
	case TypeEthernet:
		return 0
	case TypeWifi:
		return 1
	default:
		return 2
	}
}

// Addresses returns the IPv4 addresses of all up, non-loopback interfaces,
// ethernet first, then wifi, then everything else.
func Addresses() ([]Address, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var out []Address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, fromAddrs(iface.Name, addrs)...)
	}
	sortAddresses(out)
	return out, nil
}

func fromAddrs(name string, addrs []net.Addr) []Address {
	var out []Address
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		mask := ipNet.Mask
		if len(mask) == 16 {
			mask = mask[12:16]
		}
		out = append(out, Address{
			Interface: name,
			IP:        ip4,
			Subnet:    &net.IPNet{IP: ip4.Mask(mask), Mask: mask},
			Type:      GetInterfaceType(name),
		})
	}
	return out
}

func sortAddresses(addrs []Address) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return typeRank(addrs[i].Type) < typeRank(addrs[j].Type)
	})
}

// HostOf returns the host part of a device URL such as http://192.168.1.50.
func HostOf(deviceURL string) string {
	u, err := url.Parse(deviceURL)
	if err != nil || u.Host == "" {
		return deviceURL
	}
	return u.Hostname()
}

// OnLocalSubnet reports whether host is an IPv4 literal inside one of the
// subnets in addrs. Hostnames are not resolved and report true.
func OnLocalSubnet(addrs []Address, host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	for _, a := range addrs {
		if a.Subnet != nil && a.Subnet.Contains(ip) {
			return true
		}
	}
	return false
}
