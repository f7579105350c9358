// Package tun provides the virtual interface the DNS engine reads raw IPv4
// frames from, and the optional firewall capture that steers every local
// DNS query into it.
package tun

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrUnsupported is returned on platforms without a TUN implementation.
var ErrUnsupported = errors.New("tun devices are only supported on linux")

// Config describes the interface. The device carries raw IPv4 frames with
// no packet-information prefix.
type Config struct {
	Name       string
	Address    string
	DNSAddress string
	MTU        int
}

// DefaultConfig matches the addresses the engine answers on.
func DefaultConfig() Config {
	return Config{
		Name:       "dnsgate0",
		Address:    "10.255.255.1/24",
		DNSAddress: "10.255.255.2",
		MTU:        1500,
	}
}

// parsed holds the validated addresses of a Config.
type parsed struct {
	prefix netip.Prefix
	dns    netip.Addr
}

func (c Config) parse() (parsed, error) {
	prefix, err := netip.ParsePrefix(c.Address)
	if err != nil || !prefix.Addr().Is4() {
		return parsed{}, fmt.Errorf("invalid interface address %q", c.Address)
	}
	dns, err := netip.ParseAddr(c.DNSAddress)
	if err != nil || !dns.Is4() {
		return parsed{}, fmt.Errorf("invalid DNS address %q", c.DNSAddress)
	}
	if c.Name == "" || len(c.Name) > 15 {
		return parsed{}, fmt.Errorf("invalid interface name %q", c.Name)
	}
	if c.MTU < 576 {
		return parsed{}, fmt.Errorf("mtu %d is too small", c.MTU)
	}
	return parsed{prefix: prefix, dns: dns}, nil
}
