package tun

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// CaptureChain is the default nat chain holding the capture rule.
	CaptureChain = "DNSGATE"

	natTable    = "nat"
	outputChain = "OUTPUT"
)

// Runner is the subset of iptables operations the capture needs.
type Runner interface {
	EnsureChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	List(table, chain string) ([]string, error)
	AppendUnique(table, chain string, rulespec ...string) error
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

// Capture redirects locally generated UDP port 53 traffic to the TUN DNS
// address. Queries carrying the forwarder's socket mark are left alone.
type Capture struct {
	ipt   Runner
	chain string
	dns   netip.Addr
	mark  uint32
}

// NewCapture builds a capture over ipt. An empty chain means CaptureChain.
func NewCapture(ipt Runner, chain, dnsAddress string, mark uint32) (*Capture, error) {
	dns, err := netip.ParseAddr(dnsAddress)
	if err != nil || !dns.Is4() {
		return nil, fmt.Errorf("invalid DNS address %q", dnsAddress)
	}
	if mark == 0 {
		return nil, fmt.Errorf("capture requires a non-zero socket mark")
	}
	if chain == "" {
		chain = CaptureChain
	}
	return &Capture{ipt: ipt, chain: chain, dns: dns, mark: mark}, nil
}

// Rule returns the DNAT rulespec installed in the capture chain.
func (c *Capture) Rule() []string {
	return []string{
		"-p", "udp",
		"--dport", "53",
		"!", "-d", c.dns.String(),
		"-m", "mark", "!", "--mark", fmt.Sprintf("0x%x", c.mark),
		"-j", "DNAT",
		"--to-destination", c.dns.String() + ":53",
	}
}

// Install replaces any previous capture with a fresh chain linked first in
// nat OUTPUT.
func (c *Capture) Install() error {
	if err := c.Remove(); err != nil {
		return fmt.Errorf("cleanup before install: %w", err)
	}
	if err := c.ipt.EnsureChain(natTable, c.chain); err != nil {
		return fmt.Errorf("create chain %s: %w", c.chain, err)
	}
	if err := c.ipt.AppendUnique(natTable, c.chain, c.Rule()...); err != nil {
		return fmt.Errorf("add capture rule: %w", err)
	}
	if err := c.ipt.InsertUnique(natTable, outputChain, 1, "-j", c.chain); err != nil {
		return fmt.Errorf("link chain: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"chain": c.chain,
		"dns":   c.dns.String(),
		"mark":  fmt.Sprintf("0x%x", c.mark),
	}).Info("DNS capture installed")
	return nil
}

// Installed reports whether the chain exists and is linked from OUTPUT.
func (c *Capture) Installed() (bool, error) {
	exists, err := c.ipt.ChainExists(natTable, c.chain)
	if err != nil || !exists {
		return false, err
	}
	rules, err := c.ipt.List(natTable, outputChain)
	if err != nil {
		return false, err
	}
	for _, rule := range rules {
		if strings.Contains(rule, "-j "+c.chain) {
			return true, nil
		}
	}
	return false, nil
}

// Remove unlinks and deletes the capture chain. Missing pieces are ignored.
func (c *Capture) Remove() error {
	exists, err := c.ipt.ChainExists(natTable, c.chain)
	if err != nil {
		return err
	}
	if err := c.ipt.DeleteIfExists(natTable, outputChain, "-j", c.chain); err != nil {
		logrus.WithError(err).Debug("Failed to unlink capture chain")
	}
	if !exists {
		return nil
	}
	if err := c.ipt.ClearChain(natTable, c.chain); err != nil {
		logrus.WithError(err).Debug("Failed to clear capture chain")
	}
	if err := c.ipt.DeleteChain(natTable, c.chain); err != nil {
		return fmt.Errorf("delete chain %s: %w", c.chain, err)
	}
	return nil
}
