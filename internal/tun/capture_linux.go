//go:build linux

package tun

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

type iptablesRunner struct {
	*iptables.IPTables
}

// NewIPTablesRunner returns a Runner backed by the IPv4 iptables binary.
func NewIPTablesRunner() (Runner, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables (IPv4): %w", err)
	}
	return iptablesRunner{ipt}, nil
}

func (r iptablesRunner) EnsureChain(table, chain string) error {
	if err := r.NewChain(table, chain); err != nil {
		// Exit status 1 means the chain is already there.
		if eerr, ok := err.(*iptables.Error); !(ok && eerr.ExitStatus() == 1) {
			return err
		}
	}
	return nil
}
