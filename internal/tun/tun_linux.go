//go:build linux

package tun

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Device is an open TUN interface.
type Device struct {
	file *os.File
	name string
}

// Open creates the TUN interface, assigns its address and MTU, routes the
// DNS address through it and brings it up.
func Open(cfg Config) (*Device, error) {
	p, err := cfg.parse()
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", cfg.Name, err)
	}

	// A non-blocking descriptor lets the runtime poller interrupt Read on
	// Close.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	dev := &Device{
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
	}

	if err := configure(dev.name, cfg.MTU, p); err != nil {
		dev.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"name":    dev.name,
		"address": cfg.Address,
		"dns":     cfg.DNSAddress,
		"mtu":     cfg.MTU,
	}).Info("TUN interface up")
	return dev, nil
}

func configure(name string, mtu int, p parsed) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", name, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   p.prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(p.prefix.Bits(), 32),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign %s: %w", p.prefix, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     netlink.SCOPE_LINK,
		Dst: &net.IPNet{
			IP:   p.dns.AsSlice(),
			Mask: net.CIDRMask(32, 32),
		},
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("route %s: %w", p.dns, err)
	}
	return nil
}

// Name returns the kernel interface name.
func (d *Device) Name() string { return d.name }

func (d *Device) Read(p []byte) (int, error) { return d.file.Read(p) }

func (d *Device) Write(p []byte) (int, error) { return d.file.Write(p) }

// Close releases the descriptor; the kernel removes the interface.
func (d *Device) Close() error { return d.file.Close() }
