// Package netdev looks up network interfaces and toggles their flags.
package netdev

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/romshark/pktsock/socket"
)

// SysClassNet is the sysfs directory listing network devices.
var SysClassNet = "/sys/class/net"

func link(name string) (netlink.Link, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", socket.ErrNoDevice, name, err)
	}
	return l, nil
}

// Index returns the interface index of name.
func Index(name string) (int, error) {
	l, err := link(name)
	if err != nil {
		return 0, err
	}
	return l.Attrs().Index, nil
}

// EnablePromisc turns promiscuous mode on for name. The returned function
// turns it off again, unless it was already on before the call.
func EnablePromisc(name string) (restore func() error, err error) {
	l, err := link(name)
	if err != nil {
		return nil, err
	}
	if l.Attrs().Promisc != 0 {
		return func() error { return nil }, nil
	}
	if err := netlink.SetPromiscOn(l); err != nil {
		return nil, fmt.Errorf("enabling promiscuous mode on %s: %w", name, err)
	}
	return func() error {
		if err := netlink.SetPromiscOff(l); err != nil {
			return fmt.Errorf("disabling promiscuous mode on %s: %w", name, err)
		}
		return nil
	}, nil
}

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order, inspecting /sys/class/net/<iface>/queues.
func RXQueueIDs(name string) (ids []uint32, err error) {
	path := SysClassNet + "/" + name + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Devices returns the names of all network devices.
func Devices() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	slices.Sort(names)
	return names, nil
}
