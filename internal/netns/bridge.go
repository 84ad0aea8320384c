package netns

import (
	"errors"
	"fmt"
	"os"

	"github.com/vishvananda/netlink"

	"github.com/sandkit/sandkit/internal/logger"
)

// loopbackBridgeName is kept short to respect IFNAMSIZ (15 bytes).
const loopbackBridgeName = "sk-lo0"

// sandboxLoopbackAddr is the address the sandbox side of the veth pair
// gets in outbound-with-host-loopback mode.
const sandboxLoopbackAddr = "169.254.118.1/30"

// bridgeLoopback creates a veth pair in the namespace this process has
// already joined, assigns sandboxLoopbackAddr to the sandbox-side end and
// brings it up. Must be called after Set(targetNS).
//
// Both ends of the pair are created in the joined namespace: the "-h"
// peer is not moved into the host's namespace and is not attached to any
// bridge, so the pair by itself gives the sandbox no route to the host's
// loopback interface.
func bridgeLoopback() error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: loopbackBridgeName},
		PeerName:  loopbackBridgeName + "-h",
	}
	if err := netlink.LinkAdd(veth); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("netns: add veth pair: %w", err)
	}

	link, err := netlink.LinkByName(loopbackBridgeName)
	if err != nil {
		return fmt.Errorf("netns: lookup sandbox veth end: %w", err)
	}

	addr, err := netlink.ParseAddr(sandboxLoopbackAddr)
	if err != nil {
		return fmt.Errorf("netns: parse sandbox loopback addr: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("netns: assign sandbox loopback addr: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netns: bring up sandbox veth end: %w", err)
	}

	logger.Log.Info("netns: loopback bridge ready", "link", loopbackBridgeName, "addr", sandboxLoopbackAddr)
	return nil
}
