package sandbox

import "github.com/sandkit/sandkit/internal/netns"

// Isolation is a coarse-grained preset a CLI front-end can offer instead
// of requiring callers to assemble a full Config by hand.
type Isolation int

const (
	Strict     Isolation = iota // isolated namespace, no outbound; no other setting differs from Standard
	Standard                    // isolated namespace, no outbound
	Network                     // isolated namespace, outbound via helper
	Privileged                  // outbound with host-loopback bridge
)

func (l Isolation) String() string {
	switch l {
	case Strict:
		return "strict"
	case Standard:
		return "standard"
	case Network:
		return "network"
	case Privileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// ParseIsolation converts a string to an Isolation, defaulting to
// Standard for unrecognized input.
func ParseIsolation(s string) Isolation {
	switch s {
	case "strict":
		return Strict
	case "standard":
		return Standard
	case "network":
		return Network
	case "privileged":
		return Privileged
	default:
		return Standard
	}
}

// NetworkMode maps an isolation preset to the network provisioner mode it
// implies.
func (l Isolation) NetworkMode() netns.Mode {
	switch l {
	case Network:
		return netns.ModeOutbound
	case Privileged:
		return netns.ModeOutboundHostLoopback
	default:
		return netns.ModeIsolated
	}
}
