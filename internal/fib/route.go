package fib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Insertion errors.
var (
	// ErrOutOfMemory indicates a pool has no room for the insertion. Existing
	// routes are unaffected.
	ErrOutOfMemory = errors.New("fib pool exhausted")

	// ErrAlreadyExists indicates the exact prefix and length are installed.
	ErrAlreadyExists = errors.New("route already exists")

	// ErrInvalidArgument indicates a malformed route or table parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptedState indicates an internal invariant no longer holds.
	// The mutation that detected it is abandoned.
	ErrCorruptedState = errors.New("fib state corrupted")
)

// Lookup errors. They are preallocated and returned on the hot path.
var (
	// ErrMiss indicates neither a route nor a default route matched.
	ErrMiss = errors.New("no route to host")

	// ErrDrop indicates the matching route discards the packet.
	ErrDrop = errors.New("route action is drop")

	// ErrReceive indicates the matching route delivers the packet locally.
	ErrReceive = errors.New("route action is receive")
)

// -------------------------------------------------------------------------
// Action
// -------------------------------------------------------------------------

// Action is the forwarding decision bound to a next hop.
type Action uint8

const (
	// ActionForward sends the packet to a gateway through an egress port.
	ActionForward Action = iota + 1

	// ActionDrop discards the packet.
	ActionDrop

	// ActionReceive delivers the packet to the local host.
	ActionReceive
)

// ErrUnknownAction indicates an action name could not be parsed.
var ErrUnknownAction = errors.New("unknown route action, expected forward, drop or receive")

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	case ActionReceive:
		return "receive"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// ParseAction maps "forward", "drop" or "receive" (case-insensitive) to an
// Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "forward", "fwd":
		return ActionForward, nil
	case "drop", "blackhole":
		return ActionDrop, nil
	case "receive", "local":
		return ActionReceive, nil
	default:
		return 0, fmt.Errorf("parse action %q: %w", s, ErrUnknownAction)
	}
}

// err returns the lookup error for a non-forward action.
func (a Action) err() error {
	switch a {
	case ActionDrop:
		return ErrDrop
	case ActionReceive:
		return ErrReceive
	default:
		return ErrMiss
	}
}

// -------------------------------------------------------------------------
// Route and NextHop
// -------------------------------------------------------------------------

// Neighbor is an opaque handle to a neighbor resolution object. The table
// stores and returns it but never interprets, allocates or frees it.
type Neighbor any

// Route describes a prefix and its forwarding decision.
type Route struct {
	// Prefix is the destination network. Host bits must be zero only for
	// the default route; otherwise they are masked off.
	Prefix netip.Prefix

	// Action selects forward, drop or local delivery.
	Action Action

	// Gateway is the next-hop address for ActionForward.
	Gateway netip.Addr

	// Port is the egress port for ActionForward.
	Port uint16

	// Neighbor is the neighbor handle returned by Lookup.
	Neighbor Neighbor
}

func (r Route) String() string {
	if r.Action != ActionForward {
		return fmt.Sprintf("%s %s", r.Prefix, r.Action)
	}
	return fmt.Sprintf("%s via %s port %d", r.Prefix, r.Gateway, r.Port)
}

// NextHop is the result of a successful lookup.
type NextHop struct {
	Gateway  netip.Addr
	Port     uint16
	Neighbor Neighbor
}

// -------------------------------------------------------------------------
// Address helpers
// -------------------------------------------------------------------------

func addrToU32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func u32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// maskOf returns the network mask for a prefix length in [0,32].
func maskOf(bits uint8) uint32 {
	if bits == 0 {
		return 0
	}
	return ^uint32(0) << (32 - uint32(bits))
}
