package fib

import (
	"fmt"
	"log/slog"
	"math"
)

// Reserved references. Pool indices never reach these values because New
// rejects capacities that large.
const (
	nilRef  uint32 = math.MaxUint32
	dropRef uint32 = math.MaxUint32 - 1
	recvRef uint32 = math.MaxUint32 - 2

	maxPoolSize = math.MaxUint32 - 3
)

// nextHop is the forwarding decision shared by every route resolving to it.
type nextHop struct {
	action   Action
	gateway  uint32
	port     uint16
	neighbor Neighbor
	refcnt   uint32
}

// nextHop resolves a reference. Drop and receive map to the per-table
// singletons.
func (t *Table) nextHop(ref uint32) *nextHop {
	switch ref {
	case dropRef:
		return &t.dropNH
	case recvRef:
		return &t.recvNH
	default:
		return t.nhs.at(ref)
	}
}

// newNextHop returns a reference to a next hop for r holding one reference
// for the caller. Drop and receive share the singletons; forward next hops
// come from the pool.
func (t *Table) newNextHop(r Route) (uint32, error) {
	switch r.Action {
	case ActionDrop:
		t.dropNH.refcnt++
		return dropRef, nil
	case ActionReceive:
		t.recvNH.refcnt++
		return recvRef, nil
	case ActionForward:
	default:
		return nilRef, fmt.Errorf("next hop action %s: %w", r.Action, ErrInvalidArgument)
	}

	ref, ok := t.nhs.get(1)
	if !ok {
		return nilRef, fmt.Errorf("allocate next hop: %w", ErrOutOfMemory)
	}

	nh := t.nhs.at(ref)
	nh.action = ActionForward
	nh.gateway = addrToU32(r.Gateway)
	nh.port = r.Port
	nh.neighbor = r.Neighbor
	nh.refcnt = 1

	return ref, nil
}

// putNextHop drops one reference. A forward next hop returns to the pool
// when its count reaches zero; the singletons are only counted.
func (t *Table) putNextHop(ref uint32) {
	nh := t.nextHop(ref)
	if nh.refcnt == 0 {
		t.logger.Error("next hop refcount underflow",
			slog.Uint64("ref", uint64(ref)),
			slog.String("action", nh.action.String()),
		)
		return
	}

	nh.refcnt--
	if nh.refcnt > 0 || nh.action != ActionForward {
		return
	}

	nh.neighbor = nil
	if !t.nhs.put(ref, 1) {
		t.logger.Error("next hop released twice", slog.Uint64("ref", uint64(ref)))
	}
}
