package fib

import (
	"fmt"
	"log/slog"
)

// entData is the route metadata node. A trie leaf or a more specific
// node's parent link each hold one reference.
type entData struct {
	net    uint32
	mask   uint8
	nh     uint32
	parent uint32
	refcnt uint32
}

// newEntData allocates a node with no references. It takes ownership of
// the caller's reference on nh.
func (t *Table) newEntData(net uint32, mask uint8, nh uint32) (uint32, error) {
	ref, ok := t.routes.get(1)
	if !ok {
		return nilRef, fmt.Errorf("allocate route node: %w", ErrOutOfMemory)
	}

	d := t.routes.at(ref)
	d.net = net
	d.mask = mask
	d.nh = nh
	d.parent = nilRef

	return ref, nil
}

func (t *Table) holdEntData(ref uint32) {
	t.routes.at(ref).refcnt++
}

// putEntData drops one reference. At zero the node releases its parent
// (which may cascade up the chain), then its next hop, then its own slot.
func (t *Table) putEntData(ref uint32) {
	d := t.routes.at(ref)
	if d.refcnt == 0 {
		t.logger.Error("route node refcount underflow",
			slog.String("prefix", prefixString(d.net, d.mask)),
		)
		return
	}

	d.refcnt--
	if d.refcnt > 0 {
		return
	}

	if d.parent != nilRef {
		t.putEntData(d.parent)
		d.parent = nilRef
	}
	t.putNextHop(d.nh)
	t.routes.put(ref, 1)
}

// adoptParent makes p a parent of d, splicing it into d's chain if d
// already has one.
func (t *Table) adoptParent(d, p uint32) error {
	dd := t.routes.at(d)
	if dd.parent == nilRef {
		dd.parent = p
		t.holdEntData(p)
		return nil
	}
	return t.linkParent(d, p)
}

// linkParent inserts p into the parent chain starting at curr. The chain
// stays strictly ordered by descending mask. A chain member with p's mask
// makes the call a no-op. When p carries a chain of its own, the rest of
// curr's chain is merged into it.
func (t *Table) linkParent(curr, p uint32) error {
	pd := t.routes.at(p)
	prev := curr

	for {
		cd := t.routes.at(prev)
		if pd.mask >= cd.mask {
			return t.corrupted("parent is not less specific than child",
				slog.String("child", prefixString(cd.net, cd.mask)),
				slog.String("parent", prefixString(pd.net, pd.mask)),
			)
		}

		next := cd.parent
		if next == nilRef {
			cd.parent = p
			t.holdEntData(p)
			return nil
		}

		nd := t.routes.at(next)
		if nd.mask >= cd.mask {
			return t.corrupted("parent chain is not mask-descending",
				slog.String("child", prefixString(cd.net, cd.mask)),
				slog.String("parent", prefixString(nd.net, nd.mask)),
			)
		}

		if next == p || nd.mask == pd.mask {
			return nil
		}

		if nd.mask < pd.mask {
			t.holdEntData(p)
			cd.parent = p
			if pd.parent == nilRef {
				// prev's reference on next moves to p.
				pd.parent = next
				return nil
			}
			err := t.linkParent(p, next)
			t.putEntData(next)
			return err
		}

		prev = next
	}
}

// corrupted logs an invariant breach and returns ErrCorruptedState.
func (t *Table) corrupted(msg string, attrs ...any) error {
	t.logger.Error("fib invariant violated: "+msg, attrs...)
	return fmt.Errorf("%s: %w", msg, ErrCorruptedState)
}

func prefixString(net uint32, mask uint8) string {
	return fmt.Sprintf("%s/%d", u32ToAddr(net), mask)
}
