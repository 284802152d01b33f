package fib

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
)

// -------------------------------------------------------------------------
// Dump
// -------------------------------------------------------------------------

// Dump writes every populated trie slot with its index path, the prefix it
// resolves to and the next hop. The default route is written first.
func (t *Table) Dump(w io.Writer) error {
	if t.def != nilRef {
		if _, err := fmt.Fprintf(w, "default %s\n", t.describe(t.def)); err != nil {
			return fmt.Errorf("dump default route: %w", err)
		}
	}

	path := make([]uint32, 0, numLevels)
	return t.dumpTable(w, t.root, 0, path)
}

func (t *Table) dumpTable(w io.Writer, tbl []entry, level int, path []uint32) error {
	for i, e := range tbl {
		switch e.kind {
		case kindInvalid:
			continue

		case kindTable:
			if err := t.dumpTable(w, t.subTable(level+1, e.idx), level+1, append(path, uint32(i))); err != nil {
				return err
			}

		case kindLeaf:
			if _, err := fmt.Fprintf(w, "%s %s\n", formatPath(append(path, uint32(i))), t.describe(e.idx)); err != nil {
				return fmt.Errorf("dump trie: %w", err)
			}
		}
	}
	return nil
}

func formatPath(path []uint32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range path {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", p)
	}
	b.WriteByte(']')
	return b.String()
}

// describe renders a route node with its next hop and parent chain.
func (t *Table) describe(ref uint32) string {
	d := t.routes.at(ref)
	nh := t.nextHop(d.nh)

	var b strings.Builder
	b.WriteString(prefixString(d.net, d.mask))
	if nh.action == ActionForward {
		fmt.Fprintf(&b, " via %s port %d", u32ToAddr(nh.gateway), nh.port)
	} else {
		fmt.Fprintf(&b, " %s", nh.action)
	}
	fmt.Fprintf(&b, " refcnt=%d", d.refcnt)

	for p := d.parent; p != nilRef; p = t.routes.at(p).parent {
		pd := t.routes.at(p)
		fmt.Fprintf(&b, " <- /%d", pd.mask)
	}

	return b.String()
}

// -------------------------------------------------------------------------
// Routes
// -------------------------------------------------------------------------

// Routes returns every installed route, the default route first and the
// rest ordered by address and then prefix length.
func (t *Table) Routes() []Route {
	seen := make(map[uint32]struct{})
	t.walkLeaves(t.root, 0, func(ref uint32) {
		for ; ref != nilRef; ref = t.routes.at(ref).parent {
			if _, ok := seen[ref]; ok {
				return
			}
			seen[ref] = struct{}{}
		}
	})

	routes := make([]Route, 0, len(seen)+1)
	for ref := range seen {
		routes = append(routes, t.route(ref))
	}
	slices.SortFunc(routes, func(a, b Route) int {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	})

	if t.def != nilRef {
		routes = slices.Insert(routes, 0, t.route(t.def))
	}

	return routes
}

func (t *Table) route(ref uint32) Route {
	d := t.routes.at(ref)
	nh := t.nextHop(d.nh)

	r := Route{
		Prefix: netip.PrefixFrom(u32ToAddr(d.net), int(d.mask)),
		Action: nh.action,
	}
	if nh.action == ActionForward {
		r.Gateway = u32ToAddr(nh.gateway)
		r.Port = nh.port
		r.Neighbor = nh.neighbor
	}
	return r
}

// walkLeaves calls fn for every leaf slot below tbl.
func (t *Table) walkLeaves(tbl []entry, level int, fn func(ref uint32)) {
	for _, e := range tbl {
		switch e.kind {
		case kindTable:
			t.walkLeaves(t.subTable(level+1, e.idx), level+1, fn)
		case kindLeaf:
			fn(e.idx)
		}
	}
}

// -------------------------------------------------------------------------
// Stats
// -------------------------------------------------------------------------

// PoolStats describes the usage of one pool.
type PoolStats struct {
	InUse    uint
	Capacity uint
}

// Stats is a snapshot of pool usage.
type Stats struct {
	// SubTables counts 16-entry sub-tables.
	SubTables PoolStats

	// RouteNodes counts route metadata nodes, one per installed prefix.
	RouteNodes PoolStats

	// NextHops counts pool-allocated forward next hops.
	NextHops PoolStats

	// DefaultRoute reports whether 0.0.0.0/0 is installed.
	DefaultRoute bool
}

// Stats returns current pool usage.
func (t *Table) Stats() Stats {
	return Stats{
		SubTables: PoolStats{
			InUse:    t.subs.index.InUse() / subTableSize,
			Capacity: t.subs.index.Cap() / subTableSize,
		},
		RouteNodes: PoolStats{
			InUse:    t.routes.index.InUse(),
			Capacity: t.routes.index.Cap(),
		},
		NextHops: PoolStats{
			InUse:    t.nhs.index.InUse(),
			Capacity: t.nhs.index.Cap(),
		},
		DefaultRoute: t.def != nilRef,
	}
}

// -------------------------------------------------------------------------
// Verify
// -------------------------------------------------------------------------

// Verify walks the whole table and checks that every reference count
// equals the number of trie slots and parent links pointing at the node,
// that parent chains are strictly mask-descending and nested, and that
// pool usage matches what is reachable. It returns ErrCorruptedState on
// the first violation.
func (t *Table) Verify() error {
	want := make(map[uint32]uint32)
	tables := uint(0)

	var count func(tbl []entry, level int)
	count = func(tbl []entry, level int) {
		for _, e := range tbl {
			switch e.kind {
			case kindTable:
				tables++
				count(t.subTable(level+1, e.idx), level+1)
			case kindLeaf:
				want[e.idx]++
			}
		}
	}
	count(t.root, 0)

	if t.def != nilRef {
		want[t.def]++
	}

	if got := t.subs.index.InUse(); got != tables*subTableSize {
		return t.corrupted("sub-table pool usage mismatch",
			slog.Uint64("in_use", uint64(got)),
			slog.Uint64("reachable", uint64(tables*subTableSize)),
		)
	}

	// Expand to every node reachable through parent links.
	nodes := make([]uint32, 0, len(want))
	for ref := range want {
		nodes = append(nodes, ref)
	}
	seen := make(map[uint32]struct{}, len(nodes))
	for len(nodes) > 0 {
		ref := nodes[len(nodes)-1]
		nodes = nodes[:len(nodes)-1]
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		d := t.routes.at(ref)
		if d.parent == nilRef {
			continue
		}
		p := t.routes.at(d.parent)
		if p.mask >= d.mask || (d.net&maskOf(p.mask)) != p.net {
			return t.corrupted("parent does not enclose child",
				slog.String("child", prefixString(d.net, d.mask)),
				slog.String("parent", prefixString(p.net, p.mask)),
			)
		}
		want[d.parent]++
		nodes = append(nodes, d.parent)
	}

	nhWant := make(map[uint32]uint32)
	for ref := range seen {
		d := t.routes.at(ref)
		if d.refcnt != want[ref] {
			return t.corrupted("route node refcount mismatch",
				slog.String("prefix", prefixString(d.net, d.mask)),
				slog.Uint64("refcnt", uint64(d.refcnt)),
				slog.Uint64("references", uint64(want[ref])),
			)
		}
		nhWant[d.nh]++
	}

	if got := t.routes.index.InUse(); got != uint(len(seen)) {
		return t.corrupted("route node pool usage mismatch",
			slog.Uint64("in_use", uint64(got)),
			slog.Int("reachable", len(seen)),
		)
	}

	forward := uint(0)
	for ref, n := range nhWant {
		if ref != dropRef && ref != recvRef {
			forward++
		}
		if got := t.nextHop(ref).refcnt; got != n {
			return t.corrupted("next hop refcount mismatch",
				slog.Uint64("refcnt", uint64(got)),
				slog.Uint64("references", uint64(n)),
			)
		}
	}
	if t.dropNH.refcnt != nhWant[dropRef] || t.recvNH.refcnt != nhWant[recvRef] {
		return t.corrupted("singleton next hop refcount mismatch",
			slog.Uint64("drop", uint64(t.dropNH.refcnt)),
			slog.Uint64("receive", uint64(t.recvNH.refcnt)),
		)
	}
	if got := t.nhs.index.InUse(); got != forward {
		return t.corrupted("next hop pool usage mismatch",
			slog.Uint64("in_use", uint64(got)),
			slog.Uint64("reachable", uint64(forward)),
		)
	}

	return nil
}
