package fib

import (
	"fmt"
	"log/slog"
	"net/netip"
)

// -------------------------------------------------------------------------
// Layout
// -------------------------------------------------------------------------

// levelBits is the stride of each trie level, most significant bits first.
var levelBits = [...]uint8{16, 4, 4, 4, 4}

const (
	numLevels = len(levelBits)

	// subTableSize is the number of entries in every table below the root.
	subTableSize = 1 << 4

	rootTableSize = 1 << 16
)

type entryKind uint8

const (
	kindInvalid entryKind = iota
	kindTable
	kindLeaf
)

// entry is one trie slot. For kindTable idx is the base of a sub-table in
// the sub-table arena; for kindLeaf it is a route node reference.
type entry struct {
	kind entryKind
	idx  uint32
}

// slotIndex extracts the bits of addr consumed by a level starting at bitoff.
func slotIndex(addr uint32, bitoff, bits uint8) uint32 {
	return (addr << bitoff) >> (32 - bits)
}

// -------------------------------------------------------------------------
// Table
// -------------------------------------------------------------------------

// Config holds the fixed pool capacities of a Table.
type Config struct {
	// SubTables is the number of 16-entry sub-tables below the root.
	SubTables uint

	// Routes is the number of route nodes, one per installed prefix.
	Routes uint

	// NextHops is the number of forward next hops. Drop and receive next
	// hops do not consume pool slots.
	NextHops uint
}

// DefaultConfig returns capacities suited to a few tens of thousands of
// routes.
func DefaultConfig() Config {
	return Config{
		SubTables: 16384,
		Routes:    65536,
		NextHops:  65536,
	}
}

// Option configures optional Table parameters.
type Option func(*Table)

// WithLogger sets the logger used on the control path.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Table is an IPv4 forwarding table.
//
// Table is not safe for concurrent use. AddRoute must not run while any
// other method is in flight; see Shared for a locked wrapper.
type Table struct {
	root   []entry
	subs   arena[entry]
	routes arena[entData]
	nhs    arena[nextHop]

	dropNH nextHop
	recvNH nextHop

	// def is the 0.0.0.0/0 route node, held outside the trie.
	def uint32

	logger *slog.Logger
}

// New allocates the root table and all pools. Nothing is allocated after
// New returns.
func New(cfg Config, opts ...Option) (*Table, error) {
	if cfg.SubTables == 0 || cfg.Routes == 0 || cfg.NextHops == 0 {
		return nil, fmt.Errorf("new table: capacities must be nonzero: %w", ErrInvalidArgument)
	}
	if cfg.SubTables > maxPoolSize/subTableSize || cfg.Routes > maxPoolSize || cfg.NextHops > maxPoolSize {
		return nil, fmt.Errorf("new table: capacity too large: %w", ErrInvalidArgument)
	}

	t := &Table{
		root:   make([]entry, rootTableSize),
		subs:   newArena[entry](cfg.SubTables * subTableSize),
		routes: newArena[entData](cfg.Routes),
		nhs:    newArena[nextHop](cfg.NextHops),
		dropNH: nextHop{action: ActionDrop},
		recvNH: nextHop{action: ActionReceive},
		def:    nilRef,
		logger: noopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "fib.table"))

	return t, nil
}

func noopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// subTable returns the table at level whose first entry is base.
func (t *Table) subTable(level int, base uint32) []entry {
	if level == 0 {
		return t.root
	}
	return t.subs.slots[base : base+uint32(1)<<levelBits[level]]
}

// -------------------------------------------------------------------------
// Insertion
// -------------------------------------------------------------------------

// insertion carries the parameters shared by every level of one AddRoute.
type insertion struct {
	net      uint32
	data     uint32
	maskbits uint8
}

// AddRoute installs r.
//
// The default route (prefix length 0) is kept outside the trie and is
// replaced in place when added again. Any other prefix that is already
// installed yields ErrAlreadyExists and leaves the table unchanged.
// ErrOutOfMemory is returned before any mutation.
func (t *Table) AddRoute(r Route) error {
	if err := validateRoute(r); err != nil {
		return fmt.Errorf("add route %s: %w", r.Prefix, err)
	}

	ip := addrToU32(r.Prefix.Addr())
	maskbits := uint8(r.Prefix.Bits())

	if maskbits == 0 {
		if err := t.addDefault(ip, r); err != nil {
			return fmt.Errorf("add default route: %w", err)
		}
		return nil
	}

	net := ip & maskOf(maskbits)
	if t.contains(net, maskbits) {
		return fmt.Errorf("add route %s: %w", prefixString(net, maskbits), ErrAlreadyExists)
	}

	if need := t.subTablesNeeded(net, maskbits); need*subTableSize > t.subs.index.Available() {
		return fmt.Errorf("add route %s: %d sub-tables needed: %w",
			prefixString(net, maskbits), need, ErrOutOfMemory)
	}

	nh, err := t.newNextHop(r)
	if err != nil {
		return fmt.Errorf("add route %s: %w", prefixString(net, maskbits), err)
	}

	data, err := t.newEntData(net, maskbits, nh)
	if err != nil {
		t.putNextHop(nh)
		return fmt.Errorf("add route %s: %w", prefixString(net, maskbits), err)
	}

	// Hold the node for the duration of the walk. Dropping this reference
	// afterwards frees it if nothing in the trie took one.
	t.holdEntData(data)
	ins := &insertion{net: net, data: data, maskbits: maskbits}
	err = t.addSubentry(ins, t.root, 0, 0)
	t.putEntData(data)

	if err != nil {
		return fmt.Errorf("add route %s: %w", prefixString(net, maskbits), err)
	}

	t.logger.Debug("route installed",
		slog.String("prefix", prefixString(net, maskbits)),
		slog.String("action", r.Action.String()),
	)

	return nil
}

func validateRoute(r Route) error {
	if !r.Prefix.IsValid() || !r.Prefix.Addr().Is4() {
		return fmt.Errorf("prefix is not IPv4: %w", ErrInvalidArgument)
	}
	if r.Action == ActionForward && !r.Gateway.Is4() {
		return fmt.Errorf("forward route needs an IPv4 gateway: %w", ErrInvalidArgument)
	}
	return nil
}

// addDefault installs or replaces the 0.0.0.0/0 route. It never touches
// the trie.
func (t *Table) addDefault(ip uint32, r Route) error {
	if ip != 0 {
		return fmt.Errorf("default route has host bits set: %w", ErrInvalidArgument)
	}

	nh, err := t.newNextHop(r)
	if err != nil {
		return err
	}

	if t.def == nilRef {
		data, err := t.newEntData(0, 0, nh)
		if err != nil {
			t.putNextHop(nh)
			return err
		}
		t.holdEntData(data)
		t.def = data
		t.logger.Debug("default route installed", slog.String("action", r.Action.String()))
		return nil
	}

	d := t.routes.at(t.def)
	old := d.nh
	d.nh = nh
	t.putNextHop(old)
	t.logger.Debug("default route replaced", slog.String("action", r.Action.String()))

	return nil
}

// contains reports whether net/maskbits is installed. Every leaf inside an
// installed prefix carries that prefix in its parent chain, so the first
// leaf on the path to net decides.
func (t *Table) contains(net uint32, maskbits uint8) bool {
	tbl := t.root
	var bitoff uint8

	for level, bits := range levelBits {
		e := tbl[slotIndex(net, bitoff, bits)]
		switch e.kind {
		case kindInvalid:
			return false
		case kindLeaf:
			return t.chainHasMask(e.idx, maskbits)
		}
		if level+1 == numLevels {
			return false
		}
		tbl = t.subTable(level+1, e.idx)
		bitoff += bits
	}

	return false
}

func (t *Table) chainHasMask(ref uint32, mask uint8) bool {
	for ref != nilRef {
		d := t.routes.at(ref)
		if d.mask == mask {
			return true
		}
		if d.mask < mask {
			return false
		}
		ref = d.parent
	}
	return false
}

// subTablesNeeded counts the sub-tables AddRoute will allocate for
// net/maskbits. Along the path every slot above the terminating level that
// is not already a sub-table gets expanded.
func (t *Table) subTablesNeeded(net uint32, maskbits uint8) uint {
	tbl := t.root
	var bitoff uint8

	for level, bits := range levelBits {
		if bitoff+bits >= maskbits {
			return 0
		}
		e := tbl[slotIndex(net, bitoff, bits)]
		if e.kind != kindTable {
			var n uint
			for l, off := level, bitoff; off+levelBits[l] < maskbits; l++ {
				n++
				off += levelBits[l]
			}
			return n
		}
		tbl = t.subTable(level+1, e.idx)
		bitoff += bits
	}

	return 0
}

// slotRange returns the slots a prefix covers in one level. A prefix that
// ends inside the level covers an aligned block of slots.
func slotRange(net uint32, bitoff, bits, currbits uint8) (begin, end uint32) {
	begin = slotIndex(net, bitoff, bits)
	if currbits >= bits {
		return begin, begin + 1
	}
	span := uint32(1) << (bits - currbits)
	begin &^= span - 1
	return begin, begin + span
}

// addSubentry installs ins into tbl at level and recurses as deep as the
// prefix requires.
func (t *Table) addSubentry(ins *insertion, tbl []entry, level int, bitoff uint8) error {
	if level >= numLevels {
		return fmt.Errorf("trie level %d: %w", level, ErrInvalidArgument)
	}

	bits := levelBits[level]
	begin, end := slotRange(ins.net, bitoff, bits, ins.maskbits-bitoff)
	deeper := bitoff+bits < ins.maskbits

	for i := begin; i < end; i++ {
		e := &tbl[i]

		var err error
		switch e.kind {
		case kindInvalid:
			if deeper {
				err = t.newSubentry(ins, e, level, bitoff, nilRef)
			} else {
				t.setLeaf(e, ins.data)
			}

		case kindTable:
			if deeper {
				err = t.addSubentry(ins, t.subTable(level+1, e.idx), level+1, bitoff+bits)
			} else {
				err = t.updSubentry(ins, t.subTable(level+1, e.idx), level+1)
			}

		case kindLeaf:
			err = t.addOverLeaf(ins, e, level, bitoff, deeper)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// addOverLeaf handles a slot already holding a concrete route.
func (t *Table) addOverLeaf(ins *insertion, e *entry, level int, bitoff uint8, deeper bool) error {
	old := e.idx
	oldMask := t.routes.at(old).mask

	switch {
	case oldMask > ins.maskbits:
		return t.linkParent(old, ins.data)

	case oldMask == ins.maskbits:
		return ErrAlreadyExists

	case !deeper:
		return t.supersede(e, ins.data)

	default:
		// Push the existing route down into a fresh sub-table.
		return t.newSubentry(ins, e, level, bitoff, old)
	}
}

// newSubentry expands e into a new sub-table, fills every slot of it with
// fill (or leaves them invalid for nilRef) and continues the insertion one
// level down.
func (t *Table) newSubentry(ins *insertion, e *entry, level int, bitoff uint8, fill uint32) error {
	if level+1 >= numLevels {
		return t.corrupted("expansion below the last level",
			slog.String("prefix", prefixString(ins.net, ins.maskbits)),
		)
	}

	size := uint(1) << levelBits[level+1]
	base, ok := t.subs.get(size)
	if !ok {
		// subTablesNeeded reserved room for this; running out here means
		// the accounting is off.
		t.logger.Error("sub-table pool exhausted mid-insertion",
			slog.String("prefix", prefixString(ins.net, ins.maskbits)),
		)
		return fmt.Errorf("allocate sub-table: %w", ErrOutOfMemory)
	}

	child := t.subTable(level+1, base)
	if fill != nilRef {
		for i := range child {
			t.setLeaf(&child[i], fill)
		}
	}

	prev := *e
	*e = entry{kind: kindTable, idx: base}
	if prev.kind == kindLeaf {
		t.putEntData(prev.idx)
	}

	return t.addSubentry(ins, child, level+1, bitoff+levelBits[level])
}

// updSubentry pushes a prefix that ends above tbl into every slot of tbl:
// empty slots take it, less specific leaves are superseded and more
// specific leaves get it linked into their parent chain.
func (t *Table) updSubentry(ins *insertion, tbl []entry, level int) error {
	for i := range tbl {
		e := &tbl[i]

		var err error
		switch e.kind {
		case kindInvalid:
			t.setLeaf(e, ins.data)

		case kindTable:
			if level+1 >= numLevels {
				return t.corrupted("sub-table below the last level",
					slog.String("prefix", prefixString(ins.net, ins.maskbits)),
				)
			}
			err = t.updSubentry(ins, t.subTable(level+1, e.idx), level+1)

		case kindLeaf:
			oldMask := t.routes.at(e.idx).mask
			switch {
			case oldMask > ins.maskbits:
				err = t.linkParent(e.idx, ins.data)
			case oldMask == ins.maskbits:
				err = ErrAlreadyExists
			default:
				err = t.supersede(e, ins.data)
			}
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// supersede replaces a less specific leaf with data. The replaced route
// becomes a parent of data.
func (t *Table) supersede(e *entry, data uint32) error {
	old := e.idx
	if err := t.adoptParent(data, old); err != nil {
		return err
	}
	t.setLeaf(e, data)
	t.putEntData(old)
	return nil
}

func (t *Table) setLeaf(e *entry, data uint32) {
	t.holdEntData(data)
	*e = entry{kind: kindLeaf, idx: data}
}

// -------------------------------------------------------------------------
// Lookup
// -------------------------------------------------------------------------

// Lookup resolves dst to a next hop. It returns ErrMiss when no route and
// no default route match, ErrDrop or ErrReceive when the matching route
// does not forward. Lookup does not allocate.
func (t *Table) Lookup(dst netip.Addr) (NextHop, error) {
	if !dst.Is4() {
		return NextHop{}, ErrMiss
	}

	nh, err := t.lookup(addrToU32(dst))
	if err != nil {
		return NextHop{}, err
	}

	return NextHop{
		Gateway:  u32ToAddr(nh.gateway),
		Port:     nh.port,
		Neighbor: nh.neighbor,
	}, nil
}

// lookup walks the trie without backtracking. An invalid slot falls back to
// the default route immediately.
func (t *Table) lookup(daddr uint32) (*nextHop, error) {
	tbl := t.root
	var bitoff uint8

	for level, bits := range levelBits {
		e := tbl[slotIndex(daddr, bitoff, bits)]
		switch e.kind {
		case kindInvalid:
			return t.resolve(t.def)
		case kindLeaf:
			return t.resolve(e.idx)
		}
		if level+1 == numLevels {
			break
		}
		tbl = t.subTable(level+1, e.idx)
		bitoff += bits
	}

	return nil, ErrMiss
}

func (t *Table) resolve(ref uint32) (*nextHop, error) {
	if ref == nilRef {
		return nil, ErrMiss
	}
	nh := t.nextHop(t.routes.at(ref).nh)
	if nh.action != ActionForward {
		return nil, nh.action.err()
	}
	return nh, nil
}
