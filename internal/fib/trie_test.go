package fib_test

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/gofib/internal/fib"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// netipCmp compares netip values by equality; they carry unexported fields.
var netipCmp = cmp.Options{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
}

func testConfig() fib.Config {
	return fib.Config{SubTables: 1024, Routes: 4096, NextHops: 4096}
}

func newTestTable(t testing.TB, cfg fib.Config) *fib.Table {
	t.Helper()

	tbl, err := fib.New(cfg, fib.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("fib.New: %v", err)
	}
	return tbl
}

func forward(prefix, gw string, port uint16) fib.Route {
	return fib.Route{
		Prefix:  netip.MustParsePrefix(prefix),
		Action:  fib.ActionForward,
		Gateway: netip.MustParseAddr(gw),
		Port:    port,
	}
}

func drop(prefix string) fib.Route {
	return fib.Route{Prefix: netip.MustParsePrefix(prefix), Action: fib.ActionDrop}
}

func receive(prefix string) fib.Route {
	return fib.Route{Prefix: netip.MustParsePrefix(prefix), Action: fib.ActionReceive}
}

func mustAdd(t testing.TB, tbl *fib.Table, routes ...fib.Route) {
	t.Helper()

	for _, r := range routes {
		if err := tbl.AddRoute(r); err != nil {
			t.Fatalf("AddRoute(%s): %v", r, err)
		}
	}
}

func mustVerify(t testing.TB, tbl *fib.Table) {
	t.Helper()

	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// lookupResult flattens a lookup into a comparable string.
func lookupResult(tbl *fib.Table, addr netip.Addr) string {
	nh, err := tbl.Lookup(addr)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s:%d", nh.Gateway, nh.Port)
}

func expectForward(t *testing.T, tbl *fib.Table, addr, gw string, port uint16) {
	t.Helper()

	nh, err := tbl.Lookup(netip.MustParseAddr(addr))
	if err != nil {
		t.Fatalf("Lookup(%s): unexpected error %v", addr, err)
	}
	if nh.Gateway != netip.MustParseAddr(gw) || nh.Port != port {
		t.Errorf("Lookup(%s) = %s port %d, want %s port %d", addr, nh.Gateway, nh.Port, gw, port)
	}
}

func expectErr(t *testing.T, tbl *fib.Table, addr string, want error) {
	t.Helper()

	_, err := tbl.Lookup(netip.MustParseAddr(addr))
	if !errors.Is(err, want) {
		t.Errorf("Lookup(%s) error = %v, want %v", addr, err, want)
	}
}

// -------------------------------------------------------------------------
// Construction
// -------------------------------------------------------------------------

func TestNewRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  fib.Config
	}{
		{name: "no sub-tables", cfg: fib.Config{Routes: 1, NextHops: 1}},
		{name: "no routes", cfg: fib.Config{SubTables: 1, NextHops: 1}},
		{name: "no next hops", cfg: fib.Config{SubTables: 1, Routes: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := fib.New(tt.cfg); !errors.Is(err, fib.ErrInvalidArgument) {
				t.Errorf("New(%+v) error = %v, want ErrInvalidArgument", tt.cfg, err)
			}
		})
	}
}

func TestEmptyTableMisses(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())

	expectErr(t, tbl, "10.0.0.1", fib.ErrMiss)
	expectErr(t, tbl, "255.255.255.255", fib.ErrMiss)
	expectErr(t, tbl, "0.0.0.0", fib.ErrMiss)

	if _, err := tbl.Lookup(netip.MustParseAddr("2001:db8::1")); !errors.Is(err, fib.ErrMiss) {
		t.Errorf("IPv6 lookup error = %v, want ErrMiss", err)
	}
	mustVerify(t, tbl)
}

// -------------------------------------------------------------------------
// Lookup semantics
// -------------------------------------------------------------------------

// TestRouteScenario is the reference scenario: a drop default route with a
// /16 and a more specific /24 inside it.
func TestRouteScenario(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl,
		drop("0.0.0.0/0"),
		forward("192.168.0.0/16", "192.168.1.1", 0),
		forward("192.168.1.0/24", "192.168.1.254", 1),
	)

	expectForward(t, tbl, "192.168.1.5", "192.168.1.254", 1)
	expectForward(t, tbl, "192.168.2.5", "192.168.1.1", 0)
	expectErr(t, tbl, "10.0.0.1", fib.ErrDrop)
	mustVerify(t, tbl)
}

func TestDefaultRouteFallback(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, drop("0.0.0.0/0"))

	for _, addr := range []string{"1.2.3.4", "10.0.0.1", "203.0.113.9", "255.255.255.255"} {
		expectErr(t, tbl, addr, fib.ErrDrop)
	}

	mustAdd(t, tbl, forward("198.51.100.0/24", "192.0.2.1", 3))

	expectForward(t, tbl, "198.51.100.0", "192.0.2.1", 3)
	expectForward(t, tbl, "198.51.100.255", "192.0.2.1", 3)
	expectErr(t, tbl, "198.51.101.0", fib.ErrDrop)
	expectErr(t, tbl, "198.51.99.255", fib.ErrDrop)
	mustVerify(t, tbl)
}

func TestDefaultRouteReplacedInPlace(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, drop("0.0.0.0/0"))
	mustAdd(t, tbl, forward("0.0.0.0/0", "192.0.2.1", 7))

	expectForward(t, tbl, "8.8.8.8", "192.0.2.1", 7)

	st := tbl.Stats()
	if st.RouteNodes.InUse != 1 || st.NextHops.InUse != 1 {
		t.Errorf("after replace: route nodes %d, next hops %d, want 1 and 1",
			st.RouteNodes.InUse, st.NextHops.InUse)
	}

	mustAdd(t, tbl, receive("0.0.0.0/0"))
	expectErr(t, tbl, "8.8.8.8", fib.ErrReceive)
	if got := tbl.Stats().NextHops.InUse; got != 0 {
		t.Errorf("forward next hop not released: %d in use", got)
	}
	mustVerify(t, tbl)
}

func TestDefaultRouteHostBits(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())

	err := tbl.AddRoute(fib.Route{
		Prefix: netip.PrefixFrom(netip.MustParseAddr("10.0.0.1"), 0),
		Action: fib.ActionDrop,
	})
	if !errors.Is(err, fib.ErrInvalidArgument) {
		t.Fatalf("AddRoute(10.0.0.1/0) error = %v, want ErrInvalidArgument", err)
	}
	expectErr(t, tbl, "10.0.0.1", fib.ErrMiss)
	mustVerify(t, tbl)
}

func TestDefaultRouteBypassesTrie(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, forward("0.0.0.0/0", "192.0.2.1", 0))

	st := tbl.Stats()
	if st.SubTables.InUse != 0 {
		t.Errorf("default route allocated %d sub-tables", st.SubTables.InUse)
	}
	if !st.DefaultRoute {
		t.Error("Stats.DefaultRoute = false after adding 0.0.0.0/0")
	}

	var buf strings.Builder
	if err := tbl.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "default ") {
		t.Errorf("Dump shows trie slots for a default-only table:\n%s", buf.String())
	}
}

func TestNonForwardActions(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl,
		receive("10.0.0.1/32"),
		drop("10.0.0.0/8"),
		forward("10.1.0.0/16", "192.0.2.1", 2),
	)

	expectErr(t, tbl, "10.0.0.1", fib.ErrReceive)
	expectErr(t, tbl, "10.0.0.2", fib.ErrDrop)
	expectErr(t, tbl, "10.200.0.1", fib.ErrDrop)
	expectForward(t, tbl, "10.1.2.3", "192.0.2.1", 2)
	expectErr(t, tbl, "11.0.0.1", fib.ErrMiss)

	if got := tbl.Stats().NextHops.InUse; got != 1 {
		t.Errorf("pool next hops = %d, want 1 (drop and receive are singletons)", got)
	}
	mustVerify(t, tbl)
}

func TestNeighborHandleReturned(t *testing.T) {
	t.Parallel()

	type neighbor struct{ mac string }
	n := &neighbor{mac: "02:00:00:00:00:01"}

	tbl := newTestTable(t, testConfig())
	r := forward("203.0.113.0/24", "203.0.113.1", 4)
	r.Neighbor = n
	mustAdd(t, tbl, r)

	nh, err := tbl.Lookup(netip.MustParseAddr("203.0.113.77"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got, ok := nh.Neighbor.(*neighbor); !ok || got != n {
		t.Errorf("Neighbor = %#v, want the inserted handle", nh.Neighbor)
	}
}

// -------------------------------------------------------------------------
// Boundary masks
// -------------------------------------------------------------------------

func TestHostRoute(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, forward("10.1.2.3/32", "192.0.2.1", 9))

	expectForward(t, tbl, "10.1.2.3", "192.0.2.1", 9)
	expectErr(t, tbl, "10.1.2.2", fib.ErrMiss)
	expectErr(t, tbl, "10.1.2.4", fib.ErrMiss)
	expectErr(t, tbl, "10.1.3.3", fib.ErrMiss)

	if got := tbl.Stats().SubTables.InUse; got != 4 {
		t.Errorf("/32 used %d sub-tables, want 4", got)
	}
	mustVerify(t, tbl)
}

func TestShortPrefixCoversRootBlock(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, forward("128.0.0.0/1", "192.0.2.1", 1))

	expectForward(t, tbl, "128.0.0.0", "192.0.2.1", 1)
	expectForward(t, tbl, "255.255.255.255", "192.0.2.1", 1)
	expectErr(t, tbl, "127.255.255.255", fib.ErrMiss)

	if got := tbl.Stats().SubTables.InUse; got != 0 {
		t.Errorf("/1 used %d sub-tables, want 0", got)
	}
	mustVerify(t, tbl)
}

func TestHostBitsMasked(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, testConfig())
	mustAdd(t, tbl, fib.Route{
		Prefix:  netip.PrefixFrom(netip.MustParseAddr("10.9.8.7"), 16),
		Action:  fib.ActionForward,
		Gateway: netip.MustParseAddr("192.0.2.1"),
	})

	expectForward(t, tbl, "10.9.0.1", "192.0.2.1", 0)

	err := tbl.AddRoute(forward("10.9.0.0/16", "192.0.2.2", 0))
	if !errors.Is(err, fib.ErrAlreadyExists) {
		t.Errorf("re-adding masked prefix: error = %v, want ErrAlreadyExists", err)
	}

	routes := tbl.Routes()
	if len(routes) != 1 || routes[0].Prefix != netip.MustParsePrefix("10.9.0.0/16") {
		t.Errorf("Routes() = %v, want [10.9.0.0/16]", routes)
	}
}

func TestInvalidRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		route fib.Route
	}{
		{name: "zero prefix", route: fib.Route{Action: fib.ActionDrop}},
		{name: "IPv6 prefix", route: fib.Route{Prefix: netip.MustParsePrefix("2001:db8::/32"), Action: fib.ActionDrop}},
		{name: "forward without gateway", route: fib.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Action: fib.ActionForward}},
		{name: "unknown action", route: fib.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Action: 42}},
		{name: "mask too long", route: fib.Route{Prefix: netip.PrefixFrom(netip.MustParseAddr("10.0.0.0"), 33), Action: fib.ActionDrop}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tbl := newTestTable(t, testConfig())
			if err := tbl.AddRoute(tt.route); !errors.Is(err, fib.ErrInvalidArgument) {
				t.Errorf("AddRoute error = %v, want ErrInvalidArgument", err)
			}
			if st := tbl.Stats(); st.RouteNodes.InUse != 0 || st.NextHops.InUse != 0 {
				t.Errorf("rejected route leaked pool slots: %+v", st)
			}
		})
	}
}

// -------------------------------------------------------------------------
// Duplicates and ordering
// -------------------------------------------------------------------------

func TestDuplicateRejected(t *testing.T) {
	t.Parallel()

	prefixes := []string{"10.0.0.0/8", "10.1.0.0/16", "10.1.2.0/24", "10.1.2.128/25", "10.1.2.3/32", "10.64.0.0/10"}

	for _, dup := range prefixes {
		t.Run(dup, func(t *testing.T) {
			t.Parallel()

			tbl := newTestTable(t, testConfig())
			for i, p := range prefixes {
				mustAdd(t, tbl, forward(p, "192.0.2.1", uint16(i)))
			}

			var before strings.Builder
			if err := tbl.Dump(&before); err != nil {
				t.Fatalf("Dump: %v", err)
			}
			statsBefore := tbl.Stats()

			err := tbl.AddRoute(forward(dup, "198.51.100.1", 99))
			if !errors.Is(err, fib.ErrAlreadyExists) {
				t.Fatalf("second AddRoute(%s) error = %v, want ErrAlreadyExists", dup, err)
			}

			var after strings.Builder
			if err := tbl.Dump(&after); err != nil {
				t.Fatalf("Dump: %v", err)
			}
			if diff := cmp.Diff(before.String(), after.String()); diff != "" {
				t.Errorf("table changed after duplicate insert (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(statsBefore, tbl.Stats()); diff != "" {
				t.Errorf("stats changed after duplicate insert (-before +after):\n%s", diff)
			}
			mustVerify(t, tbl)
		})
	}
}

func TestInsertionOrderIndependence(t *testing.T) {
	t.Parallel()

	a := newTestTable(t, testConfig())
	mustAdd(t, a,
		forward("10.0.0.0/8", "192.0.2.8", 8),
		forward("10.1.0.0/16", "192.0.2.16", 6),
	)

	b := newTestTable(t, testConfig())
	mustAdd(t, b,
		forward("10.1.0.0/16", "192.0.2.16", 6),
		forward("10.0.0.0/8", "192.0.2.8", 8),
	)

	for second := 0; second < 256; second++ {
		for _, third := range []int{0, 1, 17, 128, 255} {
			addr := netip.AddrFrom4([4]byte{10, byte(second), byte(third), byte(second ^ third)})
			if ra, rb := lookupResult(a, addr), lookupResult(b, addr); ra != rb {
				t.Fatalf("Lookup(%s): %q in one order, %q in the other", addr, ra, rb)
			}
		}
	}

	if diff := cmp.Diff(a.Routes(), b.Routes(), netipCmp); diff != "" {
		t.Errorf("Routes differ by insertion order (-a +b):\n%s", diff)
	}
	mustVerify(t, a)
	mustVerify(t, b)
}

func TestNestedPrefixesAllOrders(t *testing.T) {
	t.Parallel()

	routes := []fib.Route{
		forward("172.16.0.0/12", "192.0.2.12", 12),
		forward("172.16.0.0/16", "192.0.2.16", 16),
		forward("172.16.4.0/22", "192.0.2.22", 22),
		forward("172.16.5.0/24", "192.0.2.24", 24),
		forward("172.16.5.64/26", "192.0.2.26", 26),
	}
	probes := []struct {
		addr string
		gw   string
	}{
		{"172.31.0.1", "192.0.2.12"},
		{"172.16.200.1", "192.0.2.16"},
		{"172.16.4.1", "192.0.2.22"},
		{"172.16.7.255", "192.0.2.22"},
		{"172.16.5.1", "192.0.2.24"},
		{"172.16.5.64", "192.0.2.26"},
		{"172.16.5.127", "192.0.2.26"},
		{"172.16.5.128", "192.0.2.24"},
	}

	for _, perm := range permutations(len(routes)) {
		tbl := newTestTable(t, testConfig())
		for _, i := range perm {
			mustAdd(t, tbl, routes[i])
		}

		for _, p := range probes {
			nh, err := tbl.Lookup(netip.MustParseAddr(p.addr))
			if err != nil || nh.Gateway != netip.MustParseAddr(p.gw) {
				t.Fatalf("order %v: Lookup(%s) = %v, %v; want %s", perm, p.addr, nh.Gateway, err, p.gw)
			}
		}
		expectErr(t, tbl, "172.32.0.1", fib.ErrMiss)
		mustVerify(t, tbl)
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Exhaustion
// -------------------------------------------------------------------------

func TestRoutePoolExhaustion(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, fib.Config{SubTables: 16, Routes: 3, NextHops: 16})
	mustAdd(t, tbl,
		forward("10.0.0.0/8", "192.0.2.10", 1),
		forward("11.0.0.0/8", "192.0.2.11", 2),
		forward("12.0.0.0/8", "192.0.2.12", 3),
	)

	err := tbl.AddRoute(forward("13.0.0.0/8", "192.0.2.13", 4))
	if !errors.Is(err, fib.ErrOutOfMemory) {
		t.Fatalf("fourth route error = %v, want ErrOutOfMemory", err)
	}

	expectForward(t, tbl, "10.1.1.1", "192.0.2.10", 1)
	expectForward(t, tbl, "11.1.1.1", "192.0.2.11", 2)
	expectForward(t, tbl, "12.1.1.1", "192.0.2.12", 3)
	expectErr(t, tbl, "13.1.1.1", fib.ErrMiss)

	if got := tbl.Stats().NextHops.InUse; got != 3 {
		t.Errorf("next hops in use = %d, want 3 (failed insert must release its next hop)", got)
	}
	mustVerify(t, tbl)
}

func TestNextHopPoolExhaustion(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, fib.Config{SubTables: 16, Routes: 16, NextHops: 1})
	mustAdd(t, tbl, forward("10.0.0.0/8", "192.0.2.10", 1))

	err := tbl.AddRoute(forward("11.0.0.0/8", "192.0.2.11", 2))
	if !errors.Is(err, fib.ErrOutOfMemory) {
		t.Fatalf("second forward route error = %v, want ErrOutOfMemory", err)
	}

	// Drop routes do not need a pool slot.
	mustAdd(t, tbl, drop("11.0.0.0/8"))

	expectForward(t, tbl, "10.0.0.1", "192.0.2.10", 1)
	expectErr(t, tbl, "11.0.0.1", fib.ErrDrop)
	mustVerify(t, tbl)
}

func TestSubTablePoolExhaustion(t *testing.T) {
	t.Parallel()

	tbl := newTestTable(t, fib.Config{SubTables: 1, Routes: 16, NextHops: 16})
	mustAdd(t, tbl, forward("10.0.0.0/20", "192.0.2.1", 1))

	err := tbl.AddRoute(forward("11.0.0.0/20", "192.0.2.2", 2))
	if !errors.Is(err, fib.ErrOutOfMemory) {
		t.Fatalf("route needing a second sub-table: error = %v, want ErrOutOfMemory", err)
	}

	// Shares the existing sub-table.
	mustAdd(t, tbl, forward("10.0.16.0/20", "192.0.2.3", 3))

	// Needs a level 2 table below 10.0.0.0/20.
	err = tbl.AddRoute(forward("10.0.1.0/24", "192.0.2.4", 4))
	if !errors.Is(err, fib.ErrOutOfMemory) {
		t.Fatalf("route needing a deeper sub-table: error = %v, want ErrOutOfMemory", err)
	}

	expectForward(t, tbl, "10.0.1.1", "192.0.2.1", 1)
	expectForward(t, tbl, "10.0.17.1", "192.0.2.3", 3)
	expectErr(t, tbl, "11.0.0.1", fib.ErrMiss)

	st := tbl.Stats()
	if st.RouteNodes.InUse != 2 || st.NextHops.InUse != 2 {
		t.Errorf("after failed inserts: route nodes %d, next hops %d, want 2 and 2",
			st.RouteNodes.InUse, st.NextHops.InUse)
	}
	mustVerify(t, tbl)
}
