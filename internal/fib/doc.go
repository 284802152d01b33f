// Package fib implements an IPv4 longest-prefix-match forwarding table.
//
// The table is a fixed-depth multibit trie with strides 16/4/4/4/4. Every
// structure is carved from preallocated arenas whose free slots are tracked
// by bitmaps: sub-tables, route metadata nodes and next-hop nodes. Route
// metadata nodes are reference counted and linked from most specific to
// least specific prefix (the parent chain), so releasing the last reference
// cascades up the chain.
//
// A *Table has no internal synchronization. Use Shared when lookups may run
// concurrently with insertions.
package fib
