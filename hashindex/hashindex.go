// Package hashindex implements a chained hash table that grows by
// progressive rehashing: instead of stopping the world to redistribute
// every entry into a bigger table, it moves a bounded batch of entries
// per operation until the old table is drained.
//
//	primary table (being written to)      secondary table (draining)
//	┌─────────────────────────────┐       ┌───────────────────────┐
//	│ bucket 0 ─► node ─► node     │       │ bucket 0 ─► node       │
//	│ bucket 1 ─► nil              │  <──  │ bucket 1 ─► node ─► .. │
//	│ bucket 2 ─► node             │ move  │ bucket 2 ─► nil        │
//	└─────────────────────────────┘       └───────────────────────┘
//
// A Lookup or Remove consults both tables; an Insert always writes to the
// primary. Each call advances the drain by at most resizeBatch nodes, so no
// single operation pays for more than a bounded amount of migration work.
package hashindex

import "github.com/ethereum/go-ethereum/metrics"

const (
	resizeBatch    = 128
	maxLoadFactor  = 8
	initialBuckets = 4
)

var rehashBatches = metrics.GetOrRegisterCounter("hashindex/rehash_batches", nil)

// Node is the intrusive link embedded by value inside an indexed payload.
// A Node passed to Insert lives inside the struct it indexes (see zset's
// member or store's keyspace entry for examples); a standalone Node serves
// only as a lookup probe. Value
// holds a back-reference to that owning struct, the same way
// container/list.Element carries its payload, so a caller handed a *Node
// by Lookup or Remove can recover the concrete entry without a type-level
// container_of.
type Node struct {
	next  *Node
	hcode uint64
	Value interface{}
}

// Hcode reports the hash code the node was inserted with.
func (n *Node) Hcode() uint64 { return n.hcode }

// SetHcode assigns the hash code used to place the node into a bucket. It
// must be called before Insert.
func (n *Node) SetHcode(h uint64) { n.hcode = h }

// EqualFunc reports whether two nodes are the same entry, given the
// concrete type embedding Node is the only thing that knows how to compare
// keys.
type EqualFunc func(a, b *Node) bool

type chain struct {
	buckets []*Node
	mask    uint64
	size    int
}

func newChain(n int) *chain {
	return &chain{buckets: make([]*Node, n), mask: uint64(n - 1)}
}

func (c *chain) insert(node *Node) {
	pos := node.hcode & c.mask
	node.next = c.buckets[pos]
	c.buckets[pos] = node
	c.size++
}

func (c *chain) find(key *Node, eq EqualFunc) **Node {
	pos := key.hcode & c.mask
	from := &c.buckets[pos]
	for *from != nil {
		if eq(*from, key) {
			return from
		}
		from = &(*from).next
	}
	return nil
}

func detach(from **Node) *Node {
	node := *from
	*from = node.next
	node.next = nil
	return node
}

// Table is a progressive-rehash hash index. The zero value is ready to use.
type Table struct {
	primary   *chain
	secondary *chain
	resizePos uint64
}

// Size returns the number of nodes currently indexed, across both tables.
func (t *Table) Size() int {
	n := 0
	if t.primary != nil {
		n += t.primary.size
	}
	if t.secondary != nil {
		n += t.secondary.size
	}
	return n
}

// Insert adds node to the table, keyed by node.hcode, and migrates a
// bounded batch of entries if a rehash is in progress or one needs to
// start.
func (t *Table) Insert(node *Node) {
	if t.primary == nil {
		t.primary = newChain(initialBuckets)
	}
	t.primary.insert(node)

	if t.secondary == nil {
		loadFactor := t.primary.size / int(t.primary.mask+1)
		if loadFactor >= maxLoadFactor {
			t.startResizing()
		}
	}
	t.helpResizing()
}

// Lookup returns the node equal to key per eq, or nil.
func (t *Table) Lookup(key *Node, eq EqualFunc) *Node {
	t.helpResizing()
	if t.primary == nil {
		return nil
	}
	if from := t.primary.find(key, eq); from != nil {
		return *from
	}
	if t.secondary != nil {
		if from := t.secondary.find(key, eq); from != nil {
			return *from
		}
	}
	return nil
}

// Remove detaches and returns the node equal to key per eq, or nil if no
// such node is indexed.
func (t *Table) Remove(key *Node, eq EqualFunc) *Node {
	t.helpResizing()
	if t.primary != nil {
		if from := t.primary.find(key, eq); from != nil {
			t.primary.size--
			return detach(from)
		}
	}
	if t.secondary != nil {
		if from := t.secondary.find(key, eq); from != nil {
			t.secondary.size--
			return detach(from)
		}
	}
	return nil
}

// Each calls fn for every node in the table, primary then secondary,
// bucket order unspecified otherwise. fn must not mutate the table.
func (t *Table) Each(fn func(*Node)) {
	walk := func(c *chain) {
		if c == nil {
			return
		}
		for _, head := range c.buckets {
			for n := head; n != nil; n = n.next {
				fn(n)
			}
		}
	}
	walk(t.primary)
	walk(t.secondary)
}

func (t *Table) startResizing() {
	t.secondary = t.primary
	t.primary = newChain(int(t.secondary.mask+1) * 2)
	t.resizePos = 0
}

// helpResizing migrates at most resizeBatch nodes from the secondary table
// into the primary table, releasing the secondary once it is drained.
func (t *Table) helpResizing() {
	if t.secondary == nil {
		return
	}
	done := 0
	for done < resizeBatch && t.secondary.size > 0 {
		from := &t.secondary.buckets[t.resizePos]
		if *from == nil {
			t.resizePos++
			continue
		}
		t.secondary.size--
		node := detach(from)
		t.primary.insert(node)
		done++
	}
	if done > 0 {
		rehashBatches.Inc(1)
	}
	if t.secondary.size == 0 {
		t.secondary = nil
		t.resizePos = 0
	}
}

// StrHash computes the djb2 hash used to key string entries, matching the
// hashing the rest of this module's components assume.
func StrHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = hash*33 + uint64(b)
	}
	return hash
}
