// Package zset implements a sorted set: a collection of (name, score)
// pairs supporting O(1)-amortized lookup by name and O(log n) ranked
// queries ordered by (score, name), by composing a hashindex.Table with
// an avltree.Tree over the same members.
package zset

import (
	"bytes"

	"github.com/holisticode/kvstore/avltree"
	"github.com/holisticode/kvstore/hashindex"
)

// member is one (name, score) entry of a Set, owned exclusively by the
// Set that created it.
type member struct {
	hnode hashindex.Node
	tnode avltree.Node
	name  string
	score float64
}

func newMember(name string, score float64) *member {
	m := &member{name: name, score: score}
	m.hnode.SetHcode(hashindex.StrHash([]byte(name)))
	m.hnode.Value = m
	m.tnode.Value = m
	return m
}

// RangeItem is one element of a Range result.
type RangeItem struct {
	Name  string
	Score float64
}

// Set is a sorted set of members.
type Set struct {
	byName hashindex.Table
	byRank *avltree.Tree
}

// New returns an empty sorted set.
func New() *Set {
	return &Set{byRank: avltree.New(treeLess)}
}

func treeLess(a, b *avltree.Node) bool {
	return less(a.Value.(*member), b.Value.(*member))
}

// less implements the (score, name bytes, name length) total order every
// member in a Set is kept in.
func less(a, b *member) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	an, bn := []byte(a.name), []byte(b.name)
	n := len(an)
	if len(bn) < n {
		n = len(bn)
	}
	if c := bytes.Compare(an[:n], bn[:n]); c != 0 {
		return c < 0
	}
	return len(an) < len(bn)
}

func nameEqual(a, b *hashindex.Node) bool {
	return a.Value.(*member).name == b.Value.(*member).name
}

// probe builds a throwaway hashindex key for a lookup by name, without
// touching the tree side.
func probe(name string) *hashindex.Node {
	key := &hashindex.Node{}
	key.SetHcode(hashindex.StrHash([]byte(name)))
	key.Value = &member{name: name}
	return key
}

// Len reports the number of members in the set.
func (s *Set) Len() int {
	return s.byRank.Len()
}

// Lookup returns the member named name, if present.
func (s *Set) Lookup(name string) (RangeItem, bool) {
	found := s.byName.Lookup(probe(name), nameEqual)
	if found == nil {
		return RangeItem{}, false
	}
	m := found.Value.(*member)
	return RangeItem{Name: m.name, Score: m.score}, true
}

// Add inserts name with score, or updates its score if name already
// exists. It returns true if a new member was created, false if an
// existing member was found (and possibly rescored).
func (s *Set) Add(name string, score float64) bool {
	found := s.byName.Lookup(probe(name), nameEqual)
	if found != nil {
		m := found.Value.(*member)
		if m.score != score {
			s.byRank.Remove(&m.tnode)
			m.score = score
			s.byRank.Insert(&m.tnode)
		}
		return false
	}

	m := newMember(name, score)
	s.byName.Insert(&m.hnode)
	s.byRank.Insert(&m.tnode)
	return true
}

// Delete removes the member named name, reporting whether it existed.
func (s *Set) Delete(name string) bool {
	removed := s.byName.Remove(probe(name), nameEqual)
	if removed == nil {
		return false
	}
	m := removed.Value.(*member)
	s.byRank.Remove(&m.tnode)
	return true
}

// Query finds the first member not less than (score, name) in the set's
// order, then steps offset positions from it (offset may be negative). It
// mirrors the original implementation's descent: the last node visited
// while still >= the target is kept as the candidate.
func (s *Set) Query(score float64, name string, offset int64) (RangeItem, bool) {
	target := &member{name: name, score: score}
	var found *avltree.Node
	cur := s.byRank.Root()
	for cur != nil {
		if less(cur.Value.(*member), target) {
			cur = cur.Right()
		} else {
			found = cur
			cur = cur.Left()
		}
	}
	if found == nil {
		return RangeItem{}, false
	}
	if offset != 0 {
		found = avltree.Offset(found, offset)
	}
	if found == nil {
		return RangeItem{}, false
	}
	m := found.Value.(*member)
	return RangeItem{Name: m.name, Score: m.score}, true
}

// Range returns the members at in-order positions [start, stop]
// (inclusive, Redis-style, supporting negative indices counted from the
// end), each with its score.
func (s *Set) Range(start, stop int64) []RangeItem {
	n := int64(s.Len())
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}

	first := s.byRank.Min()
	cur := avltree.Offset(first, start)
	out := make([]RangeItem, 0, stop-start+1)
	for i := start; i <= stop && cur != nil; i++ {
		m := cur.Value.(*member)
		out = append(out, RangeItem{Name: m.name, Score: m.score})
		cur = avltree.Next(cur)
	}
	return out
}
