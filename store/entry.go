package store

import (
	"github.com/holisticode/kvstore/hashindex"
	"github.com/holisticode/kvstore/zset"
)

// kind identifies which variant an entry holds.
type kind int

const (
	kindString kind = iota
	kindZSet
)

// entry is one keyed value in the keyspace: either a plain string or a
// sorted set. It embeds a hashindex.Node so the keyspace can index it by
// key without an extra allocation.
type entry struct {
	node hashindex.Node
	key  string
	kind kind
	str  string
	zset *zset.Set
}

func newStringEntry(key, val string) *entry {
	e := &entry{key: key, kind: kindString, str: val}
	e.node.SetHcode(hashindex.StrHash([]byte(key)))
	e.node.Value = e
	return e
}

func newZSetEntry(key string) *entry {
	e := &entry{key: key, kind: kindZSet, zset: zset.New()}
	e.node.SetHcode(hashindex.StrHash([]byte(key)))
	e.node.Value = e
	return e
}

func entryKeysEqual(a, b *hashindex.Node) bool {
	return a.Value.(*entry).key == b.Value.(*entry).key
}

func probeKey(key string) *hashindex.Node {
	n := &hashindex.Node{}
	n.SetHcode(hashindex.StrHash([]byte(key)))
	n.Value = &entry{key: key}
	return n
}

// TypeName reports the Redis-style type name of an entry for the TYPE
// command.
func (e *entry) TypeName() string {
	switch e.kind {
	case kindString:
		return "string"
	case kindZSet:
		return "zset"
	default:
		return "none"
	}
}
