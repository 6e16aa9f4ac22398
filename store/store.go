// Package store owns the process-wide keyspace and dispatches parsed
// commands against it. The keyspace is a single hashindex.Table of
// *entry; nothing in this package is safe for concurrent use, by design
// (see the event loop's single-threaded execution model).
package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holisticode/kvstore/hashindex"
	"github.com/holisticode/kvstore/protocol"
	"github.com/opentracing/opentracing-go"
)

var (
	commandsProcessed = metrics.GetOrRegisterCounter("store/commands", nil)
	commandErrors     = metrics.GetOrRegisterCounter("store/errors", nil)
	unknownCommands   = metrics.GetOrRegisterCounter("store/unknown_command", nil)
)

// Store is the keyspace: a hash index of every live key, plus the
// command dispatcher operating on it.
type Store struct {
	db     hashindex.Table
	logger log.Logger
	tracer opentracing.Tracer
}

// New returns an empty keyspace.
func New() *Store {
	return &Store{logger: log.New("module", "store")}
}

// Len reports the number of keys currently stored.
func (s *Store) Len() int {
	return s.db.Size()
}

// Dispatch executes one parsed command and returns its reply.
func (s *Store) Dispatch(args [][]byte) protocol.Value {
	commandsProcessed.Inc(1)
	if len(args) == 0 {
		unknownCommands.Inc(1)
		return errUnknown()
	}

	name := strings.ToUpper(string(args[0]))
	h, ok := handlers[name]
	if !ok {
		unknownCommands.Inc(1)
		return errUnknown()
	}
	if !h.arity(len(args)) {
		commandErrors.Inc(1)
		return errUnknown()
	}

	if s.tracer != nil {
		span := s.tracer.StartSpan("store.dispatch." + name)
		defer span.Finish()
	}

	v := h.fn(s, args)
	if v.Tag() == protocol.TagErr {
		commandErrors.Inc(1)
	}
	s.logger.Trace("dispatch", "cmd", name, "nargs", len(args))
	return v
}

func errUnknown() protocol.Value {
	return protocol.Err(1, "Unknown command or wrong number of arguments")
}

type handler struct {
	arity func(n int) bool
	fn    func(s *Store, args [][]byte) protocol.Value
}

func exactly(n int) func(int) bool { return func(m int) bool { return m == n } }

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"GET":    {arity: exactly(2), fn: (*Store).doGet},
		"SET":    {arity: exactly(3), fn: (*Store).doSet},
		"DEL":    {arity: exactly(2), fn: (*Store).doDel},
		"KEYS":   {arity: exactly(1), fn: (*Store).doKeys},
		"TYPE":   {arity: exactly(2), fn: (*Store).doType},
		"PING":   {arity: func(n int) bool { return n == 1 || n == 2 }, fn: (*Store).doPing},
		"ZADD":   {arity: func(n int) bool { return n >= 4 && (n-2)%2 == 0 }, fn: (*Store).doZAdd},
		"ZSCORE": {arity: exactly(3), fn: (*Store).doZScore},
		"ZRANGE": {arity: func(n int) bool { return n == 4 || n == 5 }, fn: (*Store).doZRange},
		"ZREM":   {arity: exactly(3), fn: (*Store).doZRem},
		"ZCARD":  {arity: exactly(2), fn: (*Store).doZCard},
		"MEMORY": {arity: exactly(1), fn: (*Store).doMemory},
	}
}

func (s *Store) doMemory(args [][]byte) protocol.Value {
	return protocol.Int(int64(s.MemoryFootprint()))
}

func (s *Store) lookup(key string) *entry {
	found := s.db.Lookup(probeKey(key), entryKeysEqual)
	if found == nil {
		return nil
	}
	return found.Value.(*entry)
}

func (s *Store) remove(key string) *entry {
	found := s.db.Remove(probeKey(key), entryKeysEqual)
	if found == nil {
		return nil
	}
	return found.Value.(*entry)
}

func (s *Store) doGet(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Nil()
	}
	if e.kind != kindString {
		return protocol.Err(1, "Expecting string type")
	}
	return protocol.Str(e.str)
}

func (s *Store) doSet(args [][]byte) protocol.Value {
	key, val := string(args[1]), string(args[2])
	if e := s.lookup(key); e != nil {
		if e.kind == kindString {
			e.str = val
			return protocol.Str("OK")
		}
		s.remove(key)
	}
	s.db.Insert(&newStringEntry(key, val).node)
	return protocol.Str("OK")
}

func (s *Store) doDel(args [][]byte) protocol.Value {
	if s.remove(string(args[1])) != nil {
		return protocol.Int(1)
	}
	return protocol.Int(0)
}

func (s *Store) doKeys(args [][]byte) protocol.Value {
	keys := make([]string, 0, s.db.Size())
	s.db.Each(func(n *hashindex.Node) {
		keys = append(keys, n.Value.(*entry).key)
	})
	sort.Strings(keys)
	vs := make([]protocol.Value, len(keys))
	for i, k := range keys {
		vs[i] = protocol.Str(k)
	}
	return protocol.Arr(vs...)
}

func (s *Store) doType(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Str("none")
	}
	return protocol.Str(e.TypeName())
}

func (s *Store) doPing(args [][]byte) protocol.Value {
	if len(args) == 2 {
		return protocol.Str(string(args[1]))
	}
	return protocol.Str("PONG")
}

// zsetFor returns the sorted set backing key, creating it (and replacing
// any differently-typed entry) if needed.
func (s *Store) zsetFor(key string) *entry {
	e := s.lookup(key)
	if e != nil && e.kind == kindZSet {
		return e
	}
	if e != nil {
		s.remove(key)
	}
	created := newZSetEntry(key)
	s.db.Insert(&created.node)
	return created
}

func (s *Store) doZAdd(args [][]byte) protocol.Value {
	key := string(args[1])
	existing := s.lookup(key)
	if existing != nil && existing.kind != kindZSet {
		s.remove(key)
		existing = nil
	}
	var e *entry
	if existing != nil {
		e = existing
	} else {
		e = newZSetEntry(key)
		s.db.Insert(&e.node)
	}

	var added int64
	for i := 2; i < len(args); i += 2 {
		score, err := strconv.ParseFloat(string(args[i]), 64)
		if err != nil {
			return protocol.Err(2, fmt.Sprintf("invalid score %q", args[i]))
		}
		member := string(args[i+1])
		if e.zset.Add(member, score) {
			added++
		}
	}
	return protocol.Int(added)
}

func (s *Store) doZScore(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Nil()
	}
	if e.kind != kindZSet {
		return protocol.Err(1, "Expecting ZSET type")
	}
	item, ok := e.zset.Lookup(string(args[2]))
	if !ok {
		return protocol.Nil()
	}
	return protocol.Dbl(item.Score)
}

func (s *Store) doZRange(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Arr()
	}
	if e.kind != kindZSet {
		return protocol.Err(1, "Expecting ZSET type")
	}
	start, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return protocol.Err(2, "invalid start index")
	}
	stop, err := strconv.ParseInt(string(args[3]), 10, 64)
	if err != nil {
		return protocol.Err(2, "invalid stop index")
	}
	withScores := len(args) == 5 && strings.EqualFold(string(args[4]), "WITHSCORES")

	items := e.zset.Range(start, stop)
	vs := make([]protocol.Value, 0, len(items)*2)
	for _, it := range items {
		vs = append(vs, protocol.Str(it.Name))
		if withScores {
			vs = append(vs, protocol.Dbl(it.Score))
		}
	}
	return protocol.Arr(vs...)
}

func (s *Store) doZRem(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Int(0)
	}
	if e.kind != kindZSet {
		return protocol.Err(1, "Expecting ZSET type")
	}
	if e.zset.Delete(string(args[2])) {
		return protocol.Int(1)
	}
	return protocol.Int(0)
}

func (s *Store) doZCard(args [][]byte) protocol.Value {
	e := s.lookup(string(args[1]))
	if e == nil {
		return protocol.Int(0)
	}
	if e.kind != kindZSet {
		return protocol.Err(1, "Expecting ZSET type")
	}
	return protocol.Int(int64(e.zset.Len()))
}
