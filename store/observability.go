package store

import (
	"github.com/fjl/memsize"
	"github.com/opentracing/opentracing-go"
)

// SetTracer attaches a tracer so Dispatch wraps each command in a span.
// A nil tracer (the default) disables tracing entirely; this mirrors
// storage/netstore.go's spancontext.StartSpan usage around long-running
// operations.
func (s *Store) SetTracer(t opentracing.Tracer) {
	s.tracer = t
}

// MemoryFootprint recursively measures the in-memory size of the
// keyspace, for the MEMORY debug command and for periodic metrics
// sampling.
func (s *Store) MemoryFootprint() uint64 {
	return uint64(memsize.Scan(s).Total)
}
