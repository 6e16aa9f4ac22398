package zset

import (
	"math/rand"
	"testing"
)

func TestAddUpdatesExistingScore(t *testing.T) {
	s := New()
	if added := s.Add("a", 1); !added {
		t.Fatalf("Add(a,1) should report a new member")
	}
	if added := s.Add("b", 2); !added {
		t.Fatalf("Add(b,2) should report a new member")
	}
	if added := s.Add("a", 3); added {
		t.Fatalf("Add(a,3) should report an update, not a new member")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	item, ok := s.Lookup("a")
	if !ok || item.Score != 3 {
		t.Fatalf("Lookup(a) = %+v, %v; want score 3", item, ok)
	}
}

func TestRangeOrdersByScoreThenName(t *testing.T) {
	s := New()
	s.Add("a", 1.5)
	s.Add("b", 2.5)

	got := s.Range(0, -1)
	want := []RangeItem{{"a", 1.5}, {"b", 2.5}}
	if len(got) != len(want) {
		t.Fatalf("Range(0,-1) = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range(0,-1)[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRangeNegativeIndices(t *testing.T) {
	s := New()
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		s.Add(name, float64(i))
	}
	got := s.Range(-2, -1)
	want := []RangeItem{{"d", 3}, {"e", 4}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Range(-2,-1) = %+v, want %+v", got, want)
	}
}

func TestDeleteRemovesFromBothIndices(t *testing.T) {
	s := New()
	s.Add("a", 1)
	s.Add("b", 2)
	if !s.Delete("a") {
		t.Fatalf("Delete(a) should report the member existed")
	}
	if s.Delete("a") {
		t.Fatalf("second Delete(a) should report no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if _, ok := s.Lookup("a"); ok {
		t.Fatalf("Lookup(a) should fail after delete")
	}
	got := s.Range(0, -1)
	if len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("Range(0,-1) = %+v, want just b", got)
	}
}

func TestQueryLowerBound(t *testing.T) {
	s := New()
	for i, name := range []string{"a", "b", "c", "d"} {
		s.Add(name, float64(i*10))
	}
	item, ok := s.Query(15, "", 0)
	if !ok || item.Name != "c" {
		t.Fatalf("Query(15,\"\",0) = %+v, %v; want c", item, ok)
	}
	item, ok = s.Query(15, "", 1)
	if !ok || item.Name != "d" {
		t.Fatalf("Query(15,\"\",1) = %+v, %v; want d", item, ok)
	}
	if _, ok := s.Query(1000, "", 0); ok {
		t.Fatalf("Query past the end should fail")
	}
}

func TestRandomizedOrderInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	s := New()
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		name := randString(r, 6)
		if seen[name] {
			continue
		}
		seen[name] = true
		s.Add(name, r.Float64()*1000)
	}

	got := s.Range(0, -1)
	if len(got) != len(seen) {
		t.Fatalf("Range(0,-1) length %d, want %d", len(got), len(seen))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Score > got[i].Score {
			t.Fatalf("scores not sorted at %d: %v <-> %v", i, got[i-1], got[i])
		}
		if got[i-1].Score == got[i].Score && got[i-1].Name > got[i].Name {
			t.Fatalf("names not sorted within tied score at %d: %v <-> %v", i, got[i-1], got[i])
		}
	}
}

func randString(r *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(buf)
}
