package ringbuf

import (
	"testing"

	"marketfeed/internal/model"
)

func times(cs []model.Candle) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Time
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRing_PushAndSnapshot(t *testing.T) {
	r := New(4)

	if _, ok := r.Last(); ok {
		t.Fatal("last on empty ring should return false")
	}
	if got := r.Snapshot(); len(got) != 0 || got == nil {
		t.Fatalf("expected empty non-nil snapshot, got %v", got)
	}

	r.Push(model.Candle{Time: 1})
	r.Push(model.Candle{Time: 2})

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
	last, ok := r.Last()
	if !ok || last.Time != 2 {
		t.Fatalf("expected last=2, got %v ok=%v", last.Time, ok)
	}
	if got := times(r.Snapshot()); !equal(got, []int64{1, 2}) {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := New(3)

	for i := int64(1); i <= 5; i++ {
		evicted := r.Push(model.Candle{Time: i})
		if want := i > 3; evicted != want {
			t.Fatalf("push %d: evicted=%v, want %v", i, evicted, want)
		}
	}

	if got := times(r.Snapshot()); !equal(got, []int64{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if r.Evicted() != 2 {
		t.Fatalf("expected evicted=2, got %d", r.Evicted())
	}
	if r.Len() != r.Cap() {
		t.Fatalf("expected full ring, len=%d cap=%d", r.Len(), r.Cap())
	}
}

func TestRing_ReplaceLastAfterWrap(t *testing.T) {
	r := New(3)
	for i := int64(1); i <= 4; i++ {
		r.Push(model.Candle{Time: i, Close: 1})
	}

	if !r.ReplaceLast(model.Candle{Time: 4, Close: 9}) {
		t.Fatal("replace on non-empty ring should succeed")
	}
	snap := r.Snapshot()
	if got := times(snap); !equal(got, []int64{2, 3, 4}) {
		t.Fatalf("expected [2 3 4], got %v", got)
	}
	if snap[2].Close != 9 {
		t.Fatalf("expected replaced close=9, got %v", snap[2].Close)
	}

	empty := New(2)
	if empty.ReplaceLast(model.Candle{Time: 1}) {
		t.Fatal("replace on empty ring should return false")
	}
}

func TestRing_ResetKeepsNewest(t *testing.T) {
	r := New(3)
	r.Push(model.Candle{Time: 100})
	r.Push(model.Candle{Time: 200})

	r.Reset([]model.Candle{{Time: 1}, {Time: 2}, {Time: 3}, {Time: 4}, {Time: 5}})
	if got := times(r.Snapshot()); !equal(got, []int64{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}

	r.Reset(nil)
	if r.Len() != 0 {
		t.Fatalf("expected empty after reset, got %d", r.Len())
	}
	r.Push(model.Candle{Time: 7})
	if got := times(r.Snapshot()); !equal(got, []int64{7}) {
		t.Fatalf("expected [7], got %v", got)
	}
}

func TestRing_SnapshotIsIndependent(t *testing.T) {
	r := New(2)
	r.Push(model.Candle{Time: 1, Close: 10})

	snap := r.Snapshot()
	snap[0].Close = 99

	last, _ := r.Last()
	if last.Close != 10 {
		t.Fatalf("snapshot mutation leaked into ring: close=%v", last.Close)
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	cases := []struct{ in, want int }{
		{-1, 1}, {0, 1}, {1, 1}, {100, 100},
	}
	for _, tc := range cases {
		if got := New(tc.in).Cap(); got != tc.want {
			t.Errorf("New(%d).Cap() = %d, want %d", tc.in, got, tc.want)
		}
	}
}
