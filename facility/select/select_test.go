package selection

import (
	"testing"

	"github.com/matrixspace/fabric/locator"
)

func locs(n int) []locator.ConnectionLocator {
	out := make([]locator.ConnectionLocator, n)
	for i := range out {
		out[i] = locator.ConnectionLocator{Host: "h", Port: i + 1}
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	live := locs(3)
	var rr RoundRobin
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		l, ok := rr.Pick(live)
		if !ok {
			t.Fatal("expected a pick")
		}
		seen[l.Key()]++
	}
	for _, l := range live {
		if seen[l.Key()] != 2 {
			t.Fatalf("expected each locator picked twice, got %v", seen)
		}
	}
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	live := locs(5)
	ch := NewConsistentHash("affinity-key")
	first, ok := ch.Pick(live)
	if !ok {
		t.Fatal("expected a pick")
	}
	for i := 0; i < 10; i++ {
		again, ok := ch.Pick(live)
		if !ok || again.Key() != first.Key() {
			t.Fatalf("expected stable pick %v, got %v", first, again)
		}
	}
}

func TestWeightedAlwaysPicksTheOnlyNonZeroWeight(t *testing.T) {
	live := locs(3)
	w := &Weighted{Weight: func(l locator.ConnectionLocator) int {
		if l.Key() == live[1].Key() {
			return 10
		}
		return 0
	}}
	for i := 0; i < 20; i++ {
		picked, ok := w.Pick(live)
		if !ok || picked.Key() != live[1].Key() {
			t.Fatalf("expected only live[1] ever picked, got %v", picked)
		}
	}
}

func TestEmptyLiveSetMisses(t *testing.T) {
	var rr RoundRobin
	if _, ok := rr.Pick(nil); ok {
		t.Fatal("expected miss on empty live set")
	}
	if _, ok := (Uniform{}).Pick(nil); ok {
		t.Fatal("expected miss on empty live set")
	}
}
