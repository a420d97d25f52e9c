package proofstore

import (
	"testing"

	"github.com/0ceanSlim/nutengine/cashu"
)

func proofsOf(amounts ...uint64) cashu.Proofs {
	out := make(cashu.Proofs, len(amounts))
	for i, a := range amounts {
		out[i] = cashu.Proof{Amount: a, Secret: []byte{byte(i), byte(a)}}
	}
	return out
}

func TestSelectPrefersExactSum(t *testing.T) {
	selected, ok := Select(proofsOf(64, 32, 16, 8, 4), 100, false)
	if !ok {
		t.Fatal("selection failed")
	}
	if selected.Total() != 100 {
		t.Fatalf("total = %d, want exact 100", selected.Total())
	}
}

func TestSelectGreedyLargestFirst(t *testing.T) {
	// No exact subset of {64,32,16,8} sums to 100; greedy should stop
	// as soon as the running total covers the target.
	selected, ok := Select(proofsOf(64, 32, 16, 8), 100, false)
	if !ok {
		t.Fatal("selection failed")
	}
	if selected.Total() != 112 {
		t.Fatalf("total = %d, want 112 (64+32+16)", selected.Total())
	}
	if len(selected) != 3 {
		t.Fatalf("selected %d proofs, want 3", len(selected))
	}
}

func TestSelectSmallDenomFriendly(t *testing.T) {
	selected, ok := Select(proofsOf(64, 2, 2, 2), 5, true)
	if !ok {
		t.Fatal("selection failed")
	}
	for _, p := range selected {
		if p.Amount == 64 {
			t.Fatal("small-denom selection should not touch the 64")
		}
	}
	if selected.Total() < 5 {
		t.Fatalf("total = %d, want >= 5", selected.Total())
	}
}

func TestSelectInsufficient(t *testing.T) {
	if _, ok := Select(proofsOf(8, 4), 100, false); ok {
		t.Fatal("selection should fail when the set cannot cover the target")
	}
}

func TestSelectZeroTarget(t *testing.T) {
	selected, ok := Select(proofsOf(8, 4), 0, false)
	if !ok || len(selected) != 0 {
		t.Fatalf("zero target should select nothing, got %d proofs", len(selected))
	}
}

func TestSelectDeterministic(t *testing.T) {
	candidates := proofsOf(64, 32, 16, 8, 4, 2, 1)
	first, ok := Select(candidates, 37, false)
	if !ok {
		t.Fatal("selection failed")
	}
	for i := 0; i < 10; i++ {
		again, ok := Select(candidates, 37, false)
		if !ok {
			t.Fatal("selection failed on repeat")
		}
		if len(again) != len(first) {
			t.Fatalf("selection size changed between runs: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if string(again[j].Secret) != string(first[j].Secret) {
				t.Fatal("selection order changed between runs")
			}
		}
	}
}
