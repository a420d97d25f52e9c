package proofstore

import (
	"sort"

	"github.com/0ceanSlim/nutengine/cashu"
)

// maxExactSearch bounds the exact subset-sum search below so selection
// stays a bounded, deterministic operation even against a large proof
// set; beyond this the policy falls straight to the greedy variants.
const maxExactSearch = 40

// Select is the send-selection policy: prefer an exact-sum subset of
// proofs; otherwise fall back to
// greedy largest-first (allowSmallDenoms=false) or a smaller-
// denomination-friendly greedy (allowSmallDenoms=true). It is a pure
// function of its inputs, so it is deterministic under identical input
// ordering — callers must pass candidates in a stable order (e.g. by
// secret) for repeatable results.
func Select(candidates cashu.Proofs, target uint64, allowSmallDenoms bool) (cashu.Proofs, bool) {
	if target == 0 {
		return cashu.Proofs{}, true
	}

	sorted := make(cashu.Proofs, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	if len(sorted) <= maxExactSearch {
		if subset, ok := exactSubset(sorted, target); ok {
			return subset, true
		}
	}

	if allowSmallDenoms {
		return greedySmallFriendly(sorted, target)
	}
	return greedyLargestFirst(sorted, target)
}

// exactSubset searches for a subset summing exactly to target using a
// subset-sum DP keyed by achievable sum. Ties (multiple subsets hitting
// the same sum) keep the first found, so results are stable for a fixed
// input order.
func exactSubset(sorted cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	reachable := map[uint64][]int{0: {}}
	order := []uint64{0}

	for i, p := range sorted {
		newReachable := make(map[uint64]struct{})
		for _, sum := range order {
			members := reachable[sum]
			next := sum + p.Amount
			if next > target*2 && target > 0 {
				// Skip sums that overshoot far past target; bounds the
				// DP's breadth without affecting exact-target results.
				continue
			}
			if _, exists := reachable[next]; !exists {
				if _, seen := newReachable[next]; !seen {
					extended := make([]int, len(members)+1)
					copy(extended, members)
					extended[len(members)] = i
					reachable[next] = extended
					newReachable[next] = struct{}{}
				}
			}
		}
		for sum := range newReachable {
			order = append(order, sum)
		}
		if members, ok := reachable[target]; ok {
			return indicesToProofs(sorted, members), true
		}
	}
	return nil, false
}

func indicesToProofs(sorted cashu.Proofs, indices []int) cashu.Proofs {
	out := make(cashu.Proofs, len(indices))
	for i, idx := range indices {
		out[i] = sorted[idx]
	}
	return out
}

// greedyLargestFirst accumulates proofs largest-first until the running
// total meets or exceeds target.
func greedyLargestFirst(sorted cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	var selected cashu.Proofs
	var total uint64
	for _, p := range sorted {
		if total >= target {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	if total < target {
		return nil, false
	}
	return selected, true
}

// greedySmallFriendly accumulates proofs smallest-first until the
// running total meets or exceeds target, so a large denomination is
// only taken once every smaller one is used. It still guarantees
// reaching target if the store can cover it.
func greedySmallFriendly(sorted cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	ascending := make(cashu.Proofs, len(sorted))
	copy(ascending, sorted)
	sort.SliceStable(ascending, func(i, j int) bool { return ascending[i].Amount < ascending[j].Amount })

	var selected cashu.Proofs
	var total uint64
	for _, p := range ascending {
		if total >= target {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	if total < target {
		return nil, false
	}
	return selected, true
}
