// Package trigger detects balance threshold crossings. Thresholds fire on
// the downward edge only and at most once per billing period: the fired set
// persists on the account and resets when the balance climbs back above.
package trigger

import "sort"

// Check returns thresholds crossed by a balance move from before to after,
// skipping any already in the fired set. A threshold t is crossed when
// before > t >= after, so a balance that lands exactly on t fires it and a
// balance that merely touches t from below does not.
func Check(fired []int64, thresholds []int64, before, after int64) []int64 {
	if after >= before || len(thresholds) == 0 {
		return nil
	}

	seen := make(map[int64]struct{}, len(fired))
	for _, t := range fired {
		seen[t] = struct{}{}
	}

	var crossed []int64
	for _, t := range thresholds {
		if _, ok := seen[t]; ok {
			continue
		}
		if before > t && t >= after {
			crossed = append(crossed, t)
		}
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i] > crossed[j] })
	return crossed
}

// ResetAbove drops fired thresholds the balance has risen back above, so a
// later depletion can fire them again. Thresholds the balance is still at
// or under stay in the set, guarding against repeat notifications.
func ResetAbove(fired []int64, after int64) []int64 {
	kept := make([]int64, 0, len(fired))
	for _, t := range fired {
		if after <= t {
			kept = append(kept, t)
		}
	}
	return kept
}

// Merge combines the existing fired set with newly crossed thresholds.
func Merge(fired []int64, crossed []int64) []int64 {
	if len(crossed) == 0 {
		return fired
	}
	seen := make(map[int64]struct{}, len(fired))
	merged := make([]int64, 0, len(fired)+len(crossed))
	for _, t := range fired {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	for _, t := range crossed {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] > merged[j] })
	return merged
}
