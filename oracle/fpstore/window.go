package fpstore

import "sort"

// computeWindow reduces a set of events for one rule into an FPWindow.
// events need not be sorted; computeWindow sorts them newest-first
// itself so both backends can hand it whatever order they fetched in.
func computeWindow(ruleID string, events []FPEvent) FPWindow {
	sorted := append([]FPEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	stats := Statistics{Total: len(sorted)}
	versionCounts := make(map[string]int, len(sorted))
	newestByVersion := make(map[string]int)
	for i, e := range sorted {
		if e.Reviewer == "" {
			stats.Pending++
		}
		if e.IsFalsePositive {
			stats.FalsePositives++
		}
		versionCounts[e.RuleVersion]++
		if _, ok := newestByVersion[e.RuleVersion]; !ok {
			newestByVersion[e.RuleVersion] = i
		}
	}
	denominator := stats.Total - stats.Pending
	if denominator < 1 {
		denominator = 1
	}
	stats.ObservedFPR = float64(stats.FalsePositives) / float64(denominator)

	return FPWindow{
		RuleID:      ruleID,
		WindowSize:  len(sorted),
		Events:      sorted,
		RuleVersion: modeVersion(versionCounts, newestByVersion),
		Statistics:  stats,
	}
}

// modeVersion returns the most frequent RuleVersion in the window; ties
// resolve to whichever version's first (newest, since the caller has
// already sorted newest-first) occurrence comes earliest.
func modeVersion(counts map[string]int, newestIndex map[string]int) string {
	best := ""
	bestCount := -1
	bestIndex := -1
	for version, count := range counts {
		idx := newestIndex[version]
		if count > bestCount || (count == bestCount && idx < bestIndex) {
			best = version
			bestCount = count
			bestIndex = idx
		}
	}
	return best
}
