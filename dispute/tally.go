package dispute

// Tally decides a dispute from the votes cast so far.
//
// An exact decision backed by a strict majority of the panel wins at once.
// When every panelist has voted without such a majority, split votes that
// form a strict majority over at least one non-split vote are averaged.
// Anything else, including a panel of distinct split ratios, is a tie and
// resolves to an even split. A dispute still short of votes past its
// deadline falls back to a full refund.
func Tally(panelSize int, votes []Vote, deadlinePassed bool) (Decision, Fallback, bool) {
	counts := make(map[Decision]int, len(votes))
	for _, v := range votes {
		counts[v.Decision]++
		if counts[v.Decision]*2 > panelSize {
			return v.Decision, FallbackNone, true
		}
	}

	if len(votes) >= panelSize {
		var splits, sum int64
		for _, v := range votes {
			if v.Decision.Outcome == OutcomeSplit {
				splits++
				sum += v.Decision.ProviderShareBps
			}
		}
		if splits*2 > int64(panelSize) && splits < int64(len(votes)) {
			return Split(sum / splits), FallbackNone, true
		}
		return Split(BasisPoints / 2), FallbackTie, true
	}

	if deadlinePassed {
		return FavorRenter(), FallbackDeadline, true
	}
	return Decision{}, FallbackNone, false
}
