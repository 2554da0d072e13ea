package consolidate

import "github.com/vthunder/remd/internal/store"

// frequencyBoost returns the confidence bonus earned by frequently accessed
// sources, carried into the generalized destination. Each source at or above
// the access threshold contributes one boost increment.
func frequencyBoost(members []*store.Record, accessThreshold int, boost float64) float64 {
	if boost <= 0 || accessThreshold <= 0 {
		return 0
	}
	frequent := 0
	for _, m := range members {
		if m.AccessCount >= accessThreshold {
			frequent++
		}
	}
	return float64(frequent) * boost
}

// tokensFreed estimates the net size reduction from consuming the members.
// A created destination costs its own size; an updated one already existed.
func tokensFreed(members []*store.Record, dest *store.Record, created bool) int {
	freed := 0
	for _, m := range members {
		freed += m.Tokens()
	}
	if created {
		freed -= dest.Tokens()
	}
	return freed
}
