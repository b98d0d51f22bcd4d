package monitor

import "sort"

// DefaultReroutePct is the distance increase over the median that counts
// as elevated.
const DefaultReroutePct = 15

// Median returns the median of values, averaging the two middle values
// for even counts. It returns 0 for an empty slice.
func Median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
}

// RerouteVerdict is the outcome of a reroute check.
type RerouteVerdict struct {
	Reroute   bool
	Median    float64
	Threshold float64
}

// EvaluateReroute checks a new distance against the prior distances of
// the session, ordered oldest to newest. A sample is a reroute only when
// it and the most recent prior sample both reach median*(1+pct/100).
func EvaluateReroute(prior []int, current int, pct float64) RerouteVerdict {
	if len(prior) < 2 {
		return RerouteVerdict{}
	}
	median := Median(prior)
	threshold := median * (1 + pct/100)

	currentElevated := float64(current) >= threshold
	priorElevated := float64(prior[len(prior)-1]) >= threshold

	return RerouteVerdict{
		Reroute:   currentElevated && priorElevated,
		Median:    median,
		Threshold: threshold,
	}
}

// DetectReroute reports whether current indicates a sustained detour.
func DetectReroute(prior []int, current int, pct float64) bool {
	return EvaluateReroute(prior, current, pct).Reroute
}
