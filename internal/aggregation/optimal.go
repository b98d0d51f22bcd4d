package aggregation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Window is a contiguous run of slots whose mean duration is within the
// tolerance of the best slot.
type Window struct {
	StartBucket int
	EndBucket   int
	MinMean     float64
}

// FindOptimalWindow finds the longest run of 5-minute slots within 5% of
// the minimum mean. Ties go to the earliest run. It reports false when
// slots is empty.
func FindOptimalWindow(slots []Slot) (Window, bool) {
	def := DefaultOptions()
	return findOptimalWindow(slots, def.SlotMinutes, def.TolerancePct)
}

func findOptimalWindow(slots []Slot, step int, tolerancePct float64) (Window, bool) {
	if len(slots) == 0 {
		return Window{}, false
	}

	best := slots[0]
	for _, s := range slots[1:] {
		if s.MeanSeconds < best.MeanSeconds {
			best = s
		}
	}
	threshold := best.MeanSeconds * (1 + tolerancePct/100)

	var buckets []int
	for _, s := range slots {
		if s.MeanSeconds <= threshold {
			buckets = append(buckets, s.Bucket)
		}
	}
	sort.Ints(buckets)

	// The minimum always qualifies, so buckets is never empty here.
	window := Window{StartBucket: best.Bucket, EndBucket: best.Bucket, MinMean: best.MeanSeconds}
	if len(buckets) == 0 {
		return window, true
	}

	bestLen := 0
	runStart, runLen := buckets[0], 1
	for i := 1; i <= len(buckets); i++ {
		if i < len(buckets) && buckets[i]-buckets[i-1] == step {
			runLen++
			continue
		}
		// Strictly longer only: the earliest run wins ties.
		if runLen > bestLen {
			bestLen = runLen
			window.StartBucket = runStart
			window.EndBucket = buckets[i-1]
		}
		if i < len(buckets) {
			runStart, runLen = buckets[i], 1
		}
	}
	return window, true
}

// Departure is a recommended departure window for one weekday.
type Departure struct {
	Weekday     time.Weekday
	StartBucket int
	EndBucket   int
	MinMean     float64
	// LowerBound and UpperBound band the expected duration.
	LowerBound float64
	UpperBound float64
}

// OptimalDeparture recommends when to leave on weekday. It returns nil
// when the route has no baseline slots for that day yet.
func (b *BaselineAggregator) OptimalDeparture(ctx context.Context, routeID uuid.UUID, weekday time.Weekday) (*Departure, error) {
	slots, err := b.Baseline(ctx, routeID, weekday)
	if err != nil {
		return nil, err
	}
	window, ok := findOptimalWindow(slots, b.opts.SlotMinutes, b.opts.TolerancePct)
	if !ok {
		return nil, nil
	}
	band := b.opts.TolerancePct / 100
	return &Departure{
		Weekday:     weekday,
		StartBucket: window.StartBucket,
		EndBucket:   window.EndBucket,
		MinMean:     window.MinMean,
		LowerBound:  window.MinMean * (1 - band),
		UpperBound:  window.MinMean * (1 + band),
	}, nil
}

// FormatBucket renders minutes since midnight as HH:MM.
func FormatBucket(bucket int) string {
	return fmt.Sprintf("%02d:%02d", bucket/60, bucket%60)
}
