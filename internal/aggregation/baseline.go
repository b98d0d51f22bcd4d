// Package aggregation derives typical-commute statistics from the stored
// poll samples.
package aggregation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/database"
)

// SampleSource reads the samples the statistics are built from.
type SampleSource interface {
	ListBaselineSamples(ctx context.Context, routeID uuid.UUID, since time.Time) ([]database.BaselineSample, error)
}

// Options tunes the baseline statistics.
type Options struct {
	LookbackDays int
	SlotMinutes  int
	// MinDistinctDays drops slots fed by fewer calendar days.
	MinDistinctDays int
	TolerancePct    float64
	Location        *time.Location
}

// DefaultOptions returns a 90-day lookback over 5-minute slots.
func DefaultOptions() Options {
	return Options{
		LookbackDays:    90,
		SlotMinutes:     5,
		MinDistinctDays: 3,
		TolerancePct:    5,
		Location:        time.UTC,
	}
}

// Slot is the aggregate of one (weekday, time-of-day bucket). Bucket is
// minutes since local midnight.
type Slot struct {
	Weekday     time.Weekday
	Bucket      int
	MeanSeconds float64
	// StddevSeconds is nil when the slot has fewer than two samples.
	StddevSeconds *float64
	SampleCount   int
	DistinctDays  int
}

// BaselineAggregator computes slot statistics for a route on demand.
type BaselineAggregator struct {
	source SampleSource
	clock  quartz.Clock
	logger slog.Logger
	opts   Options
}

// NewBaselineAggregator creates an aggregator. Unset options take the defaults.
func NewBaselineAggregator(source SampleSource, clock quartz.Clock, logger slog.Logger, opts Options) *BaselineAggregator {
	def := DefaultOptions()
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = def.LookbackDays
	}
	if opts.SlotMinutes <= 0 {
		opts.SlotMinutes = def.SlotMinutes
	}
	if opts.MinDistinctDays <= 0 {
		opts.MinDistinctDays = def.MinDistinctDays
	}
	if opts.TolerancePct <= 0 {
		opts.TolerancePct = def.TolerancePct
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	return &BaselineAggregator{source: source, clock: clock, logger: logger, opts: opts}
}

// Baseline returns the slots of weekday for the route over the lookback
// window, ordered by bucket.
func (b *BaselineAggregator) Baseline(ctx context.Context, routeID uuid.UUID, weekday time.Weekday) ([]Slot, error) {
	since := b.clock.Now("aggregation", "baseline").AddDate(0, 0, -b.opts.LookbackDays)

	samples, err := b.source.ListBaselineSamples(ctx, routeID, since)
	if err != nil {
		return nil, xerrors.Errorf("load baseline samples: %w", err)
	}

	slots := ComputeSlots(samples, b.opts.Location, b.opts.SlotMinutes, b.opts.MinDistinctDays)
	filtered := slots[:0]
	for _, slot := range slots {
		if slot.Weekday == weekday {
			filtered = append(filtered, slot)
		}
	}

	b.logger.Debug(ctx, "baseline computed",
		slog.F("route_id", routeID),
		slog.F("weekday", weekday.String()),
		slog.F("samples", len(samples)),
		slog.F("slots", len(filtered)))
	return filtered, nil
}

type slotKey struct {
	weekday time.Weekday
	bucket  int
}

type slotAcc struct {
	durations []float64
	days      map[string]struct{}
}

// ComputeSlots groups samples by weekday and bucket in loc. Slots fed by
// fewer than minDays distinct calendar days are dropped. The result is
// ordered by weekday, then bucket.
func ComputeSlots(samples []database.BaselineSample, loc *time.Location, slotMinutes, minDays int) []Slot {
	accs := make(map[slotKey]*slotAcc)
	for _, s := range samples {
		local := s.SampledAt.In(loc)
		minute := local.Hour()*60 + local.Minute()
		key := slotKey{weekday: local.Weekday(), bucket: minute - minute%slotMinutes}

		acc, ok := accs[key]
		if !ok {
			acc = &slotAcc{days: make(map[string]struct{})}
			accs[key] = acc
		}
		acc.durations = append(acc.durations, float64(s.DurationSeconds))
		acc.days[local.Format(time.DateOnly)] = struct{}{}
	}

	slots := make([]Slot, 0, len(accs))
	for key, acc := range accs {
		if len(acc.days) < minDays {
			continue
		}
		mean, stddev := meanStddev(acc.durations)
		slots = append(slots, Slot{
			Weekday:       key.weekday,
			Bucket:        key.bucket,
			MeanSeconds:   mean,
			StddevSeconds: stddev,
			SampleCount:   len(acc.durations),
			DistinctDays:  len(acc.days),
		})
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Weekday != slots[j].Weekday {
			return slots[i].Weekday < slots[j].Weekday
		}
		return slots[i].Bucket < slots[j].Bucket
	})
	return slots
}

// meanStddev returns the mean and the sample standard deviation, which is
// nil for fewer than two values.
func meanStddev(values []float64) (float64, *float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, nil
	}

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(values)-1))
	return mean, &stddev
}
