package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/smukkama/commute-monitor/internal/aggregation"
)

func renderBaseline(slots []aggregation.Slot) string {
	if len(slots) == 0 {
		return "no baseline yet"
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Time", "Mean", "Stddev", "Samples", "Days"})
	for _, s := range slots {
		stddev := "-"
		if s.StddevSeconds != nil {
			stddev = minutes(*s.StddevSeconds)
		}
		tw.AppendRow(table.Row{aggregation.FormatBucket(s.Bucket), minutes(s.MeanSeconds), stddev, s.SampleCount, s.DistinctDays})
	}
	return tw.Render()
}

func renderDeparture(weekday time.Weekday, d *aggregation.Departure) string {
	if d == nil {
		return fmt.Sprintf("no baseline for %s yet", weekday)
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Day", "Leave between", "Fastest", "Band"})
	tw.AppendRow(table.Row{
		weekday.String(),
		fmt.Sprintf("%s - %s", aggregation.FormatBucket(d.StartBucket), aggregation.FormatBucket(d.EndBucket)),
		minutes(d.MinMean),
		fmt.Sprintf("%s - %s", minutes(d.LowerBound), minutes(d.UpperBound)),
	})
	return tw.Render()
}

func minutes(seconds float64) string {
	return fmt.Sprintf("%.1f min", seconds/60)
}
