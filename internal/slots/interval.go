package slots

import (
	"sort"
	"time"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// clockRange is a [start, end) range of wall clock minutes within one day.
type clockRange struct {
	start, end schedule.Clock
}

// mergeSpans collapses overlapping or touching spans so a union of windows
// never counts as double capacity.
func mergeSpans(in []clockRange) []clockRange {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]clockRange, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	out := []clockRange{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// intersectSpans returns the ranges covered by both merged inputs.
func intersectSpans(a, b []clockRange) []clockRange {
	var out []clockRange
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].start, b[j].start)
		end := min(a[i].end, b[j].end)
		if start < end {
			out = append(out, clockRange{start: start, end: end})
		}
		if a[i].end < b[j].end {
			i++
		} else {
			j++
		}
	}
	return out
}

// envelope builds the merged availability of one weekday.
func envelope(windows []schedule.AvailabilityWindow, day time.Weekday) []clockRange {
	var spans []clockRange
	for _, w := range windows {
		if w.Active && w.Weekday == day && w.Start < w.End {
			spans = append(spans, clockRange{start: w.Start, end: w.End})
		}
	}
	return mergeSpans(spans)
}

type interval struct {
	start, end time.Time
}

// timeline is a sorted, merged set of busy intervals.
type timeline []interval

func newTimeline(in []interval) timeline {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	out := timeline{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.start.After(last.end) {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// overlaps reports whether [start, end) intersects any busy interval.
func (t timeline) overlaps(start, end time.Time) bool {
	i := sort.Search(len(t), func(i int) bool { return t[i].end.After(start) })
	return i < len(t) && t[i].start.Before(end)
}
