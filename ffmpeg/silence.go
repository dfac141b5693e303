package ffmpeg

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/sandeep1995/doublelift/vods"
)

var (
	silenceStartPattern = regexp.MustCompile(`silence_start:\s*(-?[\d.]+)`)
	silenceEndPattern   = regexp.MustCompile(`silence_end:\s*(-?[\d.]+)`)
)

// SilenceParser consumes silencedetect diagnostic lines one at a time
// and pairs silence_start/silence_end markers into muted segments.
// Pure text processing, no subprocess involved.
type SilenceParser struct {
	start *float64
	segs  []vods.MutedSegment
}

func (p *SilenceParser) Feed(line string) {
	if m := silenceStartPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v < 0 {
				v = 0
			}
			p.start = &v
		}
		return
	}
	if m := silenceEndPattern.FindStringSubmatch(line); m != nil && p.start != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > *p.start {
			p.segs = append(p.segs, vods.MutedSegment{
				Offset:   *p.start,
				Duration: v - *p.start,
			})
		}
		p.start = nil
	}
}

// Segments returns what has been detected so far. A dangling
// silence_start without an end is ignored.
func (p *SilenceParser) Segments() []vods.MutedSegment {
	return p.segs
}

// Interval is a half-open [Start, End) time range in seconds.
type Interval struct {
	Start float64
	End   float64
}

func (i Interval) Length() float64 {
	return i.End - i.Start
}

// MergeSegments sorts the mute segments and merges neighbours whose
// gap is at most mergeGap seconds, then drops merged intervals shorter
// than minDuration.
func MergeSegments(segs []vods.MutedSegment, mergeGap, minDuration float64) []Interval {
	if len(segs) == 0 {
		return nil
	}

	intervals := make([]Interval, 0, len(segs))
	for _, s := range segs {
		if s.Duration <= 0 {
			continue
		}
		intervals = append(intervals, Interval{Start: s.Offset, End: s.Offset + s.Duration})
	}
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].Start < intervals[j].Start
	})

	var merged []Interval
	for _, iv := range intervals {
		if len(merged) > 0 && iv.Start-merged[len(merged)-1].End <= mergeGap {
			if iv.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}

	var kept []Interval
	for _, iv := range merged {
		if iv.Length() >= minDuration {
			kept = append(kept, iv)
		}
	}
	return kept
}

// KeepIntervals complements the mute intervals against [0, total] and
// drops keep-intervals shorter than minKeep, so no degenerate
// near-zero clips are produced.
func KeepIntervals(mutes []Interval, total, minKeep float64) []Interval {
	var keeps []Interval
	lastEnd := 0.0
	for _, m := range mutes {
		if m.Start > lastEnd {
			keeps = append(keeps, Interval{Start: lastEnd, End: m.Start})
		}
		if m.End > lastEnd {
			lastEnd = m.End
		}
	}
	if lastEnd < total {
		keeps = append(keeps, Interval{Start: lastEnd, End: total})
	}

	var kept []Interval
	for _, k := range keeps {
		if k.Length() >= minKeep {
			kept = append(kept, k)
		}
	}
	return kept
}
