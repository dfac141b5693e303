package ytdlp

import (
	"regexp"
	"strconv"
)

// Progress is whatever could be scraped from one line of yt-dlp
// output. Any subset of fields may be present on a given line.
type Progress struct {
	Percent    float64
	HasPercent bool

	Item       int
	TotalItems int
	HasItems   bool

	Size  string
	Speed string
	ETA   string
}

var (
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	itemsPattern   = regexp.MustCompile(`(?:[Ii]tem|frag)\s+(\d+)\s*(?:of|/)\s*(\d+)`)
	sizePattern    = regexp.MustCompile(`of\s+~?\s*([\d.]+\s*[KMGT]i?B)`)
	speedPattern   = regexp.MustCompile(`at\s+([\d.]+\s*[KMGT]i?B/s)`)
	etaPattern     = regexp.MustCompile(`ETA\s+([\d:]+)`)
)

// ParseProgressLine scrapes one output line, best effort. Pure
// function so it can be tested against captured tool output.
func ParseProgressLine(line string) Progress {
	var p Progress

	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Percent = v
			p.HasPercent = true
		}
	}
	if m := itemsPattern.FindStringSubmatch(line); m != nil {
		item, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			p.Item = item
			p.TotalItems = total
			p.HasItems = true
		}
	}
	if m := sizePattern.FindStringSubmatch(line); m != nil {
		p.Size = m[1]
	}
	if m := speedPattern.FindStringSubmatch(line); m != nil {
		p.Speed = m[1]
	}
	if m := etaPattern.FindStringSubmatch(line); m != nil {
		p.ETA = m[1]
	}
	return p
}

// Empty reports whether the line carried nothing worth flushing.
func (p Progress) Empty() bool {
	return !p.HasPercent && !p.HasItems && p.Size == "" && p.Speed == "" && p.ETA == ""
}
