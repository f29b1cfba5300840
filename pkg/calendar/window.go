package calendar

import (
	"sort"
	"time"
)

// Window is a half-open time-of-day interval [Start, End) on a single day.
type Window struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Valid reports whether the window is non-empty and within one day.
func (w Window) Valid() bool {
	return w.Start.Valid() && w.End.Valid() && w.Start < w.End
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlaps reports whether w and o share any instant. Touching windows
// (one ends exactly when the other starts) do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start < o.End && o.Start < w.End
}

// Contains reports whether o lies entirely within w.
func (w Window) Contains(o Window) bool {
	return w.Start <= o.Start && o.End <= w.End
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Sort orders windows by start, then end.
func Sort(ws []Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Start != ws[j].Start {
			return ws[i].Start < ws[j].Start
		}
		return ws[i].End < ws[j].End
	})
}

// Merge returns the union of ws as sorted, disjoint windows. Overlapping and
// touching windows collapse into one. Empty windows are dropped. The input is
// not modified.
func Merge(ws []Window) []Window {
	in := make([]Window, 0, len(ws))
	for _, w := range ws {
		if w.Valid() {
			in = append(in, w)
		}
	}
	if len(in) == 0 {
		return nil
	}
	Sort(in)

	out := []Window{in[0]}
	for _, w := range in[1:] {
		last := &out[len(out)-1]
		if w.Start <= last.End {
			if w.End > last.End {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Subtract removes every busy interval from the free windows. A free window
// may be split into zero, one or two pieces per busy interval.
func Subtract(free, busy []Window) []Window {
	result := Merge(free)
	for _, b := range Merge(busy) {
		next := make([]Window, 0, len(result)+1)
		for _, f := range result {
			if !f.Overlaps(b) {
				next = append(next, f)
				continue
			}
			if f.Start < b.Start {
				next = append(next, Window{Start: f.Start, End: b.Start})
			}
			if b.End < f.End {
				next = append(next, Window{Start: b.End, End: f.End})
			}
		}
		result = next
	}
	return result
}

// DropShorter removes windows shorter than min.
func DropShorter(ws []Window, min time.Duration) []Window {
	if min <= 0 {
		return ws
	}
	out := make([]Window, 0, len(ws))
	for _, w := range ws {
		if w.Duration() >= min {
			out = append(out, w)
		}
	}
	return out
}

// Split cuts w into consecutive slots of length d aligned to w.Start. A
// trailing remainder shorter than d is discarded.
func Split(w Window, d time.Duration) []Window {
	step := Clock(d / time.Minute)
	if step <= 0 || !w.Valid() {
		return nil
	}
	var out []Window
	for s := w.Start; s+step <= w.End; s += step {
		out = append(out, Window{Start: s, End: s + step})
	}
	return out
}

// TrimBefore removes the part of every window that lies before c.
func TrimBefore(ws []Window, c Clock) []Window {
	out := make([]Window, 0, len(ws))
	for _, w := range ws {
		if w.End <= c {
			continue
		}
		if w.Start < c {
			w.Start = c
		}
		out = append(out, w)
	}
	return out
}
