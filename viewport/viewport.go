// Package viewport computes page visibility and the current page from
// scroll geometry. Everything here is pure: the same inputs always
// produce the same outputs, with no clocks, locks, or hidden state.
package viewport

import "math"

// Layout positions pages along the scroll axis. Extents are measured
// in document units; pages whose geometry is still unknown occupy a
// fallback extent so later pages are not mis-positioned, but are
// excluded from visibility results.
type Layout struct {
	starts  []float64
	extents []float64
	known   []bool
	total   float64
}

// NewLayout builds a layout from per-page extents. A non-positive
// extent marks the page's geometry as unknown; fallback is substituted
// for positioning. gap is inserted between consecutive pages.
func NewLayout(extents []float64, fallback, gap float64) Layout {
	if fallback <= 0 {
		fallback = 1
	}
	if gap < 0 {
		gap = 0
	}
	l := Layout{
		starts:  make([]float64, len(extents)),
		extents: make([]float64, len(extents)),
		known:   make([]bool, len(extents)),
	}
	offset := 0.0
	for i, e := range extents {
		l.starts[i] = offset
		if e > 0 {
			l.extents[i] = e
			l.known[i] = true
		} else {
			l.extents[i] = fallback
		}
		offset += l.extents[i] + gap
	}
	if n := len(extents); n > 0 {
		l.total = offset - gap
	}
	return l
}

// Len returns the page count.
func (l Layout) Len() int { return len(l.starts) }

// TotalExtent returns the full document extent along the scroll axis.
func (l Layout) TotalExtent() float64 { return l.total }

// Start returns the page's leading edge along the scroll axis.
func (l Layout) Start(index int) float64 {
	if index < 0 || index >= len(l.starts) {
		return 0
	}
	return l.starts[index]
}

// End returns the page's trailing edge along the scroll axis.
func (l Layout) End(index int) float64 {
	if index < 0 || index >= len(l.starts) {
		return 0
	}
	return l.starts[index] + l.extents[index]
}

// Center returns the page's center coordinate along the scroll axis.
func (l Layout) Center(index int) float64 {
	if index < 0 || index >= len(l.starts) {
		return 0
	}
	return l.starts[index] + l.extents[index]/2
}

// Visible returns the indices of pages intersecting the viewport
// window [offset, offset+length) extended by bufferFraction x length
// on each side. Pages with unknown geometry are skipped. An empty
// result is valid, for example before the viewport is laid out.
func (l Layout) Visible(offset, length, bufferFraction float64) []int {
	if length <= 0 || len(l.starts) == 0 {
		return nil
	}
	if bufferFraction < 0 {
		bufferFraction = 0
	}
	margin := bufferFraction * length
	lo := offset - margin
	hi := offset + length + margin

	var visible []int
	for i := range l.starts {
		if !l.known[i] {
			continue
		}
		start := l.starts[i]
		end := start + l.extents[i]
		if end > lo && start < hi {
			visible = append(visible, i)
		}
	}
	return visible
}

// CurrentPage picks the visible page whose center is nearest the
// viewport center; exact ties go to the lower index. An empty visible
// set retains previous.
func (l Layout) CurrentPage(visible []int, viewportCenter float64, previous int) int {
	if len(visible) == 0 {
		return previous
	}
	best := visible[0]
	bestDist := math.Abs(l.Center(visible[0]) - viewportCenter)
	for _, idx := range visible[1:] {
		dist := math.Abs(l.Center(idx) - viewportCenter)
		if dist < bestDist || (dist == bestDist && idx < best) {
			best = idx
			bestDist = dist
		}
	}
	return best
}

// OffsetToCenter returns the scroll offset that centers the page in a
// viewport of the given length, clamped to the document bounds.
func (l Layout) OffsetToCenter(index int, viewportLength float64) float64 {
	offset := l.Center(index) - viewportLength/2
	max := l.total - viewportLength
	if max < 0 {
		max = 0
	}
	if offset > max {
		offset = max
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}
