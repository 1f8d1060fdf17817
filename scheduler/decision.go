package scheduler

import "github.com/wudi/docview/pages"

// Decision is the outcome of one visibility pass: pages that need a
// first low-fidelity render, pages to sharpen, and pages that left the
// visible set. The three lists are disjoint.
type Decision struct {
	RenderLow []int
	Upgrade   []int
	Evict     []int
}

// Diff compares the old and new visible sets against per-page
// resolution state. Pages newly or still visible without a high-res
// buffer either need a low render (anything below LowRes, or Failed)
// or an upgrade (LowRes present). Pages that dropped out of the
// visible set become eviction candidates.
func Diff(oldVisible, newVisible []int, state func(int) pages.State) Decision {
	var d Decision
	inNew := make(map[int]struct{}, len(newVisible))
	for _, i := range newVisible {
		inNew[i] = struct{}{}
		switch state(i) {
		case pages.HighRes:
			// Nothing to do.
		case pages.LowRes:
			d.Upgrade = append(d.Upgrade, i)
		default:
			d.RenderLow = append(d.RenderLow, i)
		}
	}
	for _, i := range oldVisible {
		if _, ok := inNew[i]; !ok {
			d.Evict = append(d.Evict, i)
		}
	}
	return d
}
