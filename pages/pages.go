// Package pages holds the authoritative per-page record for a document:
// geometry, resolution state, visibility, rendered buffers, and the
// arena of in-flight render handles keyed by (page, tier).
package pages

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// State is a page's render fidelity, tracked independently of
// visibility. The upgrade path is Unrendered -> Dimensioned -> LowRes
// -> HighRes; eviction, resize, or invalidation regress a page to
// Dimensioned; Failed is reachable from any in-flight state and is
// retryable.
type State uint8

const (
	Unrendered State = iota
	Dimensioned
	LowRes
	HighRes
	Failed
)

func (s State) String() string {
	switch s {
	case Unrendered:
		return "unrendered"
	case Dimensioned:
		return "dimensioned"
	case LowRes:
		return "lowres"
	case HighRes:
		return "highres"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Tier is a render fidelity level.
type Tier uint8

const (
	TierLow Tier = iota
	TierHigh
)

func (t Tier) String() string {
	if t == TierHigh {
		return "high"
	}
	return "low"
}

// Geometry is a page's dimensions in document units.
type Geometry struct {
	Width  float64
	Height float64
}

// Known reports whether the dimensions have been resolved.
func (g Geometry) Known() bool { return g.Width > 0 && g.Height > 0 }

// Aspect returns height/width, or 0 when unknown.
func (g Geometry) Aspect() float64 {
	if g.Width <= 0 {
		return 0
	}
	return g.Height / g.Width
}

// Snapshot is a host-readable copy of one page record. Buffers are
// deliberately excluded; use Registry.Buffer.
type Snapshot struct {
	Index    int
	Geometry Geometry
	State    State
	Visible  bool
	Err      error
}

type record struct {
	geometry Geometry
	state    State
	visible  bool
	err      error
	buffers  [2]image.Image
}

type handleKey struct {
	page int
	tier Tier
}

type renderHandle struct {
	cancel context.CancelFunc
	gen    uint64
}

// Registry is the per-document page table. It is owned by the
// scheduler; the host only reads it through accessors.
type Registry struct {
	mu      sync.RWMutex
	records []record
	handles map[handleKey]*renderHandle
	gens    map[handleKey]uint64
}

// NewRegistry creates a registry for n pages, all Unrendered.
func NewRegistry(n int) *Registry {
	if n < 0 {
		n = 0
	}
	return &Registry{
		records: make([]record, n),
		handles: make(map[handleKey]*renderHandle),
		gens:    make(map[handleKey]uint64),
	}
}

// Len returns the page count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) valid(index int) bool {
	return index >= 0 && index < len(r.records)
}

// Page returns a snapshot of one page.
func (r *Registry) Page(index int) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(index) {
		return Snapshot{}, false
	}
	rec := r.records[index]
	return Snapshot{
		Index:    index,
		Geometry: rec.geometry,
		State:    rec.state,
		Visible:  rec.visible,
		Err:      rec.err,
	}, true
}

// State returns the page's resolution state, or Unrendered for an
// out-of-range index.
func (r *Registry) State(index int) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(index) {
		return Unrendered
	}
	return r.records[index].state
}

// SetState records a state transition.
func (r *Registry) SetState(index int, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) {
		return
	}
	r.records[index].state = s
	if s != Failed {
		r.records[index].err = nil
	}
}

// Geometry returns the page's recorded geometry.
func (r *Registry) Geometry(index int) Geometry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(index) {
		return Geometry{}
	}
	return r.records[index].geometry
}

// SetGeometry records page dimensions. A page still Unrendered
// advances to Dimensioned. Reports whether the geometry changed.
func (r *Registry) SetGeometry(index int, g Geometry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) || !g.Known() {
		return false
	}
	rec := &r.records[index]
	changed := rec.geometry != g
	rec.geometry = g
	if rec.state == Unrendered {
		rec.state = Dimensioned
	}
	return changed
}

// Visible reports the page's visibility flag.
func (r *Registry) Visible(index int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(index) {
		return false
	}
	return r.records[index].visible
}

// SetVisible updates the page's visibility flag.
func (r *Registry) SetVisible(index int, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) {
		return
	}
	r.records[index].visible = v
}

// Buffer returns the rendered image for a tier, or nil.
func (r *Registry) Buffer(index int, tier Tier) image.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(index) {
		return nil
	}
	return r.records[index].buffers[tier]
}

// SetFailed marks a page Failed with its error. The rendered buffers
// are retained so a stale preview can still be shown.
func (r *Registry) SetFailed(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) {
		return
	}
	r.records[index].state = Failed
	r.records[index].err = err
}

// Begin registers a new in-flight render for (page, tier), canceling
// any previous handle at the same tier first. The returned generation
// must be presented to StoreResult and Finish; a stale generation
// means the request was superseded.
func (r *Registry) Begin(index int, tier Tier, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	key := handleKey{index, tier}
	prev := r.handles[key]
	r.gens[key]++
	gen := r.gens[key]
	r.handles[key] = &renderHandle{cancel: cancel, gen: gen}
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return gen
}

// Active reports whether a render is in flight for (page, tier).
func (r *Registry) Active(index int, tier Tier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[handleKey{index, tier}]
	return ok
}

// Cancel aborts any in-flight render for (page, tier).
func (r *Registry) Cancel(index int, tier Tier) {
	r.mu.Lock()
	key := handleKey{index, tier}
	h := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// CancelAll aborts every in-flight render.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]*renderHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[handleKey]*renderHandle)
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// Finish clears the in-flight handle for (page, tier) if gen is still
// current. Reports whether gen was current.
func (r *Registry) Finish(index int, tier Tier, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := handleKey{index, tier}
	h := r.handles[key]
	if h == nil || h.gen != gen {
		return false
	}
	delete(r.handles, key)
	return true
}

// StoreResult writes a completed render into the registry if gen is
// still current. A low-tier result arriving after the page reached
// HighRes is discarded: the high-res buffer is authoritative. Reports
// whether the result was accepted.
func (r *Registry) StoreResult(index int, tier Tier, img image.Image, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) {
		return false
	}
	key := handleKey{index, tier}
	if r.gens[key] != gen {
		return false
	}
	rec := &r.records[index]
	if tier == TierLow && rec.state == HighRes {
		return false
	}
	rec.buffers[tier] = img
	rec.err = nil
	switch tier {
	case TierLow:
		rec.state = LowRes
	case TierHigh:
		rec.state = HighRes
	}
	return true
}

// Evict releases both tier buffers and regresses the page's state.
// Geometry is retained, so the page lands on Dimensioned; a page whose
// geometry was never resolved falls back to Unrendered.
func (r *Registry) Evict(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(index) {
		return false
	}
	rec := &r.records[index]
	released := rec.buffers[TierLow] != nil || rec.buffers[TierHigh] != nil
	rec.buffers[TierLow] = nil
	rec.buffers[TierHigh] = nil
	if rec.geometry.Known() {
		rec.state = Dimensioned
	} else {
		rec.state = Unrendered
	}
	rec.err = nil
	return released
}

// ReleaseAll drops every buffer and in-flight handle; used on destroy.
func (r *Registry) ReleaseAll() {
	r.CancelAll()
	r.mu.Lock()
	for i := range r.records {
		r.records[i].buffers[TierLow] = nil
		r.records[i].buffers[TierHigh] = nil
	}
	r.mu.Unlock()
}

// Counts returns the number of pages in each state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int, 5)
	for i := range r.records {
		counts[r.records[i].state]++
	}
	return counts
}
