// Package scheduler decides what to render, when, at what quality, and
// in what order. It recomputes visibility on every scroll, resize, or
// navigation, diffs it against the previous visible set, and drives a
// priority queue so pages entering view get a cheap low-fidelity
// render before anything already on screen is sharpened. Off-screen
// renders are evicted to keep memory bounded by the visible window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/wudi/docview/observability"
	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/queue"
	"github.com/wudi/docview/source"
	"github.com/wudi/docview/viewport"
)

var (
	// ErrDestroyed reports an operation on a destroyed scheduler.
	ErrDestroyed = errors.New("scheduler: destroyed")

	// ErrNotInitialized reports an operation before Initialize.
	ErrNotInitialized = errors.New("scheduler: not initialized")

	// ErrPageOutOfRange reports a navigation target outside the
	// document.
	ErrPageOutOfRange = errors.New("scheduler: page index out of range")
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBufferFraction = 0.5
	DefaultSettleInterval = 250 * time.Millisecond
	DefaultCooldown       = 50 * time.Millisecond
	DefaultFallbackAspect = 1.4142 // ISO paper
)

// nominalPageWidth is used to estimate an extent for documents where
// no page geometry could be resolved at all (US Letter points).
const nominalPageWidth = 612.0

// Queue priorities: getting something on screen always outranks
// sharpening something already visible.
const (
	priorityVisible queue.Priority = 0
	priorityUpgrade queue.Priority = 10
)

// Config tunes the scheduler. Zero fields take the package defaults;
// SettleInterval and Cooldown may be set negative to disable the delay
// entirely.
type Config struct {
	// MaxConcurrent bounds simultaneous render tasks.
	MaxConcurrent int

	// BufferFraction extends the visible window by this fraction of
	// the viewport length on each side, pre-rendering pages about to
	// scroll in.
	BufferFraction float64

	// SettleInterval delays high-res upgrades after visibility is
	// confirmed, so fast continuous scrolling does not waste work.
	SettleInterval time.Duration

	// Cooldown is the minimum interval between visibility passes.
	// A pass arriving early is deferred, not dropped.
	Cooldown time.Duration

	// FallbackAspect estimates height/width for pages whose geometry
	// could not be resolved.
	FallbackAspect float64

	// PageGap is the spacing between consecutive pages in document
	// units.
	PageGap float64

	// CacheSweepInterval switches eviction from the default bounded
	// policy (evict as pages leave the visible set) to a periodic
	// sweep of off-screen renders when set above zero.
	CacheSweepInterval time.Duration

	// Scroll, when set, receives the scroll instruction issued by
	// GoToPage so the host viewport can follow.
	Scroll func(offset float64)

	Clock  Clock
	Logger observability.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = queue.DefaultMaxConcurrent
	}
	if c.BufferFraction == 0 {
		c.BufferFraction = DefaultBufferFraction
	}
	if c.BufferFraction < 0 {
		c.BufferFraction = 0
	}
	if c.SettleInterval == 0 {
		c.SettleInterval = DefaultSettleInterval
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FallbackAspect <= 0 {
		c.FallbackAspect = DefaultFallbackAspect
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Metrics is a point-in-time snapshot of scheduler and queue state.
type Metrics struct {
	Queue        queue.Metrics
	States       map[pages.State]int
	Evictions    uint64
	CurrentPage  int
	TotalPages   int
	VisiblePages int
}

type renderReq struct {
	page     int
	tier     pages.Tier
	priority queue.Priority
	// requireVisible re-validates visibility when the task is
	// dequeued; explicit rerenders skip the check.
	requireVisible bool
}

// Scheduler owns the page registry and the render queue for one
// document. All exported methods are safe for concurrent use.
type Scheduler struct {
	cfg    Config
	src    source.Source
	notify NotifyFunc
	clock  Clock
	logger observability.Logger
	q      *queue.Queue[image.Image]

	mu            sync.Mutex
	reg           *pages.Registry
	layout        viewport.Layout
	visible       []int
	current       int
	viewOffset    float64
	viewLength    float64
	initialized   bool
	destroyed     bool
	hasPassed     bool
	lastPass      time.Time
	cooldownTimer Timer
	settleTimers  map[int]Timer
	sweepTimer    Timer
	evictions     uint64
}

// New creates a scheduler over src. notify may be nil.
func New(cfg Config, src source.Source, notify NotifyFunc) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:          cfg,
		src:          src,
		notify:       notify,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		settleTimers: make(map[int]Timer),
	}
	s.q = queue.New[image.Image](cfg.MaxConcurrent, queue.WithLogger[image.Image](cfg.Logger))
	return s
}

// Initialize sizes the registry from the source, resolves page
// geometry (degrading to the fallback aspect per page on failure),
// and runs the first visibility pass. Call OnResize to establish the
// viewport before or after; an unset viewport yields an empty visible
// set, which is valid.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.mu.Unlock()

	n := s.src.PageCount()
	reg := pages.NewRegistry(n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := s.src.Geometry(ctx, i)
		if err != nil {
			// Transient: the page renders once the rasterizer knows
			// it; the layout uses a fallback extent meanwhile.
			s.logger.Debug("page geometry unavailable",
				observability.Int("page", i), observability.Error("err", err))
			continue
		}
		reg.SetGeometry(i, g)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.reg = reg
	s.rebuildLayoutLocked()
	s.initialized = true
	if s.cfg.CacheSweepInterval > 0 {
		s.scheduleSweepLocked()
	}
	s.mu.Unlock()

	s.logger.Info("document initialized", observability.Int("pages", n))
	s.refresh(true, OriginInitialize)
	return nil
}

// OnScroll records a new scroll offset and recomputes visibility,
// subject to the cooldown policy.
func (s *Scheduler) OnScroll(offset float64) {
	s.mu.Lock()
	s.viewOffset = offset
	s.mu.Unlock()
	s.refresh(false, OriginScroll)
}

// OnResize records new viewport geometry. Rendered buffers are
// invalidated back to Dimensioned since their scale no longer matches,
// the layout is rebuilt, and a visibility pass runs immediately.
func (s *Scheduler) OnResize(offset, length float64) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.viewOffset = offset
	s.viewLength = length
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	n := s.reg.Len()
	for i := 0; i < n; i++ {
		s.cancelSettleLocked(i)
		s.reg.Cancel(i, pages.TierLow)
		s.reg.Cancel(i, pages.TierHigh)
		switch s.reg.State(i) {
		case pages.LowRes, pages.HighRes, pages.Failed:
			if s.reg.Evict(i) {
				s.evictions++
			}
		}
	}
	s.rebuildLayoutLocked()
	s.mu.Unlock()
	s.refresh(true, OriginResize)
}

// GoToPage centers the target page, issues the scroll instruction,
// forces an immediate visibility pass so the target is queued without
// waiting for scroll events, and unconditionally reports the target as
// current with exactly one pageChanged notification.
func (s *Scheduler) GoToPage(index int) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if index < 0 || index >= s.reg.Len() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	offset := s.layout.OffsetToCenter(index, s.viewLength)
	s.viewOffset = offset
	scroll := s.cfg.Scroll
	total := s.reg.Len()
	s.mu.Unlock()

	if scroll != nil {
		scroll(offset)
	}
	// Bypass the cooldown; the pass suppresses its own pageChanged so
	// the navigation event below is the only one.
	s.refresh(true, OriginGoToPage)

	s.mu.Lock()
	s.current = index
	s.mu.Unlock()
	s.emit(Event{Kind: EventPageChanged, Page: index, TotalPages: total, Origin: OriginGoToPage})
	return nil
}

// RerenderPage discards the page's buffers and requests a fresh render
// regardless of visibility. This is the retry path for Failed pages.
func (s *Scheduler) RerenderPage(index int) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if index < 0 || index >= s.reg.Len() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	s.cancelSettleLocked(index)
	s.mu.Unlock()

	s.reg.Cancel(index, pages.TierLow)
	s.reg.Cancel(index, pages.TierHigh)
	s.reg.Evict(index)
	s.enqueueRender(renderReq{page: index, tier: pages.TierLow, priority: priorityVisible})
	return nil
}

// RerenderVisible re-renders every page in the current visible set.
func (s *Scheduler) RerenderVisible() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	targets := append([]int(nil), s.visible...)
	s.mu.Unlock()

	for _, i := range targets {
		if err := s.RerenderPage(i); err != nil {
			return err
		}
	}
	return nil
}

// CurrentPage returns the index of the most-in-view page.
func (s *Scheduler) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Page returns a read-only snapshot of one page record.
func (s *Scheduler) Page(index int) (pages.Snapshot, bool) {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return pages.Snapshot{}, false
	}
	return reg.Page(index)
}

// Buffer returns the rendered image for a page and tier, or nil.
func (s *Scheduler) Buffer(index int, tier pages.Tier) image.Image {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Buffer(index, tier)
}

// Layout returns the current page layout. The returned value must be
// treated as read-only.
func (s *Scheduler) Layout() viewport.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Metrics returns a snapshot of scheduler and queue counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	reg := s.reg
	m := Metrics{
		Queue:        s.q.Metrics(),
		Evictions:    s.evictions,
		CurrentPage:  s.current,
		VisiblePages: len(s.visible),
	}
	s.mu.Unlock()
	if reg != nil {
		m.States = reg.Counts()
		m.TotalPages = reg.Len()
	}
	return m
}

// Destroy cancels all in-flight work, stops timers, releases buffers,
// and rejects further operations. It is idempotent.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.sweepTimer = nil
	}
	for i, t := range s.settleTimers {
		t.Stop()
		delete(s.settleTimers, i)
	}
	reg := s.reg
	s.mu.Unlock()

	s.q.Stop()
	if reg != nil {
		reg.ReleaseAll()
	}
	s.logger.Info("scheduler destroyed")
}

// refresh runs one visibility pass. force bypasses the cooldown; a
// throttled pass is deferred to the cooldown boundary rather than
// dropped, so the final scroll position is never missed.
func (s *Scheduler) refresh(force bool, origin string) {
	s.mu.Lock()
	if s.destroyed || !s.initialized {
		s.mu.Unlock()
		return
	}
	if !force && s.cfg.Cooldown > 0 && s.hasPassed {
		elapsed := s.clock.Now().Sub(s.lastPass)
		if elapsed < s.cfg.Cooldown {
			if s.cooldownTimer == nil {
				remaining := s.cfg.Cooldown - elapsed
				s.cooldownTimer = s.clock.AfterFunc(remaining, func() {
					s.mu.Lock()
					s.cooldownTimer = nil
					s.mu.Unlock()
					s.refresh(true, origin)
				})
			}
			s.mu.Unlock()
			return
		}
	}
	s.lastPass = s.clock.Now()
	s.hasPassed = true

	newVisible := s.layout.Visible(s.viewOffset, s.viewLength, s.cfg.BufferFraction)
	d := Diff(s.visible, newVisible, s.reg.State)

	for _, i := range s.visible {
		s.reg.SetVisible(i, false)
	}
	for _, i := range newVisible {
		s.reg.SetVisible(i, true)
	}
	// The new set replaces the old atomically; it is never mutated in
	// place, so an in-flight diff cannot observe a partial update.
	s.visible = newVisible

	for _, i := range d.Evict {
		s.cancelSettleLocked(i)
		s.reg.Cancel(i, pages.TierLow)
		s.reg.Cancel(i, pages.TierHigh)
		if s.cfg.CacheSweepInterval <= 0 {
			if s.reg.Evict(i) {
				s.evictions++
			}
		}
	}

	var toEnqueue []renderReq
	for _, i := range d.RenderLow {
		if s.reg.Active(i, pages.TierLow) {
			continue // the in-flight request already covers this
		}
		toEnqueue = append(toEnqueue, renderReq{
			page:           i,
			tier:           pages.TierLow,
			priority:       priorityVisible,
			requireVisible: true,
		})
	}
	for _, i := range d.Upgrade {
		s.scheduleUpgradeLocked(i, &toEnqueue)
	}

	var events []Event
	cur := s.layout.CurrentPage(newVisible, s.viewOffset+s.viewLength/2, s.current)
	if cur != s.current {
		s.current = cur
		if origin != OriginGoToPage {
			events = append(events, Event{
				Kind:       EventPageChanged,
				Page:       cur,
				TotalPages: s.reg.Len(),
				Origin:     origin,
			})
		}
	}
	s.mu.Unlock()

	for _, r := range toEnqueue {
		s.enqueueRender(r)
	}
	for _, ev := range events {
		s.emit(ev)
	}
}

// scheduleUpgradeLocked arms the settle timer for a high-res upgrade,
// or appends an immediate request when the settle delay is disabled.
// Caller holds s.mu.
func (s *Scheduler) scheduleUpgradeLocked(index int, out *[]renderReq) {
	if s.reg.Active(index, pages.TierHigh) {
		return
	}
	if s.cfg.SettleInterval <= 0 {
		*out = append(*out, renderReq{
			page:           index,
			tier:           pages.TierHigh,
			priority:       priorityUpgrade,
			requireVisible: true,
		})
		return
	}
	if _, armed := s.settleTimers[index]; armed {
		return
	}
	s.settleTimers[index] = s.clock.AfterFunc(s.cfg.SettleInterval, func() {
		s.settleExpired(index)
	})
}

// settleExpired re-validates visibility after the settle delay; a page
// scrolled away or already upgraded is skipped.
func (s *Scheduler) settleExpired(index int) {
	s.mu.Lock()
	delete(s.settleTimers, index)
	ok := !s.destroyed && s.initialized &&
		s.reg.Visible(index) &&
		s.reg.State(index) == pages.LowRes &&
		!s.reg.Active(index, pages.TierHigh)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.enqueueRender(renderReq{
		page:           index,
		tier:           pages.TierHigh,
		priority:       priorityUpgrade,
		requireVisible: true,
	})
}

func (s *Scheduler) cancelSettleLocked(index int) {
	if t, ok := s.settleTimers[index]; ok {
		t.Stop()
		delete(s.settleTimers, index)
	}
}

// enqueueRender registers the in-flight handle (canceling any previous
// request for the same page and tier) and submits the render task.
// Must not be called with s.mu held: it emits events.
func (s *Scheduler) enqueueRender(r renderReq) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	reg := s.reg
	total := reg.Len()
	s.mu.Unlock()

	tctx, cancel := context.WithCancel(context.Background())
	gen := reg.Begin(r.page, r.tier, cancel)
	s.emit(Event{Kind: EventRenderQueued, Page: r.page, TotalPages: total, Tier: r.tier})

	h := s.q.Submit(tctx, func(ctx context.Context) (image.Image, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Re-validate: visibility and state may have changed while
		// this task sat in the backlog.
		if r.requireVisible && !reg.Visible(r.page) {
			return nil, context.Canceled
		}
		s.ensureGeometry(ctx, r.page)

		start := s.clock.Now()
		img, err := s.src.Render(ctx, r.page, r.tier)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("page rendered",
			observability.Int("page", r.page),
			observability.String("tier", r.tier.String()),
			observability.Duration(observability.MetricRenderTime, s.clock.Now().Sub(start)))
		return img, nil
	}, r.priority)

	go s.afterRender(h, r.page, r.tier, gen)
}

// ensureGeometry resolves geometry for pages that failed during
// Initialize, rebuilding the layout when dimensions arrive.
func (s *Scheduler) ensureGeometry(ctx context.Context, page int) {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil || reg.Geometry(page).Known() {
		return
	}
	g, err := s.src.Geometry(ctx, page)
	if err != nil {
		return
	}
	if reg.SetGeometry(page, g) {
		s.mu.Lock()
		if s.initialized && !s.destroyed {
			s.rebuildLayoutLocked()
		}
		s.mu.Unlock()
	}
}

// afterRender settles one render task: success transitions the page
// state forward, cancellation is silent, and any other failure marks
// the page Failed. A superseded generation never writes anything.
func (s *Scheduler) afterRender(h *queue.Handle[image.Image], page int, tier pages.Tier, gen uint64) {
	<-h.Done()
	img, err := h.Result()

	s.mu.Lock()
	reg := s.reg
	destroyed := s.destroyed
	s.mu.Unlock()
	if reg == nil || destroyed {
		return
	}

	switch {
	case err == nil:
		reg.Finish(page, tier, gen)
		if !reg.StoreResult(page, tier, img, gen) {
			return // superseded, or low-res landing after high-res
		}
		// Arm the upgrade before notifying, so a host reacting to the
		// event observes the settle timer already pending.
		var inline []renderReq
		if tier == pages.TierLow && reg.Visible(page) {
			s.mu.Lock()
			if !s.destroyed {
				s.scheduleUpgradeLocked(page, &inline)
			}
			s.mu.Unlock()
		}
		s.emit(Event{Kind: EventRenderSucceeded, Page: page, TotalPages: reg.Len(), Tier: tier})
		for _, r := range inline {
			s.enqueueRender(r)
		}
	case errors.Is(err, queue.ErrCanceled) || errors.Is(err, queue.ErrStopped) || errors.Is(err, context.Canceled):
		// Superseded or shutting down; state untouched, nothing to
		// report.
		reg.Finish(page, tier, gen)
	default:
		if !reg.Finish(page, tier, gen) {
			return // a newer request owns this page+tier
		}
		reg.SetFailed(page, err)
		s.logger.Warn("render failed",
			observability.Int("page", page),
			observability.String("tier", tier.String()),
			observability.Error("err", err))
		s.emit(Event{Kind: EventRenderFailed, Page: page, TotalPages: reg.Len(), Tier: tier, Err: err})
	}
}

// sweep is the periodic variant of eviction: every off-screen page
// holding a rendered buffer is released in one batch.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	if s.destroyed || !s.initialized {
		s.mu.Unlock()
		return
	}
	inView := make(map[int]struct{}, len(s.visible))
	for _, i := range s.visible {
		inView[i] = struct{}{}
	}
	n := s.reg.Len()
	for i := 0; i < n; i++ {
		if _, ok := inView[i]; ok {
			continue
		}
		switch s.reg.State(i) {
		case pages.LowRes, pages.HighRes:
			if s.reg.Evict(i) {
				s.evictions++
			}
		}
	}
	s.scheduleSweepLocked()
	s.mu.Unlock()
}

func (s *Scheduler) scheduleSweepLocked() {
	s.sweepTimer = s.clock.AfterFunc(s.cfg.CacheSweepInterval, s.sweep)
}

func (s *Scheduler) rebuildLayoutLocked() {
	n := s.reg.Len()
	extents := make([]float64, n)
	sum, known := 0.0, 0
	for i := 0; i < n; i++ {
		if g := s.reg.Geometry(i); g.Known() {
			extents[i] = g.Height
			sum += g.Height
			known++
		}
	}
	fallback := s.cfg.FallbackAspect * nominalPageWidth
	if known > 0 {
		fallback = sum / float64(known)
	}
	s.layout = viewport.NewLayout(extents, fallback, s.cfg.PageGap)
}

func (s *Scheduler) emit(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}
