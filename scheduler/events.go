package scheduler

import "github.com/wudi/docview/pages"

// EventKind classifies scheduler notifications.
type EventKind uint8

const (
	EventPageChanged EventKind = iota
	EventRenderQueued
	EventRenderSucceeded
	EventRenderFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPageChanged:
		return "pageChanged"
	case EventRenderQueued:
		return "renderQueued"
	case EventRenderSucceeded:
		return "renderSucceeded"
	case EventRenderFailed:
		return "renderFailed"
	default:
		return "unknown"
	}
}

// Origins attached to pageChanged events.
const (
	OriginInitialize = "initialize"
	OriginScroll     = "scroll"
	OriginResize     = "resize"
	OriginGoToPage   = "goToPage"
	OriginRerender   = "rerender"
)

// Event is a notification delivered to the host. Tier is meaningful
// for render events, Origin for pageChanged events, Err for
// renderFailed events.
type Event struct {
	Kind       EventKind
	Page       int
	TotalPages int
	Tier       pages.Tier
	Origin     string
	Err        error
}

// NotifyFunc receives scheduler events. It is called from scheduler
// goroutines and must not block for long.
type NotifyFunc func(Event)
