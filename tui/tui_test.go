package tui

import (
	"errors"
	"strings"
	"testing"

	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/scheduler"
)

func TestClampOffset(t *testing.T) {
	cases := []struct {
		offset, total, length float64
		want                  float64
	}{
		{-10, 1000, 100, 0},
		{50, 1000, 100, 50},
		{950, 1000, 100, 900},
		{500, 50, 100, 0},
	}
	for _, c := range cases {
		if got := clampOffset(c.offset, c.total, c.length); got != c.want {
			t.Errorf("clampOffset(%v, %v, %v) = %v, want %v", c.offset, c.total, c.length, got, c.want)
		}
	}
}

func TestParseGoto(t *testing.T) {
	if index, err := parseGoto(" 3 ", 10); err != nil || index != 2 {
		t.Errorf("parseGoto(3) = %d, %v", index, err)
	}
	if _, err := parseGoto("0", 10); err == nil {
		t.Errorf("page 0 accepted")
	}
	if _, err := parseGoto("11", 10); err == nil {
		t.Errorf("page past end accepted")
	}
	if _, err := parseGoto("abc", 10); err == nil {
		t.Errorf("non-numeric input accepted")
	}
}

func TestPageLabel(t *testing.T) {
	label := pageLabel(pages.Snapshot{
		Index:    4,
		State:    pages.HighRes,
		Geometry: pages.Geometry{Width: 612, Height: 792},
	})
	for _, want := range []string{"5", "highres", "612×792"} {
		if !strings.Contains(label, want) {
			t.Errorf("label %q missing %q", label, want)
		}
	}

	failed := pageLabel(pages.Snapshot{
		Index: 0,
		State: pages.Failed,
		Err:   errors.New("boom"),
	})
	if !strings.Contains(failed, "boom") || !strings.Contains(failed, "?×?") {
		t.Errorf("failed label = %q", failed)
	}
}

func TestDescribeEvent(t *testing.T) {
	cases := []struct {
		ev   scheduler.Event
		want string
	}{
		{scheduler.Event{Kind: scheduler.EventPageChanged, Page: 2, TotalPages: 9}, "page 3/9"},
		{scheduler.Event{Kind: scheduler.EventRenderQueued, Page: 0, Tier: pages.TierLow}, "queued page 1 (low)"},
		{scheduler.Event{Kind: scheduler.EventRenderSucceeded, Page: 1, Tier: pages.TierHigh}, "rendered page 2 (high)"},
	}
	for _, c := range cases {
		if got := describeEvent(c.ev); got != c.want {
			t.Errorf("describeEvent(%v) = %q, want %q", c.ev.Kind, got, c.want)
		}
	}
	failed := describeEvent(scheduler.Event{Kind: scheduler.EventRenderFailed, Page: 0, Err: errors.New("boom")})
	if !strings.Contains(failed, "boom") {
		t.Errorf("failure description = %q", failed)
	}
}
