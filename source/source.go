// Package source defines the contract a document backend must satisfy
// for the scheduler: page count, per-page geometry, and tiered
// rasterization. Backends live in subpackages (pdfium, fitz,
// markdown).
package source

import (
	"context"
	"errors"
	"image"

	"github.com/wudi/docview/pages"
)

var (
	// ErrGeometryUnavailable reports that a page's dimensions are not
	// yet known. Callers fall back to an estimated aspect ratio.
	ErrGeometryUnavailable = errors.New("source: page geometry unavailable")

	// ErrPageOutOfRange reports a page index outside the document.
	ErrPageOutOfRange = errors.New("source: page index out of range")
)

// Source is a rasterizing document backend. Render must honor ctx
// cancellation; the scheduler cancels superseded requests.
type Source interface {
	// PageCount returns the number of pages in the document.
	PageCount() int

	// Geometry returns the page's dimensions in document units.
	Geometry(ctx context.Context, index int) (pages.Geometry, error)

	// Render rasterizes one page at the given tier.
	Render(ctx context.Context, index int, tier pages.Tier) (image.Image, error)

	// Close releases backend resources.
	Close() error
}
