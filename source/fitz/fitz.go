// Package fitz renders PDF, EPUB, and XPS pages through go-fitz
// (MuPDF). It trades the pure-Go property of the pdfium backend for
// broader format support.
package fitz

import (
	"context"
	"fmt"
	"image"
	"sync"

	gofitz "github.com/gen2brain/go-fitz"

	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/source"
)

const (
	lowDPI  = 72
	highDPI = 144
)

// Document is a source.Source backed by one open MuPDF document.
type Document struct {
	// MuPDF contexts are not safe for concurrent use.
	mu     sync.Mutex
	doc    *gofitz.Document
	count  int
	closed bool
}

// Open loads the document at path.
func Open(path string) (*Document, error) {
	doc, err := gofitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return &Document{doc: doc, count: doc.NumPage()}, nil
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int { return d.count }

// Geometry returns the page bounds at 72 DPI, in points.
func (d *Document) Geometry(ctx context.Context, index int) (pages.Geometry, error) {
	if index < 0 || index >= d.count {
		return pages.Geometry{}, fmt.Errorf("%w: %d", source.ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return pages.Geometry{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pages.Geometry{}, source.ErrGeometryUnavailable
	}
	bounds, err := d.doc.Bound(index)
	if err != nil {
		return pages.Geometry{}, fmt.Errorf("%w: page %d: %v", source.ErrGeometryUnavailable, index, err)
	}
	return pages.Geometry{
		Width:  float64(bounds.Dx()),
		Height: float64(bounds.Dy()),
	}, nil
}

// Render rasterizes one page at the tier's DPI.
func (d *Document) Render(ctx context.Context, index int, tier pages.Tier) (image.Image, error) {
	if index < 0 || index >= d.count {
		return nil, fmt.Errorf("%w: %d", source.ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dpi := float64(lowDPI)
	if tier == pages.TierHigh {
		dpi = highDPI
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("fitz: document closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d at %.0f dpi: %w", index, dpi, err)
	}
	return img, nil
}

// Close releases the MuPDF document.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

var _ source.Source = (*Document)(nil)
