// Package pdfium renders PDF pages through go-pdfium's WebAssembly
// build, so no CGo or system MuPDF is required.
package pdfium

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"os"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/responses"
	"github.com/klippa-app/go-pdfium/webassembly"

	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/source"
)

// Render DPI per tier. The low tier matches the PDF point grid; the
// high tier doubles it.
const (
	lowDPI  = 72
	highDPI = 144
)

// Document is a source.Source backed by one open PDF.
type Document struct {
	// The pdfium instance is not safe for concurrent use; all calls
	// are serialized.
	mu        sync.Mutex
	pool      pdfium.Pool
	instance  pdfium.Pdfium
	doc       *responses.OpenDocument
	pageCount int
	closed    bool
}

// Open loads the PDF at path into a single-worker WebAssembly pool.
func Open(path string) (*Document, error) {
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  1,
		MaxTotal: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("init pdfium: %w", err)
	}

	instance, err := pool.GetInstance(30 * time.Second)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("get pdfium instance: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	doc, err := instance.OpenDocument(&requests.OpenDocument{File: &data})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	count, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		pool.Close()
		return nil, fmt.Errorf("page count: %w", err)
	}

	return &Document{
		pool:      pool,
		instance:  instance,
		doc:       doc,
		pageCount: count.PageCount,
	}, nil
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int { return d.pageCount }

// Geometry returns the page size in PDF points.
func (d *Document) Geometry(ctx context.Context, index int) (pages.Geometry, error) {
	if index < 0 || index >= d.pageCount {
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
	size, err := d.instance.GetPageSize(&requests.GetPageSize{
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{Document: d.doc.Document, Index: index},
		},
	})
	if err != nil {
		return pages.Geometry{}, fmt.Errorf("%w: page %d: %v", source.ErrGeometryUnavailable, index, err)
	}
	return pages.Geometry{Width: size.Width, Height: size.Height}, nil
}

// Render rasterizes one page at the tier's DPI.
func (d *Document) Render(ctx context.Context, index int, tier pages.Tier) (image.Image, error) {
	if index < 0 || index >= d.pageCount {
		return nil, fmt.Errorf("%w: %d", source.ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dpi := lowDPI
	if tier == pages.TierHigh {
		dpi = highDPI
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("pdfium: document closed")
	}
	// The rasterizer itself is not cancellable; re-check after the
	// lock wait so a superseded request stops here.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	render, err := d.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		DPI: dpi,
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{Document: d.doc.Document, Index: index},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("render page %d at %d dpi: %w", index, dpi, err)
	}
	// Cleanup releases the buffer backing the result image, so copy
	// the pixels out first.
	res := render.Result.Image
	img := image.NewRGBA(res.Bounds())
	draw.Draw(img, img.Bounds(), res, res.Bounds().Min, draw.Src)
	render.Cleanup()
	return img, nil
}

// Close releases the document and the WebAssembly pool.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: d.doc.Document})
	d.pool.Close()
	return nil
}

var _ source.Source = (*Document)(nil)
