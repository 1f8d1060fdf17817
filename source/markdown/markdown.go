// Package markdown paginates a Markdown document into fixed-geometry
// text pages and rasterizes them with a bitmap font. It doubles as the
// deterministic backend for demos and tests: no external files, no
// native rasterizer.
package markdown

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/source"
)

// Options controls pagination and rasterization. Zero fields take the
// defaults below.
type Options struct {
	PageWidth  int // pixels, default 612
	PageHeight int // pixels, default 792
	Margin     int // pixels, default 36
}

const (
	defaultPageWidth  = 612
	defaultPageHeight = 792
	defaultMargin     = 36

	// basicfont.Face7x13 metrics.
	glyphWidth = 7
	lineHeight = 16
)

func (o Options) withDefaults() Options {
	if o.PageWidth <= 0 {
		o.PageWidth = defaultPageWidth
	}
	if o.PageHeight <= 0 {
		o.PageHeight = defaultPageHeight
	}
	if o.Margin < 0 || o.Margin*2 >= o.PageWidth || o.Margin*2 >= o.PageHeight {
		o.Margin = defaultMargin
	}
	return o
}

func (o Options) wrapColumn() int   { return (o.PageWidth - 2*o.Margin) / glyphWidth }
func (o Options) linesPerPage() int { return (o.PageHeight - 2*o.Margin) / lineHeight }

// Document is a paginated Markdown document.
type Document struct {
	opts  Options
	pages [][]string
	geom  pages.Geometry

	mu     sync.Mutex
	closed bool
}

// Parse converts Markdown text into pages of wrapped lines.
func Parse(src []byte, opts Options) (*Document, error) {
	opts = opts.withDefaults()

	md := goldmark.New()
	root := md.Parser().Parse(gtext.NewReader(src))

	var lines []string
	if err := collectBlocks(root, src, opts.wrapColumn(), &lines); err != nil {
		return nil, err
	}

	// Trim trailing blank separators so the last page is not empty.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	perPage := opts.linesPerPage()
	var paginated [][]string
	for start := 0; start < len(lines); start += perPage {
		end := start + perPage
		if end > len(lines) {
			end = len(lines)
		}
		paginated = append(paginated, lines[start:end])
	}
	if len(paginated) == 0 {
		paginated = [][]string{nil} // an empty document still has one page
	}

	return &Document{
		opts:  opts,
		pages: paginated,
		geom: pages.Geometry{
			Width:  float64(opts.PageWidth),
			Height: float64(opts.PageHeight),
		},
	}, nil
}

// collectBlocks flattens block nodes into wrapped text lines with a
// blank line between blocks.
func collectBlocks(node ast.Node, src []byte, col int, out *[]string) error {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Heading:
			heading := flattenText(n, src)
			*out = append(*out, wrap(heading, col)...)
			rule := "-"
			if n.Level == 1 {
				rule = "="
			}
			width := len(heading)
			if width > col {
				width = col
			}
			if width > 0 {
				*out = append(*out, strings.Repeat(rule, width))
			}
			*out = append(*out, "")
		case *ast.Paragraph:
			*out = append(*out, wrap(flattenText(n, src), col)...)
			*out = append(*out, "")
		case *ast.List:
			if err := collectListItems(n, src, col, out); err != nil {
				return err
			}
			*out = append(*out, "")
		case *ast.FencedCodeBlock:
			appendCodeLines(n.Lines(), src, out)
			*out = append(*out, "")
		case *ast.CodeBlock:
			appendCodeLines(n.Lines(), src, out)
			*out = append(*out, "")
		case *ast.ThematicBreak:
			*out = append(*out, strings.Repeat("*", col/2), "")
		case *ast.Blockquote:
			var inner []string
			if err := collectBlocks(n, src, col-2, &inner); err != nil {
				return err
			}
			for _, line := range inner {
				if line == "" {
					*out = append(*out, "")
					continue
				}
				*out = append(*out, "> "+line)
			}
		default:
			if child.Type() == ast.TypeBlock {
				*out = append(*out, wrap(flattenText(child, src), col)...)
				*out = append(*out, "")
			}
		}
	}
	return nil
}

func collectListItems(list *ast.List, src []byte, col int, out *[]string) error {
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		li, ok := item.(*ast.ListItem)
		if !ok {
			continue
		}
		text := flattenText(li, src)
		wrapped := wrap(text, col-2)
		for i, line := range wrapped {
			if i == 0 {
				*out = append(*out, "- "+line)
			} else {
				*out = append(*out, "  "+line)
			}
		}
	}
	return nil
}

func appendCodeLines(segments *gtext.Segments, src []byte, out *[]string) {
	for i := 0; i < segments.Len(); i++ {
		seg := segments.At(i)
		line := strings.TrimRight(string(seg.Value(src)), "\n")
		*out = append(*out, "    "+line)
	}
}

// flattenText concatenates the text segments under a node, collapsing
// soft line breaks into spaces.
func flattenText(node ast.Node, src []byte) string {
	var sb strings.Builder
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			if t, ok := child.(*ast.Text); ok {
				sb.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					sb.WriteByte(' ')
				}
				continue
			}
			walk(child)
		}
	}
	walk(node)
	return strings.TrimSpace(sb.String())
}

// wrap breaks text into lines of at most col characters at word
// boundaries. Overlong words are split hard.
func wrap(text string, col int) []string {
	if col < 1 {
		col = 1
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	current := ""
	for _, word := range words {
		for len(word) > col {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			lines = append(lines, word[:col])
			word = word[col:]
		}
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= col:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// PageCount returns the number of pages after pagination.
func (d *Document) PageCount() int { return len(d.pages) }

// Geometry returns the fixed page geometry.
func (d *Document) Geometry(ctx context.Context, index int) (pages.Geometry, error) {
	if index < 0 || index >= len(d.pages) {
		return pages.Geometry{}, fmt.Errorf("%w: %d", source.ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return pages.Geometry{}, err
	}
	return d.geom, nil
}

// Render draws the page's lines with a bitmap font. The low tier is a
// half-scale downsample of the full rendering.
func (d *Document) Render(ctx context.Context, index int, tier pages.Tier) (image.Image, error) {
	if index < 0 || index >= len(d.pages) {
		return nil, fmt.Errorf("%w: %d", source.ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("markdown: document closed")
	}

	full := d.renderFull(index)
	if tier == pages.TierHigh {
		return full, nil
	}

	low := image.NewRGBA(image.Rect(0, 0, d.opts.PageWidth/2, d.opts.PageHeight/2))
	xdraw.ApproxBiLinear.Scale(low, low.Bounds(), full, full.Bounds(), xdraw.Src, nil)
	return low, nil
}

func (d *Document) renderFull(index int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, d.opts.PageWidth, d.opts.PageHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	y := d.opts.Margin + lineHeight
	for _, line := range d.pages[index] {
		drawer.Dot = fixed.P(d.opts.Margin, y)
		drawer.DrawString(line)
		y += lineHeight
	}
	return img
}

// Close marks the document closed. Render calls fail afterwards.
func (d *Document) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

var _ source.Source = (*Document)(nil)
