// Package flatten removes transparency by rasterizing pages. A flattened page
// is a single opaque JPEG image covering the original media box; its text
// and vector content are gone.
package flatten

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	MinDPI = 72
	MaxDPI = 600

	pointsPerInch      = 72
	defaultJPEGQuality = 90
	imageName          = "Im0"
)

// ErrFlatten marks every failure of a flatten call.
var ErrFlatten = errors.New("flatten failed")

// PageError reports the page that could not be flattened.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("flatten page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() []error {
	return []error{ErrFlatten, e.Err}
}

// ValidateDPI checks that dpi is within [MinDPI, MaxDPI].
func ValidateDPI(dpi float64) error {
	if math.IsNaN(dpi) || dpi < MinDPI || dpi > MaxDPI {
		return fmt.Errorf("%w: dpi %v outside [%d,%d]", ErrFlatten, dpi, MinDPI, MaxDPI)
	}
	return nil
}

// Flattener rasterizes pages. Use New for a poppler-backed instance.
type Flattener struct {
	Renderer    Renderer
	Workers     int // concurrent page renders; <= 0 means runtime.NumCPU()
	JPEGQuality int
	Logger      *slog.Logger
}

// New returns a Flattener rendering with go-poppler on every CPU.
func New() *Flattener {
	return &Flattener{
		Renderer:    PopplerRenderer{},
		Workers:     runtime.NumCPU(),
		JPEGQuality: defaultJPEGQuality,
	}
}

// FlattenAll replaces every page of data by its rasterization at dpi.
func (f *Flattener) FlattenAll(ctx context.Context, data []byte, dpi float64) ([]byte, error) {
	if err := ValidateDPI(dpi); err != nil {
		return nil, err
	}
	doc, err := pdfdoc.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
	}
	pages := make([]int, doc.PageCount())
	for i := range pages {
		pages[i] = i + 1
	}
	return f.flatten(ctx, data, doc, pages, dpi)
}

// FlattenPages rasterizes only the listed pages; the others keep their
// content. Page numbers outside the document and duplicates are ignored.
// If nothing remains to flatten, data is returned unchanged.
func (f *Flattener) FlattenPages(ctx context.Context, data []byte, pages []int, dpi float64) ([]byte, error) {
	if err := ValidateDPI(dpi); err != nil {
		return nil, err
	}
	doc, err := pdfdoc.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
	}

	var selected []int
	for _, n := range pages {
		if n >= 1 && n <= doc.PageCount() {
			selected = append(selected, n)
		}
	}
	slices.Sort(selected)
	selected = slices.Compact(selected)
	if len(selected) == 0 {
		return data, nil
	}
	return f.flatten(ctx, data, doc, selected, dpi)
}

type rendered struct {
	box pdfdoc.Rect
	img pdfdoc.Image
}

func (f *Flattener) flatten(ctx context.Context, data []byte, doc *pdfdoc.Document, pages []int, dpi float64) ([]byte, error) {
	logger := f.logger().With("pages", len(pages), "dpi", dpi)
	start := time.Now()
	scale := dpi / pointsPerInch

	// Geometry is read up front; the document is not shared with the workers.
	results := make([]rendered, len(pages))
	for i, n := range pages {
		p, err := doc.Page(n)
		if err != nil {
			return nil, &PageError{Page: n, Err: err}
		}
		box, err := doc.MediaBox(p)
		if err != nil {
			return nil, &PageError{Page: n, Err: err}
		}
		results[i].box = box
	}

	if err := f.render(ctx, data, pages, scale, results); err != nil {
		logger.Error("Rasterization failed", "error", err)
		var pe *PageError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
	}

	for i, n := range pages {
		r := results[i]
		content := placement(r.box)
		if err := doc.ReplacePage(n, r.box, imageName, r.img, content); err != nil {
			return nil, &PageError{Page: n, Err: err}
		}
	}
	out, err := doc.Save()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
	}
	// pdfcpu writes its own header version; keep the one the input declared.
	if label, err := pdfdoc.FormatVersion(doc.HeaderVersion()); err == nil {
		if out, err = pdfdoc.PatchHeader(out, label); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
		}
	} else {
		logger.Warn("Input header version kept as written by pdfcpu", "headerVersion", doc.HeaderVersion(), "error", err)
	}
	logger.Info("Pages flattened", "duration", time.Since(start), "inputBytes", len(data), "outputBytes", len(out))
	return out, nil
}

// render fills results[i].img for pages[i] on a bounded pool of workers, each
// with its own Rasterizer.
func (f *Flattener) render(ctx context.Context, data []byte, pages []int, scale float64, results []rendered) error {
	renderer := f.Renderer
	if renderer == nil {
		renderer = PopplerRenderer{}
	}
	workers := f.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := range pages {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range workers {
		g.Go(func() error {
			r, err := renderer.Open(data)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					f.logger().Warn("Failed to close rasterizer", "error", err)
				}
			}()
			for i := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				img, err := f.renderPage(r, pages[i], scale, results[i].box)
				if err != nil {
					return &PageError{Page: pages[i], Err: err}
				}
				results[i].img = img
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Flattener) renderPage(r Rasterizer, pageNr int, scale float64, box pdfdoc.Rect) (pdfdoc.Image, error) {
	src, err := r.RenderPage(pageNr, scale)
	if err != nil {
		return pdfdoc.Image{}, fmt.Errorf("render: %w", err)
	}
	if src.Bounds().Empty() {
		return pdfdoc.Image{}, errors.New("render: empty image")
	}
	w := int(math.Ceil(box.Width() * scale))
	h := int(math.Ceil(box.Height() * scale))
	canvas := opaque(src, w, h)

	quality := f.JPEGQuality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return pdfdoc.Image{}, fmt.Errorf("encode: %w", err)
	}
	return pdfdoc.Image{
		Data:             buf.Bytes(),
		Width:            w,
		Height:           h,
		Filter:           "DCTDecode",
		ColorSpace:       "DeviceRGB",
		BitsPerComponent: 8,
	}, nil
}

// opaque composites src over white onto a w×h canvas, scaling when the
// rendered size differs from the target.
func opaque(src image.Image, w, h int) *image.RGBA {
	bounds := image.Rect(0, 0, w, h)
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.White, image.Point{}, draw.Src)
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		draw.Draw(canvas, bounds, src, src.Bounds().Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(canvas, bounds, src, src.Bounds(), draw.Over, nil)
	}
	return canvas
}

// placement draws the page image over the full media box.
func placement(box pdfdoc.Rect) []byte {
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Appendf(nil, "q %s 0 0 %s %s %s cm /%s Do Q", num(box.Width()), num(box.Height()), num(box.LLX), num(box.LLY), imageName)
}

func (f *Flattener) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
