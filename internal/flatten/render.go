package flatten

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/novvoo/go-poppler/pkg/pdf"
)

// Renderer opens documents for rasterization.
type Renderer interface {
	Open(data []byte) (Rasterizer, error)
}

// Rasterizer renders pages of one opened document. A Rasterizer is used by a
// single goroutine at a time.
type Rasterizer interface {
	// RenderPage renders the 1-based page at scale device pixels per point.
	RenderPage(pageNr int, scale float64) (image.Image, error)
	Close() error
}

// PopplerRenderer rasterizes with go-poppler.
type PopplerRenderer struct{}

func (PopplerRenderer) Open(data []byte) (Rasterizer, error) {
	doc, err := pdf.NewDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open document for rendering: %w", err)
	}
	return &popplerRasterizer{doc: doc}, nil
}

type popplerRasterizer struct {
	doc *pdf.Document
}

func (r *popplerRasterizer) RenderPage(pageNr int, scale float64) (image.Image, error) {
	renderer := pdf.NewPageRenderer(r.doc, pdf.RenderOptions{
		DPI:       scale * pointsPerInch,
		Format:    "png",
		AntiAlias: true,
	})
	page, err := renderer.RenderPage(pageNr)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(page.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered page: %w", err)
	}
	return img, nil
}

func (r *popplerRasterizer) Close() error {
	return r.doc.Close()
}
