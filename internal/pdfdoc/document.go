// Package pdfdoc is the document model the compatibility core works against.
// It wraps a pdfcpu context and exposes only what the scanner, flattener and
// version rewriter need: page enumeration, page geometry, resource-graph
// lookups and serialization.
package pdfdoc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// maxTreeDepth bounds walks up the page tree when resolving inherited attributes.
const maxTreeDepth = 64

var disableConfigDir sync.Once

// NewConfiguration returns the pdfcpu configuration used for every load and save.
// Object and xref streams are disabled so output stays readable by pre-1.5 consumers.
func NewConfiguration() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)

	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	cfg.WriteObjectStream = false
	cfg.WriteXRefStream = false
	return cfg
}

// Document is a loaded PDF object graph.
type Document struct {
	ctx           *model.Context
	headerVersion float64
}

// Page is a single page dictionary together with its 1-based number.
type Page struct {
	Number int
	Dict   types.Dict
}

// Load parses raw bytes into a traversable document.
func Load(data []byte) (*Document, error) {
	headerVersion, err := HeaderVersion(data)
	if err != nil {
		return nil, err
	}
	ctx, err := api.ReadContext(bytes.NewReader(data), NewConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("failed to determine page count: %w", err)
	}
	return &Document{ctx: ctx, headerVersion: headerVersion}, nil
}

// Save serializes the document. The header written by pdfcpu is left untouched;
// use PatchHeader to relabel it.
func (d *Document) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := api.WriteContext(d.ctx, &buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// HeaderVersion is the version the loaded file's %PDF- header declared.
func (d *Document) HeaderVersion() float64 { return d.headerVersion }

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int {
	return d.ctx.PageCount
}

// Page returns the page dictionary for a 1-based page number. The returned
// dictionary is live: changes to it are written by Save.
func (d *Document) Page(pageNr int) (Page, error) {
	if pageNr < 1 || pageNr > d.PageCount() {
		return Page{}, fmt.Errorf("page %d out of range [1,%d]", pageNr, d.PageCount())
	}
	dict, _, _, err := d.ctx.PageDict(pageNr, false)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read page %d: %w", pageNr, err)
	}
	if dict == nil {
		return Page{}, fmt.Errorf("page %d has no dictionary", pageNr)
	}
	return Page{Number: pageNr, Dict: dict}, nil
}

// Resources returns the effective resource dictionary of a page, honouring
// inheritance from ancestor page-tree nodes. A page without resources yields nil.
func (d *Document) Resources(p Page) (types.Dict, error) {
	obj := d.inherited(p.Dict, "Resources")
	if obj == nil {
		return nil, nil
	}
	return d.Dict(obj)
}

// MediaBox returns the effective media box of a page. Pages that declare none
// anywhere in their ancestry default to US Letter.
func (d *Document) MediaBox(p Page) (Rect, error) {
	obj := d.inherited(p.Dict, "MediaBox")
	if obj == nil {
		return Letter, nil
	}
	arr, err := d.Array(obj)
	if err != nil {
		return Rect{}, fmt.Errorf("page %d: invalid MediaBox: %w", p.Number, err)
	}
	return rectFromArray(d, arr)
}

func (d *Document) inherited(dict types.Dict, key string) types.Object {
	for depth := 0; dict != nil && depth < maxTreeDepth; depth++ {
		if obj, ok := dict[key]; ok && obj != nil {
			return obj
		}
		parent, err := d.Dict(dict["Parent"])
		if err != nil {
			return nil
		}
		dict = parent
	}
	return nil
}

// Catalog returns the document catalog.
func (d *Document) Catalog() (types.Dict, error) {
	return d.ctx.Catalog()
}

// DeclaredVersion is the larger of the header version and the catalog /Version entry.
func (d *Document) DeclaredVersion() float64 {
	v := d.headerVersion
	root, err := d.Catalog()
	if err != nil {
		return v
	}
	name, err := d.Name(root["Version"])
	if err != nil || name == "" {
		return v
	}
	if rv, err := ParseVersion(name); err == nil && rv > v {
		return rv
	}
	return v
}

// ClearCatalogVersion removes the catalog /Version override so the header alone
// declares the document version.
func (d *Document) ClearCatalogVersion() error {
	root, err := d.Catalog()
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	delete(root, "Version")
	d.ctx.RootVersion = nil
	return nil
}

// PageContent returns the decoded content stream bytes of a page, concatenated
// in order when the page has an array of streams.
func (d *Document) PageContent(pageNr int) ([]byte, error) {
	p, err := d.Page(pageNr)
	if err != nil {
		return nil, err
	}
	obj, err := d.Deref(p.Dict["Contents"])
	if err != nil {
		return nil, err
	}
	var parts []types.Object
	switch o := obj.(type) {
	case nil:
		return nil, nil
	case types.Array:
		parts = o
	default:
		parts = []types.Object{o}
	}

	var buf bytes.Buffer
	for _, part := range parts {
		sd, ok, err := d.Stream(part)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("page %d: content is not a stream", pageNr)
		}
		if sd.Content == nil {
			if err := sd.Decode(); err != nil {
				return nil, fmt.Errorf("page %d: failed to decode content: %w", pageNr, err)
			}
		}
		buf.Write(sd.Content)
	}
	return buf.Bytes(), nil
}
