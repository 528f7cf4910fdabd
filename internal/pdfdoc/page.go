package pdfdoc

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Rect is a page box in default user space units.
type Rect struct {
	LLX, LLY, URX, URY float64
}

// Letter is the media box assumed for pages that declare none.
var Letter = Rect{0, 0, 612, 792}

func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

func (r Rect) array() types.Array {
	return types.Array{types.Float(r.LLX), types.Float(r.LLY), types.Float(r.URX), types.Float(r.URY)}
}

func rectFromArray(d *Document, arr types.Array) (Rect, error) {
	if len(arr) != 4 {
		return Rect{}, fmt.Errorf("rectangle has %d elements", len(arr))
	}
	var v [4]float64
	for i, o := range arr {
		n, ok, err := d.Number(o)
		if err != nil {
			return Rect{}, err
		}
		if !ok {
			return Rect{}, fmt.Errorf("rectangle element %d is missing", i)
		}
		v[i] = n
	}
	r := Rect{LLX: min(v[0], v[2]), LLY: min(v[1], v[3]), URX: max(v[0], v[2]), URY: max(v[1], v[3])}
	if r.Width() <= 0 || r.Height() <= 0 {
		return Rect{}, fmt.Errorf("degenerate rectangle %v", v)
	}
	return r, nil
}

// Image is an encoded raster image ready to be embedded as an image XObject.
type Image struct {
	Data             []byte
	Width, Height    int
	Filter           string
	ColorSpace       string
	BitsPerComponent int
}

// pageKeep lists the page entries that survive a page rebuild.
var pageKeep = map[string]bool{
	"Type":    true,
	"Parent":  true,
	"CropBox": true,
	"Rotate":  true,
}

// ReplacePage rebuilds a page in place so that it shows nothing but img.
// The page keeps its position in the page tree, its geometry and rotation;
// everything else (content, resources, group, annotations) is replaced by a
// single image XObject named xobjName and the given content stream.
func (d *Document) ReplacePage(pageNr int, box Rect, xobjName string, img Image, content []byte) error {
	p, err := d.Page(pageNr)
	if err != nil {
		return err
	}

	imageDict := types.Dict{
		"Type":             types.Name("XObject"),
		"Subtype":          types.Name("Image"),
		"Width":            types.Integer(img.Width),
		"Height":           types.Integer(img.Height),
		"ColorSpace":       types.Name(img.ColorSpace),
		"BitsPerComponent": types.Integer(img.BitsPerComponent),
	}
	var filters []types.PDFFilter
	if img.Filter != "" {
		imageDict["Filter"] = types.Name(img.Filter)
		filters = []types.PDFFilter{{Name: img.Filter}}
	}
	imageRef, err := d.addStream(imageDict, img.Data, filters, false)
	if err != nil {
		return fmt.Errorf("page %d: failed to add image: %w", pageNr, err)
	}
	contentRef, err := d.addStream(types.Dict{}, content, nil, true)
	if err != nil {
		return fmt.Errorf("page %d: failed to add content stream: %w", pageNr, err)
	}

	for key := range p.Dict {
		if !pageKeep[key] {
			delete(p.Dict, key)
		}
	}
	p.Dict["MediaBox"] = box.array()
	p.Dict["Resources"] = types.Dict{
		"XObject": types.Dict{xobjName: imageRef},
	}
	p.Dict["Contents"] = contentRef
	return nil
}

func (d *Document) addStream(dict types.Dict, data []byte, filters []types.PDFFilter, decoded bool) (types.IndirectRef, error) {
	length := int64(len(data))
	dict["Length"] = types.Integer(len(data))
	sd := types.StreamDict{
		Dict:           dict,
		StreamLength:   &length,
		FilterPipeline: filters,
		Raw:            data,
	}
	if decoded {
		sd.Content = data
	}
	ref, err := d.ctx.IndRefForNewObject(sd)
	if err != nil {
		return types.IndirectRef{}, err
	}
	return *ref, nil
}
