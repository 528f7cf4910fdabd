// Package transparency finds the PDF 1.4 transparency constructs in a document:
// transparency groups, non-trivial blend modes, constant opacity, soft masks
// and image masks, wherever they are reachable from a page's resources.
//
// A scan is best effort. Resources that cannot be read are skipped and recorded
// as warnings; only a document that cannot be loaded at all fails the scan.
package transparency

import (
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/pdfcompat/internal/models"
	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	// MaxDepth bounds how deep form XObjects are followed.
	MaxDepth = 32
	// IntroducedIn is the first PDF version with transparency.
	IntroducedIn = 1.4
)

// Scanner walks documents for transparency. The zero value is ready to use.
type Scanner struct {
	Logger *slog.Logger
}

// Scan parses data and scans it with a default Scanner.
func Scan(data []byte) (*models.TransparencyReport, error) {
	return (&Scanner{}).Scan(data)
}

// Scan parses data and reports every transparency construct found.
func (s *Scanner) Scan(data []byte) (*models.TransparencyReport, error) {
	doc, err := pdfdoc.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load document for scanning: %w", err)
	}
	return s.ScanDocument(doc), nil
}

// ScanDocument scans an already loaded document.
func (s *Scanner) ScanDocument(doc *pdfdoc.Document) *models.TransparencyReport {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &walker{
		doc:    doc,
		logger: logger,
		report: &models.TransparencyReport{
			DeclaredVersion: doc.DeclaredVersion(),
			PageCount:       doc.PageCount(),
			Issues:          []models.Issue{},
		},
	}

	for n := 1; n <= doc.PageCount(); n++ {
		w.page(n)
	}

	if w.report.DeclaredVersion >= IntroducedIn {
		w.report.Issues = append(w.report.Issues, models.Issue{
			Location: "Document",
			Kind:     models.KindVersionInfo,
			Detail:   fmt.Sprintf("PDF version %.1f supports transparency (1.4+)", w.report.DeclaredVersion),
		})
	}
	w.report.HasTransparency = len(w.report.FeatureIssues()) > 0

	logger.Info("Transparency scan complete",
		"pages", w.report.PageCount,
		"version", w.report.DeclaredVersion,
		"issues", len(w.report.Issues),
		"warnings", len(w.report.Warnings),
		"hasTransparency", w.report.HasTransparency)
	return w.report
}

type walker struct {
	doc    *pdfdoc.Document
	logger *slog.Logger
	report *models.TransparencyReport
	pageNr int
}

func (w *walker) add(location string, kind models.IssueKind, format string, args ...any) {
	w.report.Issues = append(w.report.Issues, models.Issue{
		Page:     w.pageNr,
		Location: location,
		Kind:     kind,
		Detail:   fmt.Sprintf(format, args...),
	})
}

func (w *walker) warn(location string, err error) {
	msg := fmt.Sprintf("%s: %v", location, err)
	w.logger.Warn("Skipping unreadable resource", "page", w.pageNr, "location", location, "error", err)
	w.report.Warnings = append(w.report.Warnings, msg)
}

func (w *walker) page(n int) {
	w.pageNr = n
	location := fmt.Sprintf("Page %d", n)

	p, err := w.doc.Page(n)
	if err != nil {
		w.warn(location, err)
		return
	}
	if w.transparencyGroup(location, p.Dict) {
		w.add(location, models.KindTransparencyGroup, "Page %d has transparency group", n)
	}
	res, err := w.doc.Resources(p)
	if err != nil {
		w.warn(location+"/Resources", err)
		return
	}
	w.resources(location, res, map[int]bool{}, 0)
}

// transparencyGroup reports whether dict carries a /Group with /S /Transparency.
func (w *walker) transparencyGroup(location string, dict types.Dict) bool {
	group, err := w.doc.Dict(dict["Group"])
	if err != nil {
		w.warn(location+"/Group", err)
		return false
	}
	if group == nil {
		return false
	}
	s, err := w.doc.Name(group["S"])
	if err != nil {
		w.warn(location+"/Group", err)
		return false
	}
	return s == "Transparency"
}

// resources scans one resource dictionary. visited holds the object numbers of
// the forms on the current path from the page.
func (w *walker) resources(location string, res types.Dict, visited map[int]bool, depth int) {
	if res == nil {
		return
	}

	states, err := w.doc.Dict(res["ExtGState"])
	if err != nil {
		w.warn(location+"/ExtGState", err)
	}
	for _, name := range pdfdoc.SortedKeys(states) {
		loc := location + "/ExtGState:" + name
		gs, err := w.doc.Dict(states[name])
		if err != nil {
			w.warn(loc, err)
			continue
		}
		if gs != nil {
			w.extGState(loc, name, gs)
		}
	}

	xobjects, err := w.doc.Dict(res["XObject"])
	if err != nil {
		w.warn(location+"/XObject", err)
	}
	for _, name := range pdfdoc.SortedKeys(xobjects) {
		obj := xobjects[name]
		sd, ok, err := w.doc.Stream(obj)
		if err != nil {
			w.warn(location+"/XObject:"+name, err)
			continue
		}
		if !ok {
			continue
		}
		subtype, err := w.doc.Name(sd.Dict["Subtype"])
		if err != nil {
			w.warn(location+"/XObject:"+name, err)
			continue
		}
		switch subtype {
		case "Image":
			w.image(location+"/Image:"+name, name, sd.Dict)
		case "Form":
			w.form(location+"/Form:"+name, name, obj, sd.Dict, visited, depth)
		}
	}
}

func (w *walker) extGState(location, name string, gs types.Dict) {
	if mode, err := w.blendMode(gs["BM"]); err != nil {
		w.warn(location+"/BM", err)
	} else if mode != "" && mode != "Normal" && mode != "Compatible" {
		w.add(location, models.KindBlendMode, "Blend mode '%s' in ExtGState '%s'", mode, name)
	}

	if v, ok, err := w.doc.Number(gs["CA"]); err != nil {
		w.warn(location+"/CA", err)
	} else if ok && v < 1 {
		w.add(location, models.KindStrokeOpacity, "Stroke opacity %.2f in ExtGState '%s'", v, name)
	}

	if v, ok, err := w.doc.Number(gs["ca"]); err != nil {
		w.warn(location+"/ca", err)
	} else if ok && v < 1 {
		w.add(location, models.KindFillOpacity, "Fill opacity %.2f in ExtGState '%s'", v, name)
	}

	smask, err := w.doc.Deref(gs["SMask"])
	if err != nil {
		w.warn(location+"/SMask", err)
		return
	}
	if smask == nil {
		return
	}
	if n, ok := smask.(types.Name); ok && n == "None" {
		return
	}
	w.add(location, models.KindSoftMask, "Soft mask in ExtGState '%s'", name)
}

// blendMode returns the blend mode name of a /BM entry. An array lists
// alternatives in order of preference; the first one is used.
func (w *walker) blendMode(obj types.Object) (string, error) {
	resolved, err := w.doc.Deref(obj)
	if err != nil {
		return "", err
	}
	if arr, ok := resolved.(types.Array); ok {
		if len(arr) == 0 {
			return "", nil
		}
		return w.doc.Name(arr[0])
	}
	return w.doc.Name(resolved)
}

func (w *walker) image(location, name string, dict types.Dict) {
	if _, ok, err := w.doc.Stream(dict["SMask"]); err != nil {
		w.warn(location+"/SMask", err)
	} else if ok {
		w.add(location, models.KindSoftMask, "Image '%s' has soft mask (transparency)", name)
	}

	// A colour-key mask is an array and does not involve transparency compositing.
	if _, ok, err := w.doc.Stream(dict["Mask"]); err != nil {
		w.warn(location+"/Mask", err)
	} else if ok {
		w.add(location, models.KindMask, "Image '%s' has mask", name)
	}
}

func (w *walker) form(location, name string, obj types.Object, dict types.Dict, visited map[int]bool, depth int) {
	if w.transparencyGroup(location, dict) {
		w.add(location, models.KindTransparencyGroup, "Form '%s' has transparency group", name)
	}

	if depth+1 > MaxDepth {
		w.warn(location, fmt.Errorf("form nesting exceeds %d levels", MaxDepth))
		return
	}
	nr, indirect := pdfdoc.ObjectNumber(obj)
	if indirect {
		if visited[nr] {
			w.warn(location, fmt.Errorf("form object %d references itself", nr))
			return
		}
		visited[nr] = true
		defer delete(visited, nr)
	}

	res, err := w.doc.Dict(dict["Resources"])
	if err != nil {
		w.warn(location+"/Resources", err)
		return
	}
	w.resources(location, res, visited, depth+1)
}
