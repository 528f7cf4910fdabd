// Package pdftest assembles small, well-formed PDF files for tests.
//
// Objects are written verbatim; the builder only takes care of object
// numbering, the page tree and a correct cross-reference table.
//
//	b := pdftest.New("1.7")
//	gs := b.Add("<< /Type /ExtGState /ca 0.5 >>")
//	b.AddPage("/Resources << /ExtGState << /GS1 " + gs + " >> >>", "0 0 m 10 10 l S")
//	data := b.Bytes()
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	catalogNr = 1
	pagesNr   = 2
)

// Builder collects objects and pages.
type Builder struct {
	version  string
	objects  []string // index i holds object number i+1
	pages    []int
	pagesExt string
	rootExt  string
}

// New starts a document with the given header version, e.g. "1.4".
func New(version string) *Builder {
	return &Builder{
		version: version,
		objects: []string{"", ""}, // catalog and page tree are filled in by Bytes
	}
}

// Ref formats an indirect reference to object nr.
func Ref(nr int) string {
	return fmt.Sprintf("%d 0 R", nr)
}

// Add appends an object and returns a reference to it.
func (b *Builder) Add(body string) string {
	b.objects = append(b.objects, body)
	return Ref(len(b.objects))
}

// Reserve allocates an object number whose body is supplied later with Set.
// This allows cyclic references.
func (b *Builder) Reserve() (int, string) {
	b.objects = append(b.objects, "null")
	nr := len(b.objects)
	return nr, Ref(nr)
}

// Set replaces the body of a reserved object.
func (b *Builder) Set(nr int, body string) {
	b.objects[nr-1] = body
}

// Stream formats a stream object with dict entries extra and the given data.
func Stream(extra, data string) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", extra, len(data), data)
}

// AddStream appends a stream object.
func (b *Builder) AddStream(extra, data string) string {
	return b.Add(Stream(extra, data))
}

// AddPage appends a page. entries are extra page dictionary entries; a
// MediaBox of 200x200 is used unless entries declare one. content becomes
// the page's content stream.
func (b *Builder) AddPage(entries, content string) int {
	contents := b.AddStream("", content)
	if !strings.Contains(entries, "/MediaBox") {
		entries = "/MediaBox [0 0 200 200] " + entries
	}
	b.objects = append(b.objects, fmt.Sprintf("<< /Type /Page /Parent %s %s /Contents %s >>", Ref(pagesNr), entries, contents))
	nr := len(b.objects)
	b.pages = append(b.pages, nr)
	return nr
}

// PagesEntries adds entries to the root page-tree node, e.g. inherited Resources.
func (b *Builder) PagesEntries(entries string) {
	b.pagesExt = entries
}

// CatalogEntries adds entries to the document catalog, e.g. "/Version /1.7".
func (b *Builder) CatalogEntries(entries string) {
	b.rootExt = entries
}

// Bytes renders the complete file.
func (b *Builder) Bytes() []byte {
	kids := make([]string, len(b.pages))
	for i, nr := range b.pages {
		kids[i] = Ref(nr)
	}
	b.objects[catalogNr-1] = fmt.Sprintf("<< /Type /Catalog /Pages %s %s >>", Ref(pagesNr), b.rootExt)
	b.objects[pagesNr-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d %s >>", strings.Join(kids, " "), len(b.pages), b.pagesExt)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", b.version)
	offsets := make([]int, len(b.objects))
	for i, body := range b.objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(b.objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %s >>\nstartxref\n%d\n%%%%EOF\n", len(b.objects)+1, Ref(catalogNr), xref)
	return buf.Bytes()
}

// Blank returns a document of n empty pages.
func Blank(version string, n int) []byte {
	b := New(version)
	for i := 0; i < n; i++ {
		b.AddPage("", fmt.Sprintf("%% page %d\n0 0 m 100 100 l S", i+1))
	}
	return b.Bytes()
}
