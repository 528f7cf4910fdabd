package transparency

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/Lllllllleong/pdfcompat/internal/models"
	"github.com/Lllllllleong/pdfcompat/internal/pdftest"
	"github.com/google/go-cmp/cmp"
)

func scan(t *testing.T, data []byte) *models.TransparencyReport {
	t.Helper()
	s := &Scanner{Logger: slog.New(slog.DiscardHandler)}
	report, err := s.Scan(data)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return report
}

func imageStream(b *pdftest.Builder, extra string) string {
	return b.AddStream("/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceGray /BitsPerComponent 8 "+extra, "\x80")
}

func TestScanFillOpacity(t *testing.T) {
	b := pdftest.New("1.7")
	gs := b.Add("<< /Type /ExtGState /ca 0.5 >>")
	b.AddPage("/Resources << /ExtGState << /GS1 "+gs+" >> >>", "/GS1 gs 0 0 100 100 re f")

	report := scan(t, b.Bytes())

	want := &models.TransparencyReport{
		HasTransparency: true,
		DeclaredVersion: 1.7,
		PageCount:       1,
		Issues: []models.Issue{
			{Page: 1, Location: "Page 1/ExtGState:GS1", Kind: models.KindFillOpacity, Detail: "Fill opacity 0.50 in ExtGState 'GS1'"},
			{Location: "Document", Kind: models.KindVersionInfo, Detail: "PDF version 1.7 supports transparency (1.4+)"},
		},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	features := report.FeatureIssues()
	if len(features) != 1 || features[0].Page != 1 || !strings.HasPrefix(features[0].Location, "Page 1") {
		t.Errorf("FeatureIssues() = %v, want a single issue on page 1", features)
	}
}

func TestScanCleanDocument(t *testing.T) {
	report := scan(t, pdftest.Blank("1.3", 3))

	want := &models.TransparencyReport{
		DeclaredVersion: 1.3,
		PageCount:       3,
		Issues:          []models.Issue{},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestScanVersionOnly(t *testing.T) {
	report := scan(t, pdftest.Blank("1.5", 1))
	if report.HasTransparency {
		t.Error("HasTransparency = true for a document without transparency features")
	}
	if len(report.Issues) != 1 || report.Issues[0].Kind != models.KindVersionInfo {
		t.Errorf("Issues = %v, want only the version notice", report.Issues)
	}
}

func TestScanNestedForms(t *testing.T) {
	b := pdftest.New("1.4")
	b.AddPage("", "")

	smask := imageStream(b, "")
	logo := imageStream(b, "/SMask "+smask)
	inner := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 10 10] /Resources << /XObject << /Logo "+logo+" >> >>", "/Logo Do")
	outer := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 10 10] /Resources << /XObject << /Inner "+inner+" >> >>", "/Inner Do")
	b.AddPage("/Resources << /XObject << /Outer "+outer+" >> >>", "/Outer Do")

	report := scan(t, b.Bytes())

	want := []models.Issue{
		{Page: 2, Location: "Page 2/Form:Outer/Form:Inner/Image:Logo", Kind: models.KindSoftMask, Detail: "Image 'Logo' has soft mask (transparency)"},
	}
	if diff := cmp.Diff(want, report.FeatureIssues()); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

func TestScanOrder(t *testing.T) {
	b := pdftest.New("1.3")
	mask := imageStream(b, "")
	img := imageStream(b, "/Mask "+mask)
	group := b.Add("<< /Type /Group /S /Transparency /CS /DeviceRGB >>")
	form := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 10 10] /Group "+group, "0 0 m")
	gsA := b.Add("<< /Type /ExtGState /BM /Multiply /CA 0.3 >>")
	gsB := b.Add("<< /Type /ExtGState /SMask << /Type /Mask /S /Luminosity /G " + form + " >> >>")
	b.AddPage("/Group "+group+" /Resources << /ExtGState << /B "+gsB+" /A "+gsA+" >> /XObject << /Im "+img+" /Fm "+form+" >> >>", "")

	report := scan(t, b.Bytes())

	want := []models.Issue{
		{Page: 1, Location: "Page 1", Kind: models.KindTransparencyGroup, Detail: "Page 1 has transparency group"},
		{Page: 1, Location: "Page 1/ExtGState:A", Kind: models.KindBlendMode, Detail: "Blend mode 'Multiply' in ExtGState 'A'"},
		{Page: 1, Location: "Page 1/ExtGState:A", Kind: models.KindStrokeOpacity, Detail: "Stroke opacity 0.30 in ExtGState 'A'"},
		{Page: 1, Location: "Page 1/ExtGState:B", Kind: models.KindSoftMask, Detail: "Soft mask in ExtGState 'B'"},
		{Page: 1, Location: "Page 1/Form:Fm", Kind: models.KindTransparencyGroup, Detail: "Form 'Fm' has transparency group"},
		{Page: 1, Location: "Page 1/Image:Im", Kind: models.KindMask, Detail: "Image 'Im' has mask"},
	}
	if diff := cmp.Diff(want, report.Issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if !report.HasTransparency {
		t.Error("HasTransparency = false, want true")
	}
}

func TestScanIgnoresOpaqueSettings(t *testing.T) {
	b := pdftest.New("1.3")
	img := imageStream(b, "/Mask [0 10]")
	gs := b.Add("<< /Type /ExtGState /BM [/Normal /Multiply] /CA 1 /ca 1.0 /SMask /None >>")
	compat := b.Add("<< /Type /ExtGState /BM /Compatible >>")
	group := b.Add("<< /Type /Group /S /Other >>")
	b.AddPage("/Group "+group+" /Resources << /ExtGState << /GS0 "+gs+" /GS1 "+compat+" >> /XObject << /Im0 "+img+" >> >>", "")

	report := scan(t, b.Bytes())
	if len(report.Issues) != 0 {
		t.Errorf("Issues = %v, want none", report.Issues)
	}
}

func TestScanInheritedResources(t *testing.T) {
	b := pdftest.New("1.3")
	gs := b.Add("<< /Type /ExtGState /CA 0.25 >>")
	b.PagesEntries("/Resources << /ExtGState << /Shared " + gs + " >> >>")
	b.AddPage("", "")
	b.AddPage("", "")

	report := scan(t, b.Bytes())

	var pages []int
	for _, issue := range report.FeatureIssues() {
		pages = append(pages, issue.Page)
	}
	if diff := cmp.Diff([]int{1, 2}, pages); diff != "" {
		t.Errorf("issue pages mismatch (-want +got):\n%s", diff)
	}
}

func TestScanFormCycle(t *testing.T) {
	b := pdftest.New("1.3")
	nr, ref := b.Reserve()
	b.Set(nr, pdftest.Stream("/Type /XObject /Subtype /Form /BBox [0 0 10 10] /Group << /S /Transparency >> /Resources << /XObject << /Self "+ref+" >> >>", "/Self Do"))
	b.AddPage("/Resources << /XObject << /Loop "+ref+" >> >>", "/Loop Do")

	report := scan(t, b.Bytes())

	want := []string{"Page 1/Form:Loop", "Page 1/Form:Loop/Form:Self"}
	var got []string
	for _, issue := range report.FeatureIssues() {
		got = append(got, issue.Location)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("issue locations mismatch (-want +got):\n%s", diff)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("Warnings = %v, want exactly one cycle warning", report.Warnings)
	}
}

func TestScanSkipsMalformedResources(t *testing.T) {
	b := pdftest.New("1.4")
	gsA := b.Add("<< /Type /ExtGState /BM 42 /ca (abc) /CA 0.5 >>")
	gsB := b.Add("<< /Type /ExtGState /ca 0.25 >>")
	smask := imageStream(b, "")
	good := imageStream(b, "/SMask "+smask)
	bad := b.AddStream("/Type /XObject /Subtype 7", "0 0 m")
	b.AddPage("/Resources << /ExtGState << /A "+gsA+" /B "+gsB+" /D /Name >> /XObject << /Good "+good+" /Bad "+bad+" >> >>", "")

	report := scan(t, b.Bytes())

	wantIssues := []models.Issue{
		{Page: 1, Location: "Page 1/ExtGState:A", Kind: models.KindStrokeOpacity, Detail: "Stroke opacity 0.50 in ExtGState 'A'"},
		{Page: 1, Location: "Page 1/ExtGState:B", Kind: models.KindFillOpacity, Detail: "Fill opacity 0.25 in ExtGState 'B'"},
		{Page: 1, Location: "Page 1/Image:Good", Kind: models.KindSoftMask, Detail: "Image 'Good' has soft mask (transparency)"},
	}
	if diff := cmp.Diff(wantIssues, report.FeatureIssues()); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}

	wantWarnings := []string{
		"Page 1/ExtGState:A/BM: expected name",
		"Page 1/ExtGState:A/ca: expected number",
		"Page 1/ExtGState:D: expected dictionary",
		"Page 1/XObject:Bad: expected name",
	}
	if len(report.Warnings) != len(wantWarnings) {
		t.Fatalf("Warnings = %q, want %d entries", report.Warnings, len(wantWarnings))
	}
	for i, want := range wantWarnings {
		if !strings.HasPrefix(report.Warnings[i], want) {
			t.Errorf("Warnings[%d] = %q, want prefix %q", i, report.Warnings[i], want)
		}
	}
}

func TestScanDepthLimit(t *testing.T) {
	const chain = 40
	b := pdftest.New("1.4")
	smask := imageStream(b, "")
	img := imageStream(b, "/SMask "+smask)

	// Form 1 is drawn by the page and form i draws form i+1. Form 5 also
	// draws the image, so findings above the limit are still reported.
	child := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 10 10]", "0 0 m")
	for i := chain - 1; i >= 1; i-- {
		xobjects := "/Next " + child
		if i == 5 {
			xobjects += " /Logo " + img
		}
		child = b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 10 10] /Resources << /XObject << "+xobjects+" >> >>", "/Next Do")
	}
	b.AddPage("/Resources << /XObject << /Next "+child+" >> >>", "/Next Do")

	report := scan(t, b.Bytes())

	features := report.FeatureIssues()
	if len(features) != 1 || features[0].Kind != models.KindSoftMask {
		t.Fatalf("FeatureIssues() = %v, want the soft mask image only", features)
	}
	if want := "Page 1" + strings.Repeat("/Form:Next", 5) + "/Image:Logo"; features[0].Location != want {
		t.Errorf("Location = %q, want %q", features[0].Location, want)
	}

	if len(report.Warnings) != 1 {
		t.Fatalf("Warnings = %q, want a single depth warning", report.Warnings)
	}
	want := "Page 1" + strings.Repeat("/Form:Next", MaxDepth+1) + ": form nesting exceeds 32 levels"
	if report.Warnings[0] != want {
		t.Errorf("Warnings[0] = %q, want %q", report.Warnings[0], want)
	}
}

func TestScanDeterministic(t *testing.T) {
	b := pdftest.New("1.6")
	for _, name := range []string{"Z", "M", "A", "Q"} {
		gs := b.Add("<< /Type /ExtGState /ca 0.9 /BM /Screen >>")
		b.AddPage("/Resources << /ExtGState << /"+name+" "+gs+" >> >>", "")
	}
	data := b.Bytes()

	first := scan(t, data)
	second := scan(t, data)
	if diff := cmp.Diff(first.Issues, second.Issues); diff != "" {
		t.Errorf("repeated scan differs (-first +second):\n%s", diff)
	}
}

func TestScanUnreadableDocument(t *testing.T) {
	if _, err := Scan([]byte("this is not a PDF")); err == nil {
		t.Error("Scan() succeeded on garbage input")
	}
}

func TestSummary(t *testing.T) {
	b := pdftest.New("1.7")
	gs := b.Add("<< /Type /ExtGState /ca 0.5 >>")
	b.AddPage("/Resources << /ExtGState << /GS1 "+gs+" >> >>", "")
	summary := scan(t, b.Bytes()).Summary()

	for _, want := range []string{"PDF Version:      1.7", "Has Transparency: YES", "Fill opacity 0.50"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() missing %q:\n%s", want, summary)
		}
	}

	clean := scan(t, pdftest.Blank("1.3", 1)).Summary()
	if !strings.Contains(clean, "No transparency features detected.") {
		t.Errorf("Summary() of clean document:\n%s", clean)
	}
}
