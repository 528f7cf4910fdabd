package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"testing"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/flatten"
	"github.com/Lllllllleong/pdfcompat/internal/ghostscript"
	"github.com/Lllllllleong/pdfcompat/internal/models"
	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
	"github.com/Lllllllleong/pdfcompat/internal/pdftest"
	"github.com/Lllllllleong/pdfcompat/internal/transparency"
	"github.com/Lllllllleong/pdfcompat/internal/version"
	"github.com/google/go-cmp/cmp"
)

var discard = slog.New(slog.DiscardHandler)

type greyRenderer struct{ fail bool }

func (r greyRenderer) Open([]byte) (flatten.Rasterizer, error) { return r, nil }
func (greyRenderer) Close() error                             { return nil }

func (r greyRenderer) RenderPage(pageNr int, scale float64) (image.Image, error) {
	if r.fail {
		return nil, errors.New("renderer crashed")
	}
	img := image.NewGray(image.Rect(0, 0, 20, 20))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return img, nil
}

// stubStrategy returns fixed output and counts calls.
type stubStrategy struct {
	method Method
	out    []byte
	err    error
	calls  int
}

func (s *stubStrategy) Method() Method { return s.method }

func (s *stubStrategy) Apply(ctx context.Context, data []byte, cfg Config) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.out != nil {
		return s.out, nil
	}
	return data, nil
}

func testPipeline(cfg Config, r flatten.Renderer) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Raster: RasterStrategy{Flattener: &flatten.Flattener{Renderer: r, Workers: 2, Logger: discard}},
		External: ExternalToolStrategy{Converter: &ghostscript.Converter{
			Candidates: []string{},
			Logger:     discard,
		}},
		Logger: discard,
	}
}

func fillOpacityDoc() []byte {
	b := pdftest.New("1.7")
	gs := b.Add("<< /Type /ExtGState /ca 0.5 >>")
	b.AddPage("/Resources << /ExtGState << /GS1 "+gs+" >> >>", "/GS1 gs 0 0 100 100 re f")
	return b.Bytes()
}

func scan(t *testing.T, data []byte) *models.TransparencyReport {
	t.Helper()
	report, err := (&transparency.Scanner{Logger: discard}).Scan(data)
	if err != nil {
		t.Fatal(err)
	}
	return report
}

func TestRunRasterizeRemovesTransparency(t *testing.T) {
	data := fillOpacityDoc()
	before := scan(t, data)
	if !before.HasTransparency || len(before.FeatureIssues()) != 1 || before.FeatureIssues()[0].Kind != models.KindFillOpacity {
		t.Fatalf("fixture scan = %+v, want a single fill opacity issue", before)
	}

	cfg := DefaultConfig()
	cfg.DPI = 72
	res, err := testPipeline(cfg, greyRenderer{}).Run(context.Background(), data)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.MethodUsed != Rasterize {
		t.Errorf("MethodUsed = %s, want Rasterize", res.MethodUsed)
	}
	if res.FinalVersion != 1.3 {
		t.Errorf("FinalVersion = %v, want 1.3", res.FinalVersion)
	}
	after := scan(t, res.Bytes)
	if after.HasTransparency {
		t.Errorf("result still has transparency: %v", after.FeatureIssues())
	}
	if after.DeclaredVersion != 1.3 {
		t.Errorf("DeclaredVersion = %v, want 1.3", after.DeclaredVersion)
	}
}

func TestRunExternalToolFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = ExternalTool
	cfg.DPI = 72
	cfg.ExternalToolPath = "/nonexistent/bin/gs"

	res, err := testPipeline(cfg, greyRenderer{}).Run(context.Background(), fillOpacityDoc())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.MethodUsed != Rasterize {
		t.Errorf("MethodUsed = %s, want Rasterize", res.MethodUsed)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one fallback warning", res.Warnings)
	}
	if scan(t, res.Bytes).HasTransparency {
		t.Error("fallback result still has transparency")
	}
}

func TestRunExternalToolSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = ExternalTool
	external := &stubStrategy{method: ExternalTool, out: pdftest.Blank("1.3", 1)}
	raster := &stubStrategy{method: Rasterize}
	p := &Pipeline{Config: cfg, Raster: raster, External: external, Logger: discard}

	res, err := p.Run(context.Background(), fillOpacityDoc())
	if err != nil {
		t.Fatal(err)
	}
	if res.MethodUsed != ExternalTool {
		t.Errorf("MethodUsed = %s, want ExternalTool", res.MethodUsed)
	}
	if raster.calls != 0 {
		t.Error("rasterizer ran although the external tool succeeded")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestRunDisabledKeepsContent(t *testing.T) {
	data := pdftest.Blank("1.3", 3)
	cfg := DefaultConfig()
	cfg.Enabled = false
	raster := &stubStrategy{method: Rasterize}
	p := &Pipeline{Config: cfg, Raster: raster, External: &stubStrategy{method: ExternalTool}, Logger: discard}

	if report := scan(t, data); report.HasTransparency || len(report.Issues) != 0 {
		t.Fatalf("fixture scan = %+v, want no issues", report)
	}
	res, err := p.Run(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	if res.MethodUsed != None {
		t.Errorf("MethodUsed = %s, want None", res.MethodUsed)
	}
	if raster.calls != 0 {
		t.Error("rasterizer ran with flattening disabled")
	}

	orig, err := pdfdoc.Load(data)
	if err != nil {
		t.Fatal(err)
	}
	out, err := pdfdoc.Load(res.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.DeclaredVersion(); got != 1.3 {
		t.Errorf("DeclaredVersion = %v, want 1.3", got)
	}
	for n := 1; n <= 3; n++ {
		before, _ := orig.PageContent(n)
		after, err := out.PageContent(n)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(before, after) {
			t.Errorf("page %d content changed", n)
		}
	}
}

func TestRunRasterizeFailureIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DPI = 72
	data := fillOpacityDoc()
	res, err := testPipeline(cfg, greyRenderer{fail: true}).Run(context.Background(), data)
	if res != nil {
		t.Error("result returned on failure")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageFlatten || se.Processed != len(data) {
		t.Errorf("error = %v, want flatten StageError", err)
	}
	if !errors.Is(err, flatten.ErrFlatten) {
		t.Errorf("error = %v, want ErrFlatten", err)
	}
}

func TestRunVersionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = ExternalTool
	p := &Pipeline{
		Config:   cfg,
		External: &stubStrategy{method: ExternalTool, out: []byte("%PDF-1.3 truncated")},
		Raster:   &stubStrategy{method: Rasterize},
		Logger:   discard,
	}
	_, err := p.Run(context.Background(), fillOpacityDoc())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageVersion {
		t.Errorf("error = %v, want version StageError", err)
	}
	if !errors.Is(err, version.ErrRewrite) {
		t.Errorf("error = %v, want ErrRewrite", err)
	}
}

func TestProcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DPI = 72
	data := fillOpacityDoc()
	source := func(ctx context.Context) ([]byte, error) { return data, nil }

	res, err := testPipeline(cfg, greyRenderer{}).Process(context.Background(), source)
	if err != nil {
		t.Fatal(err)
	}
	var stages []Stage
	for _, s := range res.Stages {
		stages = append(stages, s.Stage)
	}
	if diff := cmp.Diff([]Stage{StageConvert, StageFlatten, StageVersion}, stages); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}
	if res.Stages[0].OutputBytes != len(data) || res.Stages[1].InputBytes != len(data) {
		t.Errorf("stage sizes = %+v", res.Stages)
	}
	if res.Stages[2].OutputBytes != len(res.Bytes) {
		t.Errorf("version stage output = %d, want %d", res.Stages[2].OutputBytes, len(res.Bytes))
	}
}

func TestProcessUpstreamFailure(t *testing.T) {
	upstream := errors.New("office conversion failed")
	raster := &stubStrategy{method: Rasterize}
	p := &Pipeline{Config: DefaultConfig(), Raster: raster, External: &stubStrategy{method: ExternalTool}, Logger: discard}

	_, err := p.Process(context.Background(), func(context.Context) ([]byte, error) { return nil, upstream })
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, upstream) {
		t.Errorf("error = %v, want ErrUpstream wrapping the source error", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageConvert {
		t.Errorf("error = %v, want convert StageError", err)
	}
	if raster.calls != 0 {
		t.Error("flattening ran after upstream failure")
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raster := &stubStrategy{method: Rasterize}
	p := &Pipeline{Config: DefaultConfig(), Raster: raster, External: &stubStrategy{method: ExternalTool}, Logger: discard}

	_, err := p.Run(ctx, fillOpacityDoc())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if raster.calls != 0 {
		t.Error("stage ran after cancellation")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("FLATTEN_ENABLED", "true")
	t.Setenv("FLATTEN_METHOD", "GHOSTSCRIPT")
	t.Setenv("FLATTEN_DPI", "150")
	t.Setenv("TARGET_VERSION", "1.4")
	t.Setenv("EXTERNAL_TOOL_PATH", "/usr/bin/gs")
	t.Setenv("EXTERNAL_TOOL_TIMEOUT_MS", "5000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Enabled:             true,
		Method:              ExternalTool,
		DPI:                 150,
		TargetVersion:       1.4,
		ExternalToolPath:    "/usr/bin/gs",
		ExternalToolTimeout: 5 * time.Second,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"FLATTEN_ENABLED":          "maybe",
		"FLATTEN_METHOD":           "crayons",
		"FLATTEN_DPI":              "1200",
		"TARGET_VERSION":           "1.9",
		"EXTERNAL_TOOL_TIMEOUT_MS": "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig() accepted %s=%q", key, value)
			}
		})
	}
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"rasterize": Rasterize, "Rasterize": Rasterize, "EXTERNALTOOL": ExternalTool, "ghostscript": ExternalTool} {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
