// Package pipeline turns a rendered PDF into a transparency-free document at
// the target version.
//
//	Start -> Converted -> FlattenDecision -> Flattened -> VersionRewritten -> Done
//
// Flattening runs the configured strategy. A failed ExternalTool run falls back
// to rasterization; that is the only failure the pipeline recovers from. Every
// other failure is returned as a *StageError.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/flatten"
	"github.com/Lllllllleong/pdfcompat/internal/ghostscript"
	"github.com/Lllllllleong/pdfcompat/internal/version"
)

// Stage names a pipeline step in results and errors.
type Stage string

const (
	StageConvert Stage = "convert"
	StageFlatten Stage = "flatten"
	StageVersion Stage = "version"
)

// ErrUpstream wraps failures of the Source that produces the input document.
var ErrUpstream = errors.New("upstream failure")

// StageError is returned for every fatal pipeline failure.
type StageError struct {
	Stage Stage
	// Processed is the size of the document the failing stage received.
	Processed int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed after %d bytes: %v", e.Stage, e.Processed, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageTrace records one executed stage.
type StageTrace struct {
	Stage       Stage         `json:"stage"`
	InputBytes  int           `json:"inputBytes"`
	OutputBytes int           `json:"outputBytes"`
	Duration    time.Duration `json:"duration"`
}

// Result is the outcome of a successful run.
type Result struct {
	Bytes        []byte
	MethodUsed   Method
	FinalVersion float64
	Warnings     []string
	Stages       []StageTrace
}

// Source produces the document to process, e.g. by downloading it.
type Source func(ctx context.Context) ([]byte, error)

// Pipeline runs documents through flattening and version rewriting.
type Pipeline struct {
	Config   Config
	Raster   Strategy
	External Strategy
	Logger   *slog.Logger
}

// New validates cfg and returns a pipeline with the poppler rasterizer and
// the Ghostscript converter.
func New(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := flatten.New()
	f.Logger = logger
	c := ghostscript.NewConverter(cfg.ExternalToolPath, cfg.ExternalToolTimeout)
	c.Logger = logger
	return &Pipeline{
		Config:   cfg,
		Raster:   RasterStrategy{Flattener: f},
		External: ExternalToolStrategy{Converter: c},
		Logger:   logger,
	}, nil
}

// Process obtains the document from source and runs it.
func (p *Pipeline) Process(ctx context.Context, source Source) (*Result, error) {
	res := &Result{}
	start := time.Now()
	data, err := source(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageConvert, Err: fmt.Errorf("%w: %w", ErrUpstream, err)}
	}
	if len(data) == 0 {
		return nil, &StageError{Stage: StageConvert, Err: fmt.Errorf("%w: empty document", ErrUpstream)}
	}
	res.trace(StageConvert, 0, len(data), start)
	return p.run(ctx, data, res)
}

// Run processes an already rendered document.
func (p *Pipeline) Run(ctx context.Context, data []byte) (*Result, error) {
	return p.run(ctx, data, &Result{})
}

func (p *Pipeline) run(ctx context.Context, data []byte, res *Result) (*Result, error) {
	cfg := p.Config
	logger := p.logger().With("method", cfg.Method, "targetVersion", cfg.TargetVersion)

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageFlatten, Processed: len(data), Err: err}
	}
	start := time.Now()
	flattened, err := p.flatten(ctx, data, res, logger)
	if err != nil {
		return nil, &StageError{Stage: StageFlatten, Processed: len(data), Err: err}
	}
	if res.MethodUsed != None {
		res.trace(StageFlatten, len(data), len(flattened), start)
	}

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageVersion, Processed: len(flattened), Err: err}
	}
	start = time.Now()
	out, err := version.Set(flattened, cfg.TargetVersion)
	if err != nil {
		return nil, &StageError{Stage: StageVersion, Processed: len(flattened), Err: err}
	}
	declared, err := version.Declared(out)
	if err != nil {
		return nil, &StageError{Stage: StageVersion, Processed: len(flattened), Err: fmt.Errorf("%w: %w", version.ErrRewrite, err)}
	}
	if declared != cfg.TargetVersion {
		return nil, &StageError{Stage: StageVersion, Processed: len(flattened), Err: fmt.Errorf("%w: declared %.1f after rewrite", version.ErrRewrite, declared)}
	}
	res.trace(StageVersion, len(flattened), len(out), start)

	res.Bytes = out
	res.FinalVersion = declared
	logger.Info("Pipeline complete", "methodUsed", res.MethodUsed, "inputBytes", len(data), "outputBytes", len(out), "warnings", len(res.Warnings))
	return res, nil
}

func (p *Pipeline) flatten(ctx context.Context, data []byte, res *Result, logger *slog.Logger) ([]byte, error) {
	cfg := p.Config
	if !cfg.Enabled {
		logger.Info("Flattening disabled")
		res.MethodUsed = None
		return data, nil
	}

	if cfg.Method == ExternalTool {
		out, err := p.External.Apply(ctx, data, cfg)
		if err == nil {
			res.MethodUsed = ExternalTool
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("External tool failed, falling back to rasterization", "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("external tool failed, fell back to rasterization: %v", err))
	}

	out, err := p.Raster.Apply(ctx, data, cfg)
	if err != nil {
		return nil, err
	}
	res.MethodUsed = Rasterize
	return out, nil
}

func (r *Result) trace(stage Stage, in, out int, start time.Time) {
	r.Stages = append(r.Stages, StageTrace{Stage: stage, InputBytes: in, OutputBytes: out, Duration: time.Since(start)})
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
