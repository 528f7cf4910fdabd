package pipeline

import (
	"context"

	"github.com/Lllllllleong/pdfcompat/internal/flatten"
	"github.com/Lllllllleong/pdfcompat/internal/ghostscript"
)

// Strategy removes transparency from a document.
type Strategy interface {
	Method() Method
	Apply(ctx context.Context, data []byte, cfg Config) ([]byte, error)
}

// RasterStrategy flattens every page to an image.
type RasterStrategy struct {
	Flattener *flatten.Flattener
}

func (RasterStrategy) Method() Method { return Rasterize }

func (s RasterStrategy) Apply(ctx context.Context, data []byte, cfg Config) ([]byte, error) {
	f := s.Flattener
	if f == nil {
		f = flatten.New()
	}
	return f.FlattenAll(ctx, data, cfg.DPI)
}

// ExternalToolStrategy converts with Ghostscript. The configured tool path and
// timeout override those of Converter.
type ExternalToolStrategy struct {
	Converter *ghostscript.Converter
}

func (ExternalToolStrategy) Method() Method { return ExternalTool }

func (s ExternalToolStrategy) Apply(ctx context.Context, data []byte, cfg Config) ([]byte, error) {
	var c ghostscript.Converter
	if s.Converter != nil {
		c = *s.Converter
	}
	if cfg.ExternalToolPath != "" {
		c.Path = cfg.ExternalToolPath
	}
	if cfg.ExternalToolTimeout > 0 {
		c.Timeout = cfg.ExternalToolTimeout
	}
	return c.Convert(ctx, data, cfg.TargetVersion)
}
