package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/flatten"
	"github.com/Lllllllleong/pdfcompat/internal/gcp"
	"github.com/Lllllllleong/pdfcompat/internal/ghostscript"
	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
)

// Method selects how transparency is removed.
type Method string

const (
	Rasterize    Method = "Rasterize"
	ExternalTool Method = "ExternalTool"
	// None is reported when flattening was disabled.
	None Method = "None"
)

// ParseMethod accepts method names case-insensitively. "ghostscript" is an
// alias for ExternalTool.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rasterize", "raster":
		return Rasterize, nil
	case "externaltool", "external_tool", "ghostscript":
		return ExternalTool, nil
	}
	return "", fmt.Errorf("unknown flatten method %q", s)
}

// Config is the per-invocation pipeline configuration.
type Config struct {
	Enabled             bool
	Method              Method
	DPI                 float64
	TargetVersion       float64
	ExternalToolPath    string
	ExternalToolTimeout time.Duration
}

// DefaultConfig flattens by rasterizing at 300 dpi and declares PDF 1.3.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Method:              Rasterize,
		DPI:                 300,
		TargetVersion:       1.3,
		ExternalToolTimeout: ghostscript.DefaultTimeout,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Method != Rasterize && c.Method != ExternalTool {
		return fmt.Errorf("invalid flatten method %q", c.Method)
	}
	if err := flatten.ValidateDPI(c.DPI); err != nil {
		return err
	}
	if _, err := pdfdoc.FormatVersion(c.TargetVersion); err != nil {
		return fmt.Errorf("invalid target version: %w", err)
	}
	if c.ExternalToolTimeout <= 0 {
		return errors.New("external tool timeout must be positive")
	}
	return nil
}

// LoadConfig reads the configuration from the environment, falling back to
// DefaultConfig for unset variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if v := gcp.GetEnv("FLATTEN_ENABLED", ""); v != "" {
		if cfg.Enabled, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("invalid FLATTEN_ENABLED %q: %w", v, err)
		}
	}
	if v := gcp.GetEnv("FLATTEN_METHOD", ""); v != "" {
		if cfg.Method, err = ParseMethod(v); err != nil {
			return Config{}, fmt.Errorf("invalid FLATTEN_METHOD: %w", err)
		}
	}
	if v := gcp.GetEnv("FLATTEN_DPI", ""); v != "" {
		if cfg.DPI, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, fmt.Errorf("invalid FLATTEN_DPI %q: %w", v, err)
		}
	}
	if v := gcp.GetEnv("TARGET_VERSION", ""); v != "" {
		if cfg.TargetVersion, err = pdfdoc.ParseVersion(v); err != nil {
			return Config{}, fmt.Errorf("invalid TARGET_VERSION: %w", err)
		}
	}
	cfg.ExternalToolPath = gcp.GetEnv("EXTERNAL_TOOL_PATH", "")
	if v := gcp.GetEnv("EXTERNAL_TOOL_TIMEOUT_MS", ""); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EXTERNAL_TOOL_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.ExternalToolTimeout = time.Duration(ms) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
