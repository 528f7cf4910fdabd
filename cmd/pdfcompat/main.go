// Command pdfcompat checks PDFs for transparency and remediates them locally.
//
//	pdfcompat check in.pdf
//	pdfcompat fix [-method Rasterize|ExternalTool] [-dpi 300] [-target 1.3] [-gs path] [-o out.pdf] in.pdf
//
// Defaults come from the same environment variables the cloud functions read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/pipeline"
	"github.com/Lllllllleong/pdfcompat/internal/transparency"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pdfcompat:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: pdfcompat check|fix [flags] file.pdf")
	}
	switch args[0] {
	case "check":
		return check(args[1:], stdout)
	case "fix":
		return fix(ctx, args[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func check(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pdfcompat check file.pdf")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	report, err := transparency.Scan(data)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, report.Summary())
	return nil
}

func fix(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := pipeline.LoadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("fix", flag.ContinueOnError)
	method := fs.String("method", string(cfg.Method), "Rasterize or ExternalTool")
	fs.Float64Var(&cfg.DPI, "dpi", cfg.DPI, "rasterization resolution")
	fs.Float64Var(&cfg.TargetVersion, "target", cfg.TargetVersion, "declared version of the output")
	fs.StringVar(&cfg.ExternalToolPath, "gs", cfg.ExternalToolPath, "Ghostscript executable")
	fs.DurationVar(&cfg.ExternalToolTimeout, "timeout", cfg.ExternalToolTimeout, "Ghostscript timeout")
	noFlatten := fs.Bool("no-flatten", !cfg.Enabled, "only rewrite the version")
	out := fs.String("o", "", "output file (default <input>-compat.pdf)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pdfcompat fix [flags] file.pdf")
	}
	in := fs.Arg(0)
	if cfg.Method, err = pipeline.ParseMethod(*method); err != nil {
		return err
	}
	cfg.Enabled = !*noFlatten
	if *out == "" {
		*out = strings.TrimSuffix(in, ".pdf") + "-compat.pdf"
	}

	p, err := pipeline.New(cfg, slog.Default())
	if err != nil {
		return err
	}

	var before []byte
	source := func(context.Context) ([]byte, error) {
		data, err := os.ReadFile(in)
		before = data
		return data, err
	}
	start := time.Now()
	res, err := p.Process(ctx, source)
	if err != nil {
		return err
	}

	if report, err := transparency.Scan(before); err == nil {
		fmt.Fprintln(stdout, "Before:")
		fmt.Fprint(stdout, report.Summary())
	}
	after, err := transparency.Scan(res.Bytes)
	if err != nil {
		return fmt.Errorf("failed to scan result: %w", err)
	}
	fmt.Fprintln(stdout, "After:")
	fmt.Fprint(stdout, after.Summary())

	if err := os.WriteFile(*out, res.Bytes, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (%d bytes, method %s, version %.1f) in %s\n",
		*out, len(res.Bytes), res.MethodUsed, res.FinalVersion, time.Since(start).Round(time.Millisecond))
	for _, w := range res.Warnings {
		fmt.Fprintln(stdout, "warning:", w)
	}
	return nil
}
