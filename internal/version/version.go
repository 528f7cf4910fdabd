// Package version relabels the declared PDF version of a document.
//
// Only the label changes. Content is never inspected, so a document can be
// declared 1.3 while still using 1.4 features.
package version

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
)

// ErrRewrite marks every failure to set a version.
var ErrRewrite = errors.New("version rewrite failed")

// Set returns data re-serialized with v as its declared version. The catalog
// /Version override is removed so the header alone declares the version.
func Set(data []byte, v float64) ([]byte, error) {
	label, err := pdfdoc.FormatVersion(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	doc, err := pdfdoc.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	if err := doc.ClearCatalogVersion(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	out, err := doc.Save()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	out, err = pdfdoc.PatchHeader(out, label)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	return out, nil
}

// Declared reads the version a document declares: the larger of its header
// and catalog /Version entry.
func Declared(data []byte) (float64, error) {
	doc, err := pdfdoc.Load(data)
	if err != nil {
		return 0, err
	}
	return doc.DeclaredVersion(), nil
}
