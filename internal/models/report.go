package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// IssueKind classifies a transparency finding.
type IssueKind string

const (
	KindTransparencyGroup IssueKind = "TransparencyGroup"
	KindBlendMode         IssueKind = "BlendMode"
	KindStrokeOpacity     IssueKind = "StrokeOpacity"
	KindFillOpacity       IssueKind = "FillOpacity"
	KindSoftMask          IssueKind = "SoftMask"
	KindMask              IssueKind = "Mask"
	// KindVersionInfo flags a declared version that permits transparency. It
	// never counts toward TransparencyReport.HasTransparency.
	KindVersionInfo IssueKind = "VersionInfo"
)

// Issue is a single transparency-bearing construct, or the version notice.
type Issue struct {
	Page     int       `json:"page"`
	Location string    `json:"location"`
	Kind     IssueKind `json:"kind"`
	Detail   string    `json:"detail"`
}

// TransparencyReport is the result of one scan.
type TransparencyReport struct {
	HasTransparency bool     `json:"hasTransparency"`
	DeclaredVersion float64  `json:"declaredVersion"`
	PageCount       int      `json:"pageCount"`
	Issues          []Issue  `json:"issues"`
	Warnings        []string `json:"warnings,omitempty"`
}

// FeatureIssues returns the issues that describe actual transparency features.
func (r *TransparencyReport) FeatureIssues() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Kind != KindVersionInfo {
			out = append(out, issue)
		}
	}
	return out
}

const (
	boxWidth  = 62
	lineLimit = 56
)

// Summary renders the report as a fixed-width text box for terminals and logs.
func (r *TransparencyReport) Summary() string {
	var sb strings.Builder
	rule := strings.Repeat("═", boxWidth)
	thin := strings.Repeat("─", boxWidth)
	row := func(s string) {
		pad := boxWidth - 2 - utf8.RuneCountInString(s)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(&sb, "║  %s%s║\n", s, strings.Repeat(" ", pad))
	}

	sb.WriteString("╔" + rule + "╗\n")
	row("PDF TRANSPARENCY DETECTION REPORT")
	sb.WriteString("╠" + rule + "╣\n")
	row(fmt.Sprintf("PDF Version:      %.1f", r.DeclaredVersion))
	row(fmt.Sprintf("Page Count:       %d", r.PageCount))
	if r.HasTransparency {
		row("Has Transparency: YES")
	} else {
		row("Has Transparency: NO")
	}
	sb.WriteString("╠" + rule + "╣\n")

	switch {
	case len(r.Issues) == 0:
		row("No transparency features detected.")
		row("Compatible with PDF 1.3 viewers.")
	case !r.HasTransparency:
		row("Newer version declared but no transparency features.")
		row("Compatible with PDF 1.3 viewers.")
		sb.WriteString("╟" + thin + "╢\n")
		row("Note: version header could be changed to 1.3")
	default:
		row("TRANSPARENCY ISSUES FOUND:")
		sb.WriteString("╟" + thin + "╢\n")
		for _, issue := range r.FeatureIssues() {
			row("• " + truncate(issue.Location+": "+issue.Detail, lineLimit))
		}
	}
	sb.WriteString("╚" + rule + "╝\n")
	return sb.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
