package pdfdoc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnsupportedVersion is returned for version numbers that have no PDF header form.
var ErrUnsupportedVersion = errors.New("unsupported PDF version")

const (
	headerMagic = "%PDF-"
	// headerWindow is how far into the file a header is searched for; readers
	// tolerate leading garbage up to this offset.
	headerWindow = 1024
)

var supportedVersions = []string{"1.0", "1.1", "1.2", "1.3", "1.4", "1.5", "1.6", "1.7", "2.0"}

// FormatVersion renders v as a header label such as "1.3".
func FormatVersion(v float64) (string, error) {
	label := strconv.FormatFloat(v, 'f', 1, 64)
	for _, s := range supportedVersions {
		if s == label {
			return label, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedVersion, v)
}

// ParseVersion parses a version label such as "1.7".
func ParseVersion(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
	}
	if _, err := FormatVersion(v); err != nil {
		return 0, err
	}
	return v, nil
}

// HeaderVersion reads the version from the %PDF-x.y file header.
func HeaderVersion(data []byte) (float64, error) {
	start, end, err := headerSpan(data)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(string(data[start:end]), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed header version %q", data[start:end])
	}
	return v, nil
}

// PatchHeader returns a copy of data whose %PDF-x.y header declares label.
// Labels are always three bytes long, so byte offsets in the file stay valid.
func PatchHeader(data []byte, label string) ([]byte, error) {
	start, end, err := headerSpan(data)
	if err != nil {
		return nil, err
	}
	if end-start != len(label) {
		return nil, fmt.Errorf("header version %q cannot be replaced by %q in place", data[start:end], label)
	}
	out := bytes.Clone(data)
	copy(out[start:end], label)
	return out, nil
}

func headerSpan(data []byte) (int, int, error) {
	window := data[:min(len(data), headerWindow)]
	i := bytes.Index(window, []byte(headerMagic))
	if i < 0 {
		return 0, 0, errors.New("missing %PDF- header")
	}
	start := i + len(headerMagic)
	end := start
	for end < len(data) && (data[end] == '.' || (data[end] >= '0' && data[end] <= '9')) {
		end++
	}
	if end == start {
		return 0, 0, errors.New("header carries no version")
	}
	return start, end, nil
}
