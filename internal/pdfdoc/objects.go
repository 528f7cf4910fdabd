package pdfdoc

import (
	"fmt"
	"slices"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Deref resolves indirect references. A nil object resolves to nil.
func (d *Document) Deref(obj types.Object) (types.Object, error) {
	if obj == nil {
		return nil, nil
	}
	if ref, ok := obj.(*types.IndirectRef); ok {
		if ref == nil {
			return nil, nil
		}
		obj = *ref
	}
	resolved, err := d.ctx.Dereference(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to dereference %s: %w", obj, err)
	}
	return resolved, nil
}

// Dict resolves obj to a dictionary. A missing object yields a nil dictionary.
// The dictionary of a stream is returned for stream objects.
func (d *Document) Dict(obj types.Object) (types.Dict, error) {
	resolved, err := d.Deref(obj)
	if err != nil {
		return nil, err
	}
	switch o := resolved.(type) {
	case nil:
		return nil, nil
	case types.Dict:
		return o, nil
	case types.StreamDict:
		return o.Dict, nil
	default:
		return nil, fmt.Errorf("expected dictionary, got %T", resolved)
	}
}

// Stream resolves obj to a stream. ok is false when obj is present but not a stream.
func (d *Document) Stream(obj types.Object) (sd types.StreamDict, ok bool, err error) {
	resolved, err := d.Deref(obj)
	if err != nil {
		return types.StreamDict{}, false, err
	}
	sd, ok = resolved.(types.StreamDict)
	return sd, ok, nil
}

// Array resolves obj to an array.
func (d *Document) Array(obj types.Object) (types.Array, error) {
	resolved, err := d.Deref(obj)
	if err != nil {
		return nil, err
	}
	arr, ok := resolved.(types.Array)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", resolved)
	}
	return arr, nil
}

// Name resolves obj to a name. A missing object yields "".
func (d *Document) Name(obj types.Object) (string, error) {
	resolved, err := d.Deref(obj)
	if err != nil {
		return "", err
	}
	switch o := resolved.(type) {
	case nil:
		return "", nil
	case types.Name:
		return string(o), nil
	default:
		return "", fmt.Errorf("expected name, got %T", resolved)
	}
}

// Number resolves obj to a numeric value. ok is false when obj is missing.
func (d *Document) Number(obj types.Object) (v float64, ok bool, err error) {
	resolved, err := d.Deref(obj)
	if err != nil {
		return 0, false, err
	}
	switch o := resolved.(type) {
	case nil:
		return 0, false, nil
	case types.Integer:
		return float64(o), true, nil
	case types.Float:
		return float64(o), true, nil
	default:
		return 0, false, fmt.Errorf("expected number, got %T", resolved)
	}
}

// ObjectNumber reports the indirect object number obj refers to, if any.
func ObjectNumber(obj types.Object) (int, bool) {
	switch o := obj.(type) {
	case types.IndirectRef:
		return int(o.ObjectNumber), true
	case *types.IndirectRef:
		if o != nil {
			return int(o.ObjectNumber), true
		}
	}
	return 0, false
}

// SortedKeys returns the keys of a dictionary in ascending order.
func SortedKeys(d types.Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
