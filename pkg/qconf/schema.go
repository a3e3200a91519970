package qconf

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field names a value the extractor reads from a QCONF document
type Field string

const (
	FieldCreatedOn     Field = "createdOn"
	FieldImagePath     Field = "imagePath"
	FieldNumFrames     Field = "numFrames"
	FieldSnakeHandlers Field = "snakeHandlers"
	// The remaining fields are relative: finalSnakes to a snake handler,
	// bounds and centroid to a single snake.
	FieldFinalSnakes Field = "finalSnakes"
	FieldBounds      Field = "bounds"
	FieldCentroid    Field = "centroid"
)

// Schema maps each Field to a dotted path. Numeric path segments index arrays.
type Schema map[Field]string

// DefaultSchema matches QCONF files written by QuimP's BOA plugin
var DefaultSchema = Schema{
	FieldCreatedOn:     "createdOn",
	FieldImagePath:     "obj.BOAState.boap.orgFile.path",
	FieldNumFrames:     "obj.BOAState.boap.FRAMES",
	FieldSnakeHandlers: "obj.BOAState.nest.sHs",
	FieldFinalSnakes:   "finalSnakes",
	FieldBounds:        "bounds",
	FieldCentroid:      "centroid",
}

// Merge returns a copy of s with the entries of overrides applied on top.
func (s Schema) Merge(overrides map[string]string) Schema {
	out := make(Schema, len(s)+len(overrides))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range overrides {
		out[Field(k)] = v
	}
	return out
}

// Path returns the dotted path for f
func (s Schema) Path(f Field) (string, error) {
	p, ok := s[f]
	if !ok || p == "" {
		return "", fmt.Errorf("schema has no path for field %q", f)
	}
	return p, nil
}

// Node is a decoded JSON value: map[string]any, []any, json.Number, string, bool or nil.
type Node = any

// Lookup walks root along a dotted path.
func Lookup(root Node, path string) (Node, error) {
	cur := root
	walked := make([]string, 0, 8)
	for _, seg := range strings.Split(path, ".") {
		walked = append(walked, seg)
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("missing key %q", strings.Join(walked, "."))
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("%q: array needs a numeric index", strings.Join(walked, "."))
			}
			if i < 0 || i >= len(v) {
				return nil, fmt.Errorf("%q: index out of range [0,%d)", strings.Join(walked, "."), len(v))
			}
			cur = v[i]
		default:
			return nil, fmt.Errorf("%q: cannot descend into %T", strings.Join(walked, "."), cur)
		}
	}
	return cur, nil
}

func asInt(n Node) (int, error) {
	num, ok := n.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", n)
	}
	if i, err := num.Int64(); err == nil {
		return int(i), nil
	}
	f, err := num.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %s", num)
	}
	return int(f), nil
}

func asFloat(n Node) (float64, error) {
	num, ok := n.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", n)
	}
	return num.Float64()
}

func asString(n Node) (string, error) {
	s, ok := n.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", n)
	}
	return s, nil
}

func asList(n Node) ([]any, error) {
	l, ok := n.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", n)
	}
	return l, nil
}
