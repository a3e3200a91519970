// Package resolver derives the names of companion images (other channels, masks)
// that share a base name with the image a QCONF file was computed on.
//
// QuimP names its outputs after the analysed image, e.g.
//
//	KZ4-220214.lsm_CH_1.tif
//	KZ4-220214.lsm_CH_1_snakemask.tif
//	KZ4-220214.lsm_CH_2.tif
//
// Given the reference KZ4-220214.lsm_CH_1.QCONF and the tails _CH_1, _CH_2 and
// _CH_1_snakemask, Resolve recovers the stem KZ4-220214.lsm and lists all three images.
package resolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultExtension is appended to tails given without an extension
const DefaultExtension = ".tif"

// ErrNoTailMatch matches every *ResolutionError via errors.Is
var ErrNoTailMatch = errors.New("no tail matches base name")

// ResolutionError is returned when none of the tails occurs in the reference name.
type ResolutionError struct {
	Reference string
	Tails     []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v (tails %v)", e.Reference, ErrNoTailMatch, e.Tails)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrNoTailMatch }

func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// Match returns the stem shared by reference and the first tail (in list order)
// found inside the extension-less reference, together with that tail's index.
// It is deliberately first-match, not longest-match: with tails _CH_1 and
// _CH_1_snakemask the order given by the caller decides.
func Match(reference string, tails []string) (string, int, error) {
	base, _ := splitExt(reference)
	for i, tail := range tails {
		t, _ := splitExt(tail)
		if idx := strings.Index(base, t); idx != -1 {
			return base[:idx], i, nil
		}
	}
	return "", -1, &ResolutionError{Reference: reference, Tails: tails}
}

// Resolve lists the companion file names of reference, one per tail and in tail order.
// With no tails the reference itself is returned.
func Resolve(reference string, tails []string) ([]string, error) {
	if len(tails) == 0 {
		return []string{reference}, nil
	}
	stem, _, err := Match(reference, tails)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tails))
	for _, tail := range tails {
		t, ext := splitExt(tail)
		if ext == "" {
			ext = DefaultExtension
		}
		out = append(out, stem+t+ext)
	}
	return out, nil
}
