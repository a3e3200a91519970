// Package fitting brings cut regions to an exact square size, by shrinking
// oversized regions and padding undersized ones.
package fitting

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/menta2k/cellcrop/pkg/types"
)

// FillPolicy selects how padding pixels are filled
type FillPolicy int

const (
	// FillZero pads with black
	FillZero FillPolicy = iota
	// FillEdge repeats the nearest border pixel outwards
	FillEdge
)

func (p FillPolicy) String() string {
	switch p {
	case FillZero:
		return "zero"
	case FillEdge:
		return "edge"
	default:
		return fmt.Sprintf("FillPolicy(%d)", int(p))
	}
}

// Action records what Normalize did to a region
type Action int

const (
	Unchanged Action = iota
	Rescaled
	Padded
)

func (a Action) String() string {
	switch a {
	case Rescaled:
		return "RESCALED"
	case Padded:
		return "PADDED"
	default:
		return "UNCHANGED"
	}
}

// GeometryWarning is returned by Pad when the image is already larger than the target.
type GeometryWarning struct {
	Size image.Point
	Edge int
}

func (w *GeometryWarning) Error() string {
	return fmt.Sprintf("image %dx%d larger than requested box %d, scale first", w.Size.X, w.Size.Y, w.Edge)
}

// Logger receives geometry warnings. Replace it to silence or redirect them.
var Logger = log.Default()

// Normalize returns region as an edge x edge image.
//
// A region larger than edge on either axis is shrunk so its longer side equals
// edge and the rest is zero padded, whatever fill says. A smaller region is
// padded with fill. A region already edge x edge is returned as is. counters may
// be nil.
func Normalize(region image.Image, edge int, counters *types.Counters, fill FillPolicy) (image.Image, Action) {
	size := region.Bounds().Size()
	switch {
	case size.X > edge || size.Y > edge:
		out := Rescale(region, edge)
		if counters != nil {
			counters.Rescaled++
		}
		return out, Rescaled
	case size.X < edge || size.Y < edge:
		out, err := Pad(region, edge, fill)
		if err != nil {
			Logger.Printf("[!] %v", err)
			return region, Unchanged
		}
		if counters != nil {
			counters.Padded++
		}
		return out, Padded
	default:
		return region, Unchanged
	}
}

// Rescale shrinks (or grows) img isotropically so that its longer side is edge,
// then zero pads it to edge x edge.
func Rescale(img image.Image, edge int) image.Image {
	w, h := ScaledSize(img.Bounds().Size(), edge)
	out, err := Pad(resize(img, w, h), edge, FillZero)
	if err != nil {
		Logger.Printf("[!] %v", err)
		return img
	}
	return out
}

// resize scales img to w x h with a linear filter. imaging works on 8 bit
// NRGBA, so 16 bit planes are scaled directly to keep their depth.
func resize(img image.Image, w, h int) image.Image {
	switch img.ColorModel() {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model:
		dst := newLike(img, image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		return dst
	}
	return convertLike(img, imaging.Resize(img, w, h, imaging.Linear))
}

// ScaledSize returns the size of an image scaled so its longer side is edge.
// The shorter side is rounded and kept within [1, edge].
func ScaledSize(size image.Point, edge int) (int, int) {
	largest := size.X
	if size.Y > largest {
		largest = size.Y
	}
	if largest == 0 {
		return 0, 0
	}
	scale := float64(edge) / float64(largest)
	side := func(v int) int {
		if v == largest {
			return edge
		}
		s := int(math.Round(float64(v) * scale))
		if s < 1 {
			s = 1
		}
		if s > edge {
			s = edge
		}
		return s
	}
	return side(size.X), side(size.Y)
}

// Pad grows img to edge x edge. The deficit on each axis is split as
// before = round(deficit/2) (half to even) and after = deficit - before.
// An image larger than edge on either axis is returned unchanged with a *GeometryWarning.
func Pad(img image.Image, edge int, fill FillPolicy) (image.Image, error) {
	b := img.Bounds()
	rows := edge - b.Dy()
	cols := edge - b.Dx()
	if rows < 0 || cols < 0 {
		return img, &GeometryWarning{Size: b.Size(), Edge: edge}
	}
	top := int(math.RoundToEven(float64(rows) / 2))
	left := int(math.RoundToEven(float64(cols) / 2))

	dst := newLike(img, image.Rect(0, 0, edge, edge))
	if fill == FillEdge && !b.Empty() {
		for y := 0; y < edge; y++ {
			sy := b.Min.Y + clamp(y-top, 0, b.Dy()-1)
			for x := 0; x < edge; x++ {
				sx := b.Min.X + clamp(x-left, 0, b.Dx()-1)
				dst.Set(x, y, img.At(sx, sy))
			}
		}
		return dst, nil
	}

	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	inner := image.Rect(left, top, left+b.Dx(), top+b.Dy())
	draw.Draw(dst, inner, img, b.Min, draw.Src)
	return dst, nil
}

// newLike allocates an image with the pixel model of src: 8 and 16 bit gray
// planes stay gray, everything else becomes NRGBA (or NRGBA64 for 16 bit colour).
func newLike(src image.Image, r image.Rectangle) draw.Image {
	switch src.ColorModel() {
	case color.GrayModel:
		return image.NewGray(r)
	case color.Gray16Model:
		return image.NewGray16(r)
	case color.RGBA64Model, color.NRGBA64Model:
		return image.NewNRGBA64(r)
	default:
		return image.NewNRGBA(r)
	}
}

// convertLike copies img into an image with the pixel model of model.
func convertLike(model, img image.Image) image.Image {
	dst := newLike(model, img.Bounds())
	if _, same := dst.(*image.NRGBA); same {
		if n, ok := img.(*image.NRGBA); ok {
			return n
		}
	}
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
