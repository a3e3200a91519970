package cropper

import (
	"image"
	"image/color"
	"math"

	"github.com/menta2k/cellcrop/pkg/types"
)

// Options holds the cutting mode used by a Cutter
type Options struct {
	// TrueBackground recentres the window on the box with size Edge
	// instead of cutting the box itself.
	TrueBackground bool
	Edge           int
}

// Cutter cuts object regions out of image planes
type Cutter struct {
	opts Options
}

// New creates a Cutter in bounding box mode
func New() *Cutter {
	return &Cutter{}
}

// NewWithOptions creates a Cutter with custom options
func NewWithOptions(opts Options) *Cutter {
	return &Cutter{opts: opts}
}

// Options returns the cutter configuration
func (c *Cutter) Options() Options {
	return c.opts
}

// Cut returns the region of img selected by box according to the cutter mode.
func (c *Cutter) Cut(img image.Image, box types.BoundingBox) image.Image {
	edge := 0
	if c.opts.TrueBackground {
		edge = c.opts.Edge
	}
	return Cut(img, box, edge)
}

// Cut returns the part of img inside the window computed by Window, rebased to (0,0).
// It never fails: boxes outside the image shrink to whatever intersects it.
func Cut(img image.Image, box types.BoundingBox, edge int) image.Image {
	b := img.Bounds()
	w := Window(b.Size(), box, edge)
	return &croppedImage{
		original: img,
		bounds:   w.Add(b.Min),
	}
}

// Window computes the clamped region to cut from an image of the given size.
//
// With edge <= 0 the window is the box itself. With edge > 0 the window is
// edge pixels wide on both axes, centred on the box as
// start = origin - round((edge-size)/2) + 1.
//
// Every edge is clamped on its own: a start below zero becomes 0, a start at or
// past the extent becomes extent-1, an end past the extent becomes the extent.
func Window(size image.Point, box types.BoundingBox, edge int) image.Rectangle {
	x0, y0 := box.X, box.Y
	x1, y1 := box.X+box.Width, box.Y+box.Height
	if edge > 0 {
		x0 = box.X - roundHalf(float64(edge-box.Width)/2) + 1
		y0 = box.Y - roundHalf(float64(edge-box.Height)/2) + 1
		x1 = x0 + edge
		y1 = y0 + edge
	}
	x0, x1 = clampSpan(x0, x1, size.X)
	y0, y1 = clampSpan(y0, y1, size.Y)
	return image.Rectangle{Min: image.Point{X: x0, Y: y0}, Max: image.Point{X: x1, Y: y1}}
}

func clampSpan(start, end, extent int) (int, int) {
	if extent <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if start >= extent {
		start = extent - 1
	}
	if end > extent {
		end = extent
	}
	if end < start {
		end = start
	}
	return start, end
}

// roundHalf rounds half to even
func roundHalf(v float64) int {
	return int(math.RoundToEven(v))
}

// croppedImage implements the image.Image interface for cropped images
type croppedImage struct {
	original image.Image
	bounds   image.Rectangle
}

func (c *croppedImage) ColorModel() color.Model {
	return c.original.ColorModel()
}

func (c *croppedImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.bounds.Dx(), c.bounds.Dy())
}

func (c *croppedImage) At(x, y int) color.Color {
	pt := image.Point{x, y}
	if !pt.In(c.Bounds()) {
		return c.ColorModel().Convert(color.Black)
	}
	return c.original.At(x+c.bounds.Min.X, y+c.bounds.Min.Y)
}
