package types

import (
	"fmt"
	"image"
)

// BoundingBox is an axis-aligned pixel rectangle anchored at its top-left corner.
// X and Y may be negative or beyond the image extent; validity is only enforced
// when a region is cut.
type BoundingBox struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Rect returns the box as an image.Rectangle (unclamped)
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%dx%d@%d,%d", b.Width, b.Height, b.X, b.Y)
}

// Centroid is the snake centre as recorded by QuimP
type Centroid struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// ObjectRecord is one tracked object in one frame
type ObjectRecord struct {
	Index     int         `json:"index" yaml:"index"`
	Bounds    BoundingBox `json:"bounds" yaml:"bounds"`
	Centroid  Centroid    `json:"centroid" yaml:"centroid"`
	ImageName string      `json:"image" yaml:"image"`
	Frame     int         `json:"frame" yaml:"frame"` // 1-based
	Source    string      `json:"source" yaml:"source"`
}

// Counters tallies how crops were normalized during one batch run
type Counters struct {
	Rescaled int `json:"rescaled" yaml:"rescaled"`
	Padded   int `json:"padded" yaml:"padded"`
}

// Merge adds other into c
func (c *Counters) Merge(other Counters) {
	c.Rescaled += other.Rescaled
	c.Padded += other.Padded
}

// Total returns the number of crops that were rescaled or padded
func (c Counters) Total() int {
	return c.Rescaled + c.Padded
}
