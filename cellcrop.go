// Package cellcrop cuts fixed-size images of tracked cells out of microscopy
// time-lapse stacks, using the outlines QuimP stores in its QCONF files.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/menta2k/cellcrop"
//	)
//
//	func main() {
//		report, err := cellcrop.New("./qconf").Run(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("cropped %d objects at %dpx", report.Processed, report.Edge)
//	}
//
// A run has two passes. The first reads the bounding box of every object in
// every QCONF file of the input directory and picks the output edge from the
// size distribution (the larger of the 75th percentile width and height) unless
// an edge is configured. The second pass locates the companion images of each
// annotated image (one per channel tail), cuts each object from the right frame,
// fits it to an edge x edge square and saves it.
//
// The package consists of these components:
//
//  1. qconf (pkg/qconf): reads object records from QCONF documents
//  2. resolver (pkg/resolver): derives companion image names from tails
//  3. cropper (pkg/cropper): computes and cuts clamped windows
//  4. fitting (pkg/fitting): rescales and pads regions to a square
//  5. analyzer (pkg/analyzer): batch size statistics and box plots
//  6. batch (pkg/batch): the orchestrator tying them together
package cellcrop

import (
	"context"
	"image"

	"github.com/menta2k/cellcrop/internal/config"
	"github.com/menta2k/cellcrop/pkg/analyzer"
	"github.com/menta2k/cellcrop/pkg/batch"
	"github.com/menta2k/cellcrop/pkg/cropper"
	"github.com/menta2k/cellcrop/pkg/fitting"
	"github.com/menta2k/cellcrop/pkg/types"
)

// Version of the cellcrop library
const Version = "1.0.0"

// Config is the run configuration: input, crop mode, output and workers
type Config = config.Config

// Report summarizes a finished run
type Report = batch.Report

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a JSON or YAML configuration file over the defaults
func LoadConfig(path string) (*Config, error) {
	return config.LoadFromFile(path)
}

// CellCrop provides a high-level interface to a cropping run
type CellCrop struct {
	cfg  Config
	opts []batch.Option
}

// New creates a CellCrop with the default configuration reading from dir
func New(dir string, opts ...batch.Option) *CellCrop {
	cfg := DefaultConfig()
	cfg.Input.Dir = dir
	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a CellCrop with custom configuration
func NewWithConfig(cfg *Config, opts ...batch.Option) *CellCrop {
	return &CellCrop{cfg: *cfg, opts: opts}
}

// Config returns a copy of the configuration in use
func (c *CellCrop) Config() Config {
	return c.cfg
}

// Run validates the configuration and runs the whole pipeline
func (c *CellCrop) Run(ctx context.Context) (*Report, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return batch.New(c.cfg, c.opts...).Run(ctx)
}

// Stats runs the first pass only and returns the size statistics of the batch
func (c *CellCrop) Stats(ctx context.Context) (analyzer.SizeStats, error) {
	if err := c.cfg.Validate(); err != nil {
		return analyzer.SizeStats{}, err
	}
	records, err := batch.New(c.cfg, c.opts...).Collect(ctx)
	if err != nil {
		return analyzer.SizeStats{}, err
	}
	boxes := make([]types.BoundingBox, len(records))
	for i, r := range records {
		boxes[i] = r.Bounds
	}
	return analyzer.NewWithConfig(analyzer.Config{Percentile: c.cfg.Crop.Percentile}).Analyze(boxes)
}

// CropObject cuts box out of plane and fits it to an edge x edge square, using
// the crop mode of the configuration.
func (c *CellCrop) CropObject(plane image.Image, box types.BoundingBox, edge int) (image.Image, fitting.Action) {
	fill := fitting.FillZero
	if c.cfg.Crop.TrueBackground {
		fill = fitting.FillEdge
	}
	cut := cropper.NewWithOptions(cropper.Options{TrueBackground: c.cfg.Crop.TrueBackground, Edge: edge})
	return fitting.Normalize(cut.Cut(plane, box), edge, nil, fill)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
