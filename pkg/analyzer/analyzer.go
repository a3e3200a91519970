package analyzer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/menta2k/cellcrop/pkg/types"
)

// ErrNoBoxes is returned when statistics are requested for an empty batch
var ErrNoBoxes = errors.New("no bounding boxes to analyse")

// Config holds configuration for the size analyzer
type Config struct {
	// Percentile of widths and heights used to pick the output edge, in (0,100]
	Percentile float64
}

// SizeAnalyzer computes bounding box size statistics for a batch
type SizeAnalyzer struct {
	config Config
}

// New creates a new SizeAnalyzer using the 75th percentile
func New() *SizeAnalyzer {
	return &SizeAnalyzer{config: Config{Percentile: 75}}
}

// NewWithConfig creates a new SizeAnalyzer with custom configuration
func NewWithConfig(config Config) *SizeAnalyzer {
	return &SizeAnalyzer{config: config}
}

// Dim is a width/height pair
type Dim struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// SizeStats summarizes the widths and heights of a batch of boxes
type SizeStats struct {
	Count        int     `json:"count" yaml:"count"`
	Quartiles    [3]Dim  `json:"quartiles" yaml:"quartiles"` // 25th, 50th, 75th
	Percentile   float64 `json:"percentile" yaml:"percentile"`
	AtPercentile Dim     `json:"at_percentile" yaml:"at_percentile"`
	Mean         Dim     `json:"mean" yaml:"mean"`
	Min          Dim     `json:"min" yaml:"min"`
	Max          Dim     `json:"max" yaml:"max"`

	widths  []float64
	heights []float64
}

// Analyze computes statistics over the given boxes.
// This is a full pass and must complete before any region is cut.
func (a *SizeAnalyzer) Analyze(boxes []types.BoundingBox) (SizeStats, error) {
	if len(boxes) == 0 {
		return SizeStats{}, ErrNoBoxes
	}
	if a.config.Percentile <= 0 || a.config.Percentile > 100 {
		return SizeStats{}, fmt.Errorf("percentile must be in (0,100], got %g", a.config.Percentile)
	}
	ws := make([]float64, len(boxes))
	hs := make([]float64, len(boxes))
	for i, b := range boxes {
		ws[i] = float64(b.Width)
		hs[i] = float64(b.Height)
	}
	sort.Float64s(ws)
	sort.Float64s(hs)

	q := func(p float64) Dim {
		return Dim{Width: quantile(p, ws), Height: quantile(p, hs)}
	}
	return SizeStats{
		Count:        len(boxes),
		Quartiles:    [3]Dim{q(0.25), q(0.5), q(0.75)},
		Percentile:   a.config.Percentile,
		AtPercentile: q(a.config.Percentile / 100),
		Mean:         Dim{Width: stat.Mean(ws, nil), Height: stat.Mean(hs, nil)},
		Min:          Dim{Width: floats.Min(ws), Height: floats.Min(hs)},
		Max:          Dim{Width: floats.Max(ws), Height: floats.Max(hs)},
		widths:       ws,
		heights:      hs,
	}, nil
}

// quantile interpolates linearly between the order statistics around
// (n-1)*p of the sorted values, as numpy's percentile does.
func quantile(p float64, sorted []float64) float64 {
	h := float64(len(sorted)-1) * p
	lo := math.Floor(h)
	hi := math.Ceil(h)
	a, b := sorted[int(lo)], sorted[int(hi)]
	return a + (h-lo)*(b-a)
}

// Edge returns the square output edge: the larger of the width and height
// percentiles, rounded half to even.
func (s SizeStats) Edge() int {
	return int(math.RoundToEven(math.Max(s.AtPercentile.Width, s.AtPercentile.Height)))
}

// WriteTables prints the quartile table and the range table.
func (s SizeStats) WriteTables(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tWidth\tHeight\t")
	for i, p := range []string{"25", "50", "75"} {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t\n", p, s.Quartiles[i].Width, s.Quartiles[i].Height)
	}
	fmt.Fprintln(tw, "\t\t\t")
	fmt.Fprintln(tw, "\tWidth\tHeight\t")
	fmt.Fprintf(tw, "mean\t%.2f\t%.2f\t\n", s.Mean.Width, s.Mean.Height)
	fmt.Fprintf(tw, "min\t%.0f\t%.0f\t\n", s.Min.Width, s.Min.Height)
	fmt.Fprintf(tw, "max\t%.0f\t%.0f\t\n", s.Max.Width, s.Max.Height)
	return tw.Flush()
}

// SaveBoxPlot writes a width/height box plot of the batch to path (format from extension).
func (s SizeStats) SaveBoxPlot(path string) error {
	if len(s.widths) == 0 {
		return ErrNoBoxes
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Bounding box sizes (n=%d)", s.Count)
	p.Y.Label.Text = "Pixels"

	width := vg.Points(40)
	for i, series := range []plotter.Values{s.widths, s.heights} {
		box, err := plotter.NewBoxPlot(width, float64(i), series)
		if err != nil {
			return fmt.Errorf("box plot: %w", err)
		}
		p.Add(box)
	}
	p.NominalX("Width", "Height")

	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save box plot: %w", err)
	}
	return nil
}
