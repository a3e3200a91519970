// Package batch drives a whole cropping run: it reads every QCONF file in the
// input directory, derives the output size from the batch statistics and then
// cuts, fits and saves one crop per object and channel.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/cellcrop/internal/config"
	"github.com/menta2k/cellcrop/internal/utils"
	"github.com/menta2k/cellcrop/pkg/analyzer"
	"github.com/menta2k/cellcrop/pkg/cropper"
	"github.com/menta2k/cellcrop/pkg/fitting"
	"github.com/menta2k/cellcrop/pkg/processing"
	"github.com/menta2k/cellcrop/pkg/qconf"
	"github.com/menta2k/cellcrop/pkg/resolver"
	"github.com/menta2k/cellcrop/pkg/types"
)

const (
	// PlotFile is written to the output directory in show-stats mode
	PlotFile = "size_distribution.png"
	// ManifestFile is written to the output directory when the manifest is enabled
	ManifestFile = "manifest.yaml"
)

// ManifestEntry describes one saved crop
type ManifestEntry struct {
	Record    int               `json:"record" yaml:"record"`
	Source    string            `json:"source" yaml:"source"`
	Image     string            `json:"image" yaml:"image"`
	Frame     int               `json:"frame" yaml:"frame"`
	Bounds    types.BoundingBox `json:"bounds" yaml:"bounds"`
	Centroid  types.Centroid    `json:"centroid" yaml:"centroid"`
	Channel   int               `json:"channel" yaml:"channel"`
	Companion string            `json:"companion" yaml:"companion"`
	Action    string            `json:"action" yaml:"action"`
	File      string            `json:"file" yaml:"file"`
}

// Report summarizes a run
type Report struct {
	RunID     string             `json:"run_id" yaml:"run_id"`
	Edge      int                `json:"edge" yaml:"edge"`
	Stats     analyzer.SizeStats `json:"stats" yaml:"stats"`
	Counters  types.Counters     `json:"counters" yaml:"counters"`
	Records   int                `json:"records" yaml:"records"`
	Processed int                `json:"processed" yaml:"processed"`
	Failed    int                `json:"failed" yaml:"failed"`
	Bytes     int64              `json:"bytes" yaml:"bytes"`
	Outputs   []ManifestEntry    `json:"outputs" yaml:"outputs"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger used for warnings and skipped records
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOutput sets where progress lines and the summary are printed
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// Orchestrator runs the two-pass cropping pipeline
type Orchestrator struct {
	cfg       config.Config
	logger    *log.Logger
	out       io.Writer
	processor *processing.Processor
}

// New creates an Orchestrator for cfg
func New(cfg config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		logger:    log.Default(),
		out:       os.Stdout,
		processor: processing.NewProcessor(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) documentOptions() []qconf.Option {
	opts := []qconf.Option{qconf.WithLogger(o.logger)}
	if len(o.cfg.Input.Schema) > 0 {
		opts = append(opts, qconf.WithSchema(qconf.DefaultSchema.Merge(o.cfg.Input.Schema)))
	}
	if o.cfg.Input.StrictFrames {
		opts = append(opts, qconf.WithStrictFrames())
	}
	return opts
}

// Collect runs the first pass: it extracts the records of every QCONF file in
// the input directory, numbered sequentially across the batch. Documents that
// cannot be read are logged and skipped.
func (o *Orchestrator) Collect(ctx context.Context) ([]types.ObjectRecord, error) {
	files, err := utils.ListQconfFiles(o.cfg.Input.Dir)
	if err != nil {
		return nil, err
	}

	var records []types.ObjectRecord
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := qconf.WithDocument(file, func(d *qconf.Document) error {
			ex, err := d.All()
			if err != nil {
				return err
			}
			o.logger.Printf("[*] %s", d.Info())
			records = append(records, ex.Records(file, len(records))...)
			return nil
		}, o.documentOptions()...)
		if err != nil {
			o.logger.Printf("[!] skipping %s: %v", filepath.Base(file), err)
		}
	}
	return records, nil
}

// Run executes the whole pipeline and returns its report. Record level failures
// are logged and counted; only setup errors and cancellation abort the run.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.New().String()}

	records, err := o.Collect(ctx)
	if err != nil {
		return nil, err
	}
	report.Records = len(records)
	if len(records) == 0 {
		o.logger.Printf("[!] no objects found in %s", o.cfg.Input.Dir)
		return report, nil
	}

	boxes := make([]types.BoundingBox, len(records))
	for i, r := range records {
		boxes[i] = r.Bounds
	}
	stats, err := analyzer.NewWithConfig(analyzer.Config{Percentile: o.cfg.Crop.Percentile}).Analyze(boxes)
	if err != nil {
		return nil, err
	}
	report.Stats = stats
	report.Edge = o.cfg.Crop.Edge
	if report.Edge <= 0 {
		report.Edge = stats.Edge()
	}
	if report.Edge <= 0 {
		return nil, fmt.Errorf("selected edge %d is not positive", report.Edge)
	}

	if err := utils.EnsureDir(o.cfg.Output.Dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	if o.cfg.Output.ShowStats {
		if err := stats.WriteTables(o.out); err != nil {
			return nil, err
		}
		if _, err := fmt.Fprintf(o.out, "\nEdge: %d\n", report.Edge); err != nil {
			return nil, err
		}
		if err := stats.SaveBoxPlot(filepath.Join(o.cfg.Output.Dir, PlotFile)); err != nil {
			return nil, err
		}
		return report, nil
	}

	groups := groupRecords(records)
	results := make([]groupResult, len(groups))
	run := &job{
		Orchestrator: o,
		edge:         report.Edge,
		fill:         fillPolicy(o.cfg.Crop.TrueBackground),
		cutter: cropper.NewWithOptions(cropper.Options{
			TrueBackground: o.cfg.Crop.TrueBackground,
			Edge:           report.Edge,
		}),
	}

	if o.cfg.Workers <= 1 {
		for i, g := range groups {
			results[i], err = run.processGroup(ctx, g)
			if _, cerr := io.Copy(o.out, &results[i].console); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "write console")
			}
			if err != nil {
				return nil, err
			}
		}
	} else {
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(o.cfg.Workers)
		for i, g := range groups {
			eg.Go(func() error {
				r, err := run.processGroup(gctx, g)
				results[i] = r
				return err
			})
		}
		err := eg.Wait()
		for i := range results {
			if _, cerr := io.Copy(o.out, &results[i].console); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "write console")
			}
		}
		if err != nil {
			return nil, err
		}
	}

	for _, r := range results {
		report.Counters.Merge(r.counters)
		report.Processed += r.processed
		report.Failed += r.failed
		report.Bytes += r.bytes
		report.Outputs = append(report.Outputs, r.entries...)
	}

	if err := o.writeSummary(report); err != nil {
		return nil, err
	}
	if o.cfg.Output.Manifest {
		if err := writeManifest(filepath.Join(o.cfg.Output.Dir, ManifestFile), report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (o *Orchestrator) writeSummary(r *Report) error {
	fmt.Fprintln(o.out)
	if err := r.Stats.WriteTables(o.out); err != nil {
		return err
	}
	fmt.Fprintf(o.out, "\nEdge: %d\n", r.Edge)
	fmt.Fprintf(o.out, "Rescaled: %d/%d\n", r.Counters.Rescaled, r.Processed)
	fmt.Fprintf(o.out, "Padded: %d/%d\n", r.Counters.Padded, r.Processed)
	if r.Failed > 0 {
		fmt.Fprintf(o.out, "Failed: %d/%d\n", r.Failed, r.Records)
	}
	_, err := fmt.Fprintf(o.out, "Wrote %d files (%s)\n", len(r.Outputs), utils.FormatFileSize(r.Bytes))
	return err
}

func writeManifest(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func fillPolicy(trueBackground bool) fitting.FillPolicy {
	if trueBackground {
		return fitting.FillEdge
	}
	return fitting.FillZero
}

// group is the set of records that share one source image
type group struct {
	reference string
	records   []types.ObjectRecord
}

type groupResult struct {
	counters  types.Counters
	processed int
	failed    int
	bytes     int64
	entries   []ManifestEntry
	console   bytes.Buffer
}

// baseName strips any directory, with either separator, from a recorded image path
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// groupRecords groups records by source image base name in first-appearance order.
func groupRecords(records []types.ObjectRecord) []group {
	var groups []group
	index := make(map[string]int)
	for _, r := range records {
		ref := baseName(r.ImageName)
		i, ok := index[ref]
		if !ok {
			i = len(groups)
			index[ref] = i
			groups = append(groups, group{reference: ref})
		}
		groups[i].records = append(groups[i].records, r)
	}
	return groups
}

// job carries the per-run settings shared by all groups
type job struct {
	*Orchestrator
	edge   int
	fill   fitting.FillPolicy
	cutter *cropper.Cutter
}

// processGroup crops every record of g. Each companion stack is loaded once.
// The returned error is non-nil only when ctx is done.
func (j *job) processGroup(ctx context.Context, g group) (groupResult, error) {
	var res groupResult

	companions, err := resolver.Resolve(g.reference, j.cfg.Input.Tails)
	if err != nil {
		for _, r := range g.records {
			j.skip(&res, r, err)
		}
		return res, nil
	}
	primary := 0
	if len(j.cfg.Input.Tails) > 0 {
		_, primary, _ = resolver.Match(g.reference, j.cfg.Input.Tails)
	}

	stacks := make([]*processing.Stack, len(companions))
	loadErrs := make([]error, len(companions))
	load := func(i int) (*processing.Stack, error) {
		if stacks[i] == nil && loadErrs[i] == nil {
			stacks[i], loadErrs[i] = j.processor.LoadStack(filepath.Join(j.cfg.Input.Dir, companions[i]))
		}
		return stacks[i], loadErrs[i]
	}

	for _, r := range g.records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := j.processRecord(&res, r, companions, primary, load); err != nil {
			j.skip(&res, r, err)
			continue
		}
		res.processed++
	}
	return res, nil
}

func (j *job) processRecord(res *groupResult, r types.ObjectRecord, companions []string, primary int,
	load func(int) (*processing.Stack, error)) error {

	// every plane is fetched before anything is written
	stacks := make([]*processing.Stack, len(companions))
	planes := make([]image.Image, len(companions))
	for ci := range companions {
		stack, err := load(ci)
		if err != nil {
			return err
		}
		if planes[ci], err = stack.Frame(r.Frame); err != nil {
			return err
		}
		stacks[ci] = stack
	}

	var (
		counters types.Counters
		entries  []ManifestEntry
		written  int64
		line     string
	)
	for ci, companion := range companions {
		plane := planes[ci]
		var ctr *types.Counters
		if ci == primary {
			ctr = &counters
		}
		fitted, action := fitting.Normalize(j.cutter.Cut(plane, r.Bounds), j.edge, ctr, j.fill)

		name := processing.OutputName(companion, r.Index, ci, j.cfg.Output.Anonymize, j.cfg.Output.Format)
		path := filepath.Join(j.cfg.Output.Dir, name)
		if err := j.processor.SaveImage(fitted, path, j.cfg.Output.Format, j.cfg.Output.Quality, j.cfg.Output.Lossless); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
		if info, err := os.Stat(path); err == nil {
			written += info.Size()
		}

		if ci == primary {
			tag := ""
			if action != fitting.Unchanged {
				tag = fmt.Sprintf(" [%s]", action)
			}
			line = fmt.Sprintf("Processing %s %s frame %d%s\n", companion, stacks[ci], r.Frame, tag)

			if j.cfg.Output.Debug {
				if err := j.saveDebug(plane, r, name); err != nil {
					return err
				}
			}
		}

		entries = append(entries, ManifestEntry{
			Record:    r.Index,
			Source:    filepath.Base(r.Source),
			Image:     r.ImageName,
			Frame:     r.Frame,
			Bounds:    r.Bounds,
			Centroid:  r.Centroid,
			Channel:   ci,
			Companion: companion,
			Action:    action.String(),
			File:      name,
		})
	}

	res.counters.Merge(counters)
	res.entries = append(res.entries, entries...)
	res.bytes += written
	res.console.WriteString(line)
	return nil
}

func (j *job) saveDebug(plane image.Image, r types.ObjectRecord, name string) error {
	edge := 0
	if j.cutter.Options().TrueBackground {
		edge = j.edge
	}
	window := cropper.Window(plane.Bounds().Size(), r.Bounds, edge)
	overlay := j.processor.CreateDebugOverlay(plane, r.Bounds, window, r.Centroid)
	path := filepath.Join(j.cfg.Output.Dir, "debug_"+strings.TrimSuffix(name, filepath.Ext(name))+".png")
	if err := j.processor.SaveImage(overlay, path, "png", 0, false); err != nil {
		return fmt.Errorf("failed to save debug overlay: %w", err)
	}
	return nil
}

func (j *job) skip(res *groupResult, r types.ObjectRecord, err error) {
	res.failed++
	j.logger.Printf("[!] %v", errors.Wrapf(err, "%s record %d", filepath.Base(r.Source), r.Index))
}
