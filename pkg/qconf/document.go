// Package qconf reads per-object, per-frame cell boundaries from QuimP QCONF files.
//
// A QCONF document is JSON. The extractor never hardcodes its layout: every value is
// located through a Schema, a table of dotted paths consulted by Lookup.
package qconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/menta2k/cellcrop/pkg/types"
)

// Document is one parsed QCONF file. It is owned by whoever opened it and must be closed.
type Document struct {
	file   string
	root   Node
	schema Schema
	strict bool
	logger *log.Logger
}

// Option configures a Document
type Option func(*Document)

// WithSchema replaces the default path table
func WithSchema(s Schema) Option {
	return func(d *Document) { d.schema = s }
}

// WithStrictFrames makes All fail when a snake handler does not hold exactly one
// final snake per frame.
func WithStrictFrames() Option {
	return func(d *Document) { d.strict = true }
}

// WithLogger sets the logger used for warnings
func WithLogger(l *log.Logger) Option {
	return func(d *Document) { d.logger = l }
}

// Open reads and parses a QCONF file.
func Open(path string, opts ...Option) (*Document, error) {
	d := &Document{
		file:   path,
		schema: DefaultSchema,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &FormatError{File: path, Reason: "cannot open", Err: err}
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var root Node
	if err := dec.Decode(&root); err != nil {
		return nil, &FormatError{File: path, Reason: "malformed document", Err: err}
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, &FormatError{File: path, Reason: fmt.Sprintf("top level is %T, not an object", root)}
	}
	d.root = root
	return d, nil
}

// WithDocument opens path, runs fn and closes the document on every exit path.
func WithDocument(path string, fn func(*Document) error, opts ...Option) (err error) {
	d, err := Open(path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(d)
}

// Close releases the parsed tree.
func (d *Document) Close() error {
	if d.root == nil {
		return &FormatError{File: d.file, Reason: "document already closed"}
	}
	d.root = nil
	return nil
}

// File returns the path the document was read from
func (d *Document) File() string {
	return d.file
}

func (d *Document) lookup(f Field) (Node, error) {
	return d.lookupFrom(d.root, f)
}

func (d *Document) lookupFrom(n Node, f Field) (Node, error) {
	if d.root == nil {
		return nil, &FormatError{File: d.file, Reason: "document is closed"}
	}
	path, err := d.schema.Path(f)
	if err != nil {
		return nil, &FormatError{File: d.file, Reason: "bad schema", Err: err}
	}
	v, err := Lookup(n, path)
	if err != nil {
		return nil, &FormatError{File: d.file, Path: path, Reason: "lookup failed", Err: err}
	}
	return v, nil
}

func (d *Document) fieldErr(f Field, err error) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		return err
	}
	return &FormatError{File: d.file, Path: d.schema[f], Reason: "unexpected value", Err: err}
}

// CreatedOn returns the creation date recorded by QuimP
func (d *Document) CreatedOn() (string, error) {
	v, err := d.lookup(FieldCreatedOn)
	if err != nil {
		return "", err
	}
	s, err := asString(v)
	if err != nil {
		return "", d.fieldErr(FieldCreatedOn, err)
	}
	return s, nil
}

// ImageName returns the path of the image the document was computed on.
func (d *Document) ImageName() (string, error) {
	v, err := d.lookup(FieldImagePath)
	if err != nil {
		return "", err
	}
	s, err := asString(v)
	if err != nil {
		return "", d.fieldErr(FieldImagePath, err)
	}
	return s, nil
}

// NumFrames returns the number of frames in the referenced stack.
func (d *Document) NumFrames() (int, error) {
	v, err := d.lookup(FieldNumFrames)
	if err != nil {
		return 0, err
	}
	n, err := asInt(v)
	if err != nil {
		return 0, d.fieldErr(FieldNumFrames, err)
	}
	if n < 0 {
		return 0, d.fieldErr(FieldNumFrames, fmt.Errorf("negative frame count %d", n))
	}
	return n, nil
}

func (d *Document) handlers() ([]any, error) {
	v, err := d.lookup(FieldSnakeHandlers)
	if err != nil {
		return nil, err
	}
	l, err := asList(v)
	if err != nil {
		return nil, d.fieldErr(FieldSnakeHandlers, err)
	}
	return l, nil
}

// snakesPerHandler returns the final snakes grouped by their handler, in document order.
func (d *Document) snakesPerHandler() ([][]any, error) {
	hs, err := d.handlers()
	if err != nil {
		return nil, err
	}
	out := make([][]any, 0, len(hs))
	for _, h := range hs {
		v, err := d.lookupFrom(h, FieldFinalSnakes)
		if err != nil {
			return nil, err
		}
		snakes, err := asList(v)
		if err != nil {
			return nil, d.fieldErr(FieldFinalSnakes, err)
		}
		out = append(out, snakes)
	}
	return out, nil
}

// FinalSnakes flattens the final snakes of every handler, handler-major.
func (d *Document) FinalSnakes() ([]Node, error) {
	groups, err := d.snakesPerHandler()
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, g := range groups {
		out = append(out, g...)
	}
	return out, nil
}

// Bounds maps each final snake to its bounding box, in FinalSnakes order.
func (d *Document) Bounds() ([]types.BoundingBox, error) {
	snakes, err := d.FinalSnakes()
	if err != nil {
		return nil, err
	}
	out := make([]types.BoundingBox, 0, len(snakes))
	for _, s := range snakes {
		b, err := d.bounds(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (d *Document) bounds(snake Node) (types.BoundingBox, error) {
	v, err := d.lookupFrom(snake, FieldBounds)
	if err != nil {
		return types.BoundingBox{}, err
	}
	var b types.BoundingBox
	for _, c := range []struct {
		key string
		dst *int
	}{{"x", &b.X}, {"y", &b.Y}, {"width", &b.Width}, {"height", &b.Height}} {
		n, err := Lookup(v, c.key)
		if err != nil {
			return types.BoundingBox{}, d.fieldErr(FieldBounds, err)
		}
		if *c.dst, err = asInt(n); err != nil {
			return types.BoundingBox{}, d.fieldErr(FieldBounds, fmt.Errorf("%s: %w", c.key, err))
		}
	}
	if b.Width < 0 || b.Height < 0 {
		return types.BoundingBox{}, d.fieldErr(FieldBounds, fmt.Errorf("negative size %dx%d", b.Width, b.Height))
	}
	return b, nil
}

// Centroids maps each final snake to its centroid, in FinalSnakes order.
func (d *Document) Centroids() ([]types.Centroid, error) {
	snakes, err := d.FinalSnakes()
	if err != nil {
		return nil, err
	}
	out := make([]types.Centroid, 0, len(snakes))
	for _, s := range snakes {
		v, err := d.lookupFrom(s, FieldCentroid)
		if err != nil {
			return nil, err
		}
		var c types.Centroid
		for _, p := range []struct {
			key string
			dst *float64
		}{{"x", &c.X}, {"y", &c.Y}} {
			n, err := Lookup(v, p.key)
			if err != nil {
				return nil, d.fieldErr(FieldCentroid, err)
			}
			if *p.dst, err = asFloat(n); err != nil {
				return nil, d.fieldErr(FieldCentroid, fmt.Errorf("%s: %w", p.key, err))
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Extraction holds four index-aligned slices, one entry per final snake.
type Extraction struct {
	Bounds       []types.BoundingBox
	Centroids    []types.Centroid
	ImageNames   []string
	FrameIndexes []int
}

// All extracts bounds, centroids, image names and frame indexes.
//
// FrameIndexes is 1..N repeated once per snake handler, which lines up with Bounds
// only if every handler holds exactly N final snakes. Without WithStrictFrames a
// mismatch is logged and the slices are returned as they are.
func (d *Document) All() (*Extraction, error) {
	frames, err := d.NumFrames()
	if err != nil {
		return nil, err
	}
	name, err := d.ImageName()
	if err != nil {
		return nil, err
	}
	groups, err := d.snakesPerHandler()
	if err != nil {
		return nil, err
	}
	for i, g := range groups {
		if len(g) == frames {
			continue
		}
		if d.strict {
			return nil, &FormatError{
				File:   d.file,
				Path:   d.schema[FieldSnakeHandlers],
				Reason: fmt.Sprintf("handler %d has %d final snakes for %d frames", i, len(g), frames),
			}
		}
		d.logger.Printf("[!] %s: handler %d has %d final snakes for %d frames, frame indexes will be misaligned",
			filepath.Base(d.file), i, len(g), frames)
	}

	bounds, err := d.Bounds()
	if err != nil {
		return nil, err
	}
	centroids, err := d.Centroids()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(bounds))
	for i := range names {
		names[i] = name
	}
	frameIdx := make([]int, 0, frames*len(groups))
	for range groups {
		for f := 1; f <= frames; f++ {
			frameIdx = append(frameIdx, f)
		}
	}
	return &Extraction{
		Bounds:       bounds,
		Centroids:    centroids,
		ImageNames:   names,
		FrameIndexes: frameIdx,
	}, nil
}

// Info summarizes the document in one line.
func (d *Document) Info() string {
	created, _ := d.CreatedOn()
	image, _ := d.ImageName()
	frames, _ := d.NumFrames()
	hs, _ := d.handlers()
	return fmt.Sprintf("%s: created %q image %q frames %d objects %d",
		filepath.Base(d.file), created, image, frames, len(hs))
}

// Len returns the number of records the aligned slices can form.
func (e *Extraction) Len() int {
	n := len(e.Bounds)
	for _, l := range []int{len(e.Centroids), len(e.ImageNames), len(e.FrameIndexes)} {
		if l < n {
			n = l
		}
	}
	return n
}

// Records zips the aligned slices into records numbered from start.
func (e *Extraction) Records(source string, start int) []types.ObjectRecord {
	n := e.Len()
	out := make([]types.ObjectRecord, n)
	for i := 0; i < n; i++ {
		out[i] = types.ObjectRecord{
			Index:     start + i,
			Bounds:    e.Bounds[i],
			Centroid:  e.Centroids[i],
			ImageName: e.ImageNames[i],
			Frame:     e.FrameIndexes[i],
			Source:    source,
		}
	}
	return out
}
