// Package testutil builds QCONF documents and image stacks for tests.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/menta2k/cellcrop/pkg/types"
)

// Snake is one final snake written into a fixture document
type Snake struct {
	Bounds   types.BoundingBox
	Centroid types.Centroid
}

// QCONF describes a fixture document in QuimP layout.
type QCONF struct {
	CreatedOn string
	ImagePath string
	Frames    int
	Handlers  [][]Snake
}

// Map renders q as the decoded JSON tree QuimP would write.
func (q QCONF) Map() map[string]any {
	handlers := make([]any, 0, len(q.Handlers))
	for i, h := range q.Handlers {
		snakes := make([]any, 0, len(h))
		for _, s := range h {
			snakes = append(snakes, map[string]any{
				"bounds": map[string]any{
					"x": s.Bounds.X, "y": s.Bounds.Y,
					"width": s.Bounds.Width, "height": s.Bounds.Height,
				},
				"centroid": map[string]any{"x": s.Centroid.X, "y": s.Centroid.Y},
			})
		}
		handlers = append(handlers, map[string]any{
			"ID":          i,
			"startFrame":  1,
			"finalSnakes": snakes,
		})
	}
	return map[string]any{
		"className": "QParamsQconf",
		"createdOn": q.CreatedOn,
		"obj": map[string]any{
			"BOAState": map[string]any{
				"boap": map[string]any{
					"orgFile": map[string]any{"path": q.ImagePath},
					"FRAMES":  q.Frames,
				},
				"nest": map[string]any{"sHs": handlers},
			},
		},
	}
}

// WriteQCONF writes q as JSON to dir/name and returns the full path.
func WriteQCONF(dir, name string, q QCONF) (string, error) {
	data, err := json.MarshalIndent(q.Map(), "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, data, 0o644)
}

// UniformSnakes returns one snake per frame, all with the same box.
func UniformSnakes(frames int, box types.BoundingBox) []Snake {
	out := make([]Snake, frames)
	for i := range out {
		out[i] = Snake{
			Bounds:   box,
			Centroid: types.Centroid{X: float64(box.X) + float64(box.Width)/2, Y: float64(box.Y) + float64(box.Height)/2},
		}
	}
	return out
}

// Gradient returns a w x h gray image whose pixel value encodes its position and seed.
func Gradient(w, h int, seed uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x+y*w) + seed})
		}
	}
	return img
}

// WriteGrayStack writes frames as an uncompressed little-endian multi-page TIFF.
// Each page is stored as its pixel strip followed by its IFD.
func WriteGrayStack(path string, frames []*image.Gray) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames")
	}
	const entries = 9
	const ifdSize = 2 + entries*12 + 4

	dataOffs := make([]int, len(frames))
	ifdOffs := make([]int, len(frames))
	off := 8
	for i, f := range frames {
		dataOffs[i] = off
		off += f.Rect.Dx() * f.Rect.Dy()
		off += off % 2
		ifdOffs[i] = off
		off += ifdSize
	}

	le := binary.LittleEndian
	buf := make([]byte, 8, off)
	copy(buf, "II")
	le.PutUint16(buf[2:], 42)
	le.PutUint32(buf[4:], uint32(ifdOffs[0]))

	for i, f := range frames {
		w, h := f.Rect.Dx(), f.Rect.Dy()
		for y := 0; y < h; y++ {
			buf = append(buf, f.Pix[y*f.Stride:y*f.Stride+w]...)
		}
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}
		next := 0
		if i < len(frames)-1 {
			next = ifdOffs[i+1]
		}

		ifd := make([]byte, ifdSize)
		le.PutUint16(ifd, entries)
		put := func(n int, tag, typ uint16, val uint32) {
			e := ifd[2+n*12:]
			le.PutUint16(e, tag)
			le.PutUint16(e[2:], typ)
			le.PutUint32(e[4:], 1)
			le.PutUint32(e[8:], val)
		}
		const short, long = 3, 4
		put(0, 256, long, uint32(w))           // ImageWidth
		put(1, 257, long, uint32(h))           // ImageLength
		put(2, 258, short, 8)                  // BitsPerSample
		put(3, 259, short, 1)                  // Compression: none
		put(4, 262, short, 1)                  // PhotometricInterpretation: BlackIsZero
		put(5, 273, long, uint32(dataOffs[i])) // StripOffsets
		put(6, 277, short, 1)                  // SamplesPerPixel
		put(7, 278, long, uint32(h))           // RowsPerStrip
		put(8, 279, long, uint32(w*h))         // StripByteCounts
		le.PutUint32(ifd[2+entries*12:], uint32(next))
		buf = append(buf, ifd...)
	}
	return os.WriteFile(path, buf, 0o644)
}
