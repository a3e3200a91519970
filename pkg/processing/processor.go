package processing

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/cellcrop/pkg/types"
)

// ErrMissingFile matches every *MissingFileError via errors.Is
var ErrMissingFile = errors.New("file not found")

// MissingFileError reports an image or companion that is not on disk.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, ErrMissingFile)
}

func (e *MissingFileError) Is(target error) bool { return target == ErrMissingFile }

// Processor handles image loading and saving
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadStack reads all frames of an image file. Multi-page TIFF files yield one
// frame per page, any other format a single frame.
func (p *Processor) LoadStack(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingFileError{Path: path}
		}
		return nil, fmt.Errorf("failed to read stack: %w", err)
	}

	if isTIFF(data) {
		frames, err := decodeTIFFStack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return &Stack{Path: path, Frames: frames}, nil
	}

	img, err := p.decodeImageFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	return &Stack{Path: path, Frames: []image.Image{img}}, nil
}

// LoadImage loads a single image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	stack, err := p.LoadStack(path)
	if err != nil {
		return nil, err
	}
	return stack.Frames[0], nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte, path string) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format for %s", path)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		if err := webp.Encode(f, img, opts); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case "png", "tif", "tiff":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// FormatExtension maps an output format name to a file extension
func FormatExtension(format string) string {
	switch f := strings.ToLower(format); f {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	case "":
		return "png"
	default:
		return f
	}
}

// CreateDebugOverlay draws the object box (green), the cut window (gold) and the
// centroid (red crosshair) on a copy of plane.
func (p *Processor) CreateDebugOverlay(plane image.Image, box types.BoundingBox, window image.Rectangle, c types.Centroid) image.Image {
	nrgba := imaging.Clone(plane)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	green := color.NRGBA{0, 255, 0, 255}
	gold := color.NRGBA{255, 204, 0, 255}
	red := color.NRGBA{255, 0, 0, 255}
	cross := int(math.Max(3, 0.01*float64(minInt(w, h))))

	drawBox(nrgba, box.Rect(), green)
	if !window.Empty() {
		drawBox(nrgba, window, gold)
	}

	px := int(math.Round(c.X))
	py := int(math.Round(c.Y))
	drawHLine(nrgba, py, px-cross, px+cross+1, red)
	drawVLine(nrgba, px, py-cross, py+cross+1, red)

	return nrgba
}

// Helper functions
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	drawHLine(img, r.Min.Y, r.Min.X, r.Max.X, c)
	drawHLine(img, r.Max.Y-1, r.Min.X, r.Max.X, c)
	drawVLine(img, r.Min.X, r.Min.Y, r.Max.Y, c)
	drawVLine(img, r.Max.X-1, r.Min.Y, r.Max.Y, c)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}

// OutputName builds the file name for one crop.
// Plain names keep the companion file name and append the record index, anonymous
// names are "<record>_<channel>".
func OutputName(companion string, record, channel int, anonymize bool, format string) string {
	ext := FormatExtension(format)
	if anonymize {
		return fmt.Sprintf("%d_%d.%s", record, channel, ext)
	}
	return fmt.Sprintf("%s_%d.%s", filepath.Base(companion), record, ext)
}
