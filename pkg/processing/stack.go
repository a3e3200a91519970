package processing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"golang.org/x/image/tiff"
)

// Stack is a multi-frame image, typically one time-lapse channel.
type Stack struct {
	Path   string
	Frames []image.Image
}

// Len returns the number of frames
func (s *Stack) Len() int {
	return len(s.Frames)
}

// Frame returns the plane for a 1-based frame index.
func (s *Stack) Frame(index int) (image.Image, error) {
	if index < 1 || index > len(s.Frames) {
		return nil, fmt.Errorf("frame %d out of range [1,%d] in %s", index, len(s.Frames), s.Path)
	}
	return s.Frames[index-1], nil
}

// Shape returns (frames, height, width) of the first plane.
func (s *Stack) Shape() [3]int {
	if len(s.Frames) == 0 {
		return [3]int{}
	}
	b := s.Frames[0].Bounds()
	return [3]int{len(s.Frames), b.Dy(), b.Dx()}
}

func (s *Stack) String() string {
	sh := s.Shape()
	return fmt.Sprintf("(%d, %d, %d)", sh[0], sh[1], sh[2])
}

func isTIFF(data []byte) bool {
	return len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*")))
}

// maxPages bounds the IFD walk so a looping chain cannot hang the loader
const maxPages = 1 << 16

// pageOffsets walks the IFD chain of a classic TIFF file.
func pageOffsets(data []byte) (binary.ByteOrder, []uint32, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("tiff: header too short")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, errors.New("tiff: bad byte order mark")
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, nil, errors.New("tiff: unsupported variant (BigTIFF?)")
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	off := order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] || len(offsets) >= maxPages {
			return nil, nil, errors.New("tiff: IFD chain loops")
		}
		seen[off] = true
		if int64(off)+2 > int64(len(data)) {
			return nil, nil, fmt.Errorf("tiff: IFD offset %d past end of file", off)
		}
		n := int64(order.Uint16(data[off:]))
		next := int64(off) + 2 + 12*n
		if next+4 > int64(len(data)) {
			return nil, nil, fmt.Errorf("tiff: truncated IFD at %d", off)
		}
		offsets = append(offsets, off)
		off = order.Uint32(data[next:])
	}
	if len(offsets) == 0 {
		return nil, nil, errors.New("tiff: no pages")
	}
	return order, offsets, nil
}

// pageReader presents data with the first-IFD pointer of the header replaced,
// so a single-page decoder reads an arbitrary page.
type pageReader struct {
	data   []byte
	header [8]byte
}

func (r *pageReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("tiff: negative offset")
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	for i := 0; i < n && off+int64(i) < int64(len(r.header)); i++ {
		p[i] = r.header[off+int64(i)]
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// decodeTIFFStack decodes every page of a (possibly multi-page) TIFF file.
func decodeTIFFStack(data []byte) ([]image.Image, error) {
	order, offsets, err := pageOffsets(data)
	if err != nil {
		return nil, err
	}
	frames := make([]image.Image, 0, len(offsets))
	for i, off := range offsets {
		pr := &pageReader{data: data}
		copy(pr.header[:4], data[:4])
		order.PutUint32(pr.header[4:], off)
		img, err := tiff.Decode(io.NewSectionReader(pr, 0, int64(len(data))))
		if err != nil {
			return nil, fmt.Errorf("tiff page %d: %w", i+1, err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}
