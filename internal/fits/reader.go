// Package fits reads raw exposures and maps their headers to document fields.
package fits

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
)

// Extensions of the files treated as raw exposures.
const (
	ExtFits       = ".fits"
	ExtCompressed = ".fits.fz"
)

// ErrNotImage is returned when the data HDU holds no image.
var ErrNotImage = errors.New("hdu is not an image")

// Frame is a decoded exposure. Data is nil for tile-compressed files, whose
// pixels are not decoded.
type Frame struct {
	Filename string
	Header   map[string]any
	Data     []float64
	Width    int
	Height   int
}

// IsCompressed reports whether filename is a tile-compressed exposure.
func IsCompressed(filename string) bool {
	return strings.HasSuffix(filename, ExtCompressed)
}

// IsExposure reports whether filename has a raw exposure extension.
func IsExposure(filename string) bool {
	return strings.HasSuffix(filename, ExtFits) || IsCompressed(filename)
}

// Twin returns the compressed name of an uncompressed exposure and vice
// versa. ok is false for other files.
func Twin(filename string) (string, bool) {
	switch {
	case IsCompressed(filename):
		return strings.TrimSuffix(filename, ".fz"), true
	case strings.HasSuffix(filename, ExtFits):
		return filename + ".fz", true
	}
	return "", false
}

// ReadHeader reads the header of the data HDU: the primary HDU, or the
// first extension of a compressed file.
func ReadHeader(filename string) (map[string]any, error) {
	var header map[string]any
	err := withHDU(filename, func(hdu fitsio.HDU) error {
		header = headerMap(hdu.Header())
		return nil
	})
	return header, err
}

// Read reads the header and, for uncompressed files, the pixels.
func Read(filename string) (*Frame, error) {
	frame := &Frame{Filename: filename}
	err := withHDU(filename, func(hdu fitsio.HDU) error {
		frame.Header = headerMap(hdu.Header())
		if IsCompressed(filename) {
			return nil
		}
		img, ok := hdu.(fitsio.Image)
		if !ok {
			return ErrNotImage
		}
		axes := img.Header().Axes()
		if len(axes) < 2 {
			return fmt.Errorf("%w: %d axes", ErrNotImage, len(axes))
		}
		data, err := decode(img.Raw(), img.Header())
		if err != nil {
			return err
		}
		if len(data) < axes[0]*axes[1] {
			return fmt.Errorf("short image data: %d pixels for %dx%d", len(data), axes[0], axes[1])
		}
		frame.Width, frame.Height = axes[0], axes[1]
		frame.Data = data[:axes[0]*axes[1]]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func withHDU(filename string, fn func(fitsio.HDU) error) error {
	r, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer func() { _ = r.Close() }()

	f, err := fitsio.Open(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("read fits %s: %w", filename, err)
	}
	defer func() { _ = f.Close() }()

	idx := 0
	if IsCompressed(filename) {
		idx = 1
	}
	if len(f.HDUs()) <= idx {
		return fmt.Errorf("%s: missing hdu %d", filename, idx)
	}
	if err := fn(f.HDU(idx)); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

func headerMap(h *fitsio.Header) map[string]any {
	out := make(map[string]any, len(h.Keys()))
	for _, k := range h.Keys() {
		card := h.Get(k)
		if card == nil || card.Value == nil {
			continue
		}
		if s, ok := card.Value.(string); ok {
			out[k] = strings.TrimSpace(s)
			continue
		}
		out[k] = card.Value
	}
	return out
}

// decode converts big-endian raw pixels to physical values using BZERO and BSCALE.
func decode(raw []byte, h *fitsio.Header) ([]float64, error) {
	bitpix := h.Bitpix()
	size := abs(bitpix) / 8
	if size == 0 {
		return nil, fmt.Errorf("invalid BITPIX %d", bitpix)
	}
	n := len(raw) / size

	zero, scale := 0.0, 1.0
	if c := h.Get("BZERO"); c != nil {
		zero = toFloat(c.Value, 0)
	}
	if c := h.Get("BSCALE"); c != nil {
		scale = toFloat(c.Value, 1)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(b)))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(b)))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
		}
		out[i] = zero + scale*v
	}
	return out, nil
}

func toFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return def
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// List returns every exposure file under dir, sorted.
func List(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsExposure(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
