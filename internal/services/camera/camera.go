// Package camera provides frame sources for LED calibration.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/gift"
	_ "golang.org/x/image/bmp"  // register BMP decoding
	_ "golang.org/x/image/tiff" // register TIFF decoding
	_ "golang.org/x/image/webp" // register WebP decoding
)

// ErrExhausted is returned by a Directory once every frame has been replayed.
var ErrExhausted = errors.New("no more frames")

// Source produces frames on demand. Implementations are not required to be
// safe for concurrent use.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// Transform is applied to every captured frame: rotate clockwise first, then
// mirror horizontally.
type Transform struct {
	Rotation int  `json:"rotation"` // 0, 90, 180 or 270 degrees clockwise
	Mirror   bool `json:"mirror"`
}

// IsIdentity reports whether the transform leaves frames unchanged.
func (t Transform) IsIdentity() bool {
	return normalizeRotation(t.Rotation) == 0 && !t.Mirror
}

// Validate checks that the rotation is a multiple of 90 degrees.
func (t Transform) Validate() error {
	if t.Rotation%90 != 0 {
		return fmt.Errorf("rotation must be a multiple of 90 degrees, got %d", t.Rotation)
	}
	return nil
}

// Apply returns the transformed frame. The input is not modified.
func (t Transform) Apply(img image.Image) image.Image {
	if t.IsIdentity() {
		return img
	}
	g := gift.New(t.filters()...)
	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

func (t Transform) filters() []gift.Filter {
	var filters []gift.Filter
	switch normalizeRotation(t.Rotation) {
	case 90:
		filters = append(filters, gift.Rotate270()) // gift rotates counter-clockwise
	case 180:
		filters = append(filters, gift.Rotate180())
	case 270:
		filters = append(filters, gift.Rotate90())
	}
	if t.Mirror {
		filters = append(filters, gift.FlipHorizontal())
	}
	return filters
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Transformed wraps a Source and applies a Transform to each frame.
type Transformed struct {
	Source
	Transform Transform
}

// WithTransform wraps src. The identity transform returns src unchanged.
func WithTransform(src Source, t Transform) Source {
	if t.IsIdentity() {
		return src
	}
	return &Transformed{Source: src, Transform: t}
}

// Capture captures from the wrapped source and transforms the frame.
func (t *Transformed) Capture(ctx context.Context) (image.Image, error) {
	img, err := t.Source.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return t.Transform.Apply(img), nil
}

// Directory replays still images from a folder in lexical file order, one per
// Capture call. It lets a calibration run against photos taken earlier.
type Directory struct {
	mu    sync.Mutex
	files []string
	next  int
}

// frameExts are the still-image formats LoadImage can decode.
var frameExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// OpenDirectory lists the image files in dir in name order.
func OpenDirectory(dir string) (*Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	d := &Directory{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			d.files = append(d.files, filepath.Join(dir, e.Name()))
		}
	}
	if len(d.files) == 0 {
		return nil, fmt.Errorf("no frames in %s", dir)
	}
	sort.Strings(d.files)
	return d, nil
}

// Len returns the number of frames.
func (d *Directory) Len() int {
	return len(d.files)
}

// Capture decodes the next frame.
func (d *Directory) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.next >= len(d.files) {
		d.mu.Unlock()
		return nil, ErrExhausted
	}
	path := d.files[d.next]
	d.next++
	d.mu.Unlock()

	return LoadImage(path)
}

// Close is a no-op; frames are read on demand.
func (d *Directory) Close() error {
	return nil
}

// LoadImage decodes a PNG, JPEG, BMP, TIFF or WebP file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
