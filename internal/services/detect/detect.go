// Package detect locates the brightest lit region in a camera frame.
package detect

import (
	"image"
	"sort"

	"github.com/disintegration/gift"

	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// Defaults used when a Detector is built with zero values.
const (
	DefaultThreshold = 200
	DefaultMinArea   = 50
)

// Region is one connected group of foreground pixels.
type Region struct {
	Bounds   image.Rectangle `json:"bounds"`
	Area     float64         `json:"area"`
	Centroid ledmap.Point    `json:"centroid"`
}

// Engine extracts regions from a grayscale frame. Pixels at or above
// threshold are foreground; regions smaller than minArea are dropped.
// Coordinates are relative to the gray image origin.
type Engine interface {
	Regions(gray *image.Gray, threshold, minArea int) []Region
}

// Detector carries the threshold and minimum region area used for every frame.
type Detector struct {
	Threshold int // pixels with intensity >= Threshold are foreground
	MinArea   int // regions with a smaller area are ignored
	// Engine labels regions. Nil uses Pixels.
	Engine Engine
}

// New creates a detector backed by Pixels. Out-of-range values fall back to
// the defaults.
func New(threshold, minArea int) *Detector {
	if threshold <= 0 || threshold > 255 {
		threshold = DefaultThreshold
	}
	if minArea < 0 {
		minArea = DefaultMinArea
	}
	return &Detector{Threshold: threshold, MinArea: minArea}
}

// WithEngine returns a copy of d that labels regions with e.
func (d *Detector) WithEngine(e Engine) *Detector {
	c := *d
	c.Engine = e
	return &c
}

// Find returns the centroid of the largest qualifying region, or nil.
func (d *Detector) Find(frame image.Image) *ledmap.Point {
	regions := d.Regions(frame)
	if len(regions) == 0 {
		return nil
	}
	p := regions[0].Centroid
	return &p
}

// Regions returns every qualifying region, largest first. Equal areas keep
// the engine's order.
func (d *Detector) Regions(frame image.Image) []Region {
	if frame == nil || frame.Bounds().Empty() {
		return nil
	}
	engine := d.Engine
	if engine == nil {
		engine = Pixels{}
	}
	out := engine.Regions(Grayscale(frame), clamp(d.Threshold, 0, 255), d.MinArea)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Area > out[j].Area })

	origin := frame.Bounds().Min
	for i := range out {
		out[i].Bounds = out[i].Bounds.Add(origin)
		out[i].Centroid.X += float64(origin.X)
		out[i].Centroid.Y += float64(origin.Y)
	}
	return out
}

// FindBrightSpot returns the centroid of the largest region of pixels at or
// above threshold whose area is at least minArea, using Pixels. It returns
// nil when no region qualifies.
func FindBrightSpot(frame image.Image, threshold, minArea int) *ledmap.Point {
	d := Detector{Threshold: threshold, MinArea: minArea}
	return d.Find(frame)
}

// Regions returns the qualifying regions of frame using Pixels, largest first.
func Regions(frame image.Image, threshold, minArea int) []Region {
	d := Detector{Threshold: threshold, MinArea: minArea}
	return d.Regions(frame)
}

// Centroid uses the moments m00, m10 and m01, falling back to the centre of
// bounds when m00 is zero (a contour enclosing no area).
func Centroid(m00, m10, m01 float64, bounds image.Rectangle) ledmap.Point {
	if m00 == 0 {
		return ledmap.Point{
			X: float64(bounds.Min.X+bounds.Max.X-1) / 2,
			Y: float64(bounds.Min.Y+bounds.Max.Y-1) / 2,
		}
	}
	return ledmap.Point{X: m10 / m00, Y: m01 / m00}
}

// Grayscale converts a frame to single-channel intensity.
func Grayscale(frame image.Image) *image.Gray {
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(g.Bounds(frame.Bounds()))
	g.Draw(dst, frame)
	return dst
}

// Pixels is a pure-Go Engine: 8-connected flood fill where a region's area is
// its pixel count. It needs no OpenCV and backs tests and the package-level
// helpers; the opencv subpackage provides contour areas.
type Pixels struct{}

// Regions implements Engine.
func (Pixels) Regions(gray *image.Gray, thresh, minArea int) []Region {
	threshold := uint8(thresh)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	visited := make([]bool, w*h)
	var regions []Region
	var stack []int

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || gray.Pix[y*gray.Stride+x] < threshold {
				continue
			}

			var m00, m10, m01 float64
			minX, minY, maxX, maxY := x, y, x, y
			visited[idx] = true
			stack = append(stack[:0], idx)

			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cx, cy := cur%w, cur/w

				m00++
				m10 += float64(cx)
				m01 += float64(cy)
				minX, maxX = min(minX, cx), max(maxX, cx)
				minY, maxY = min(minY, cy), max(maxY, cy)

				for dy := -1; dy <= 1; dy++ {
					ny := cy + dy
					if ny < 0 || ny >= h {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						nx := cx + dx
						if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
							continue
						}
						n := ny*w + nx
						if visited[n] || gray.Pix[ny*gray.Stride+nx] < threshold {
							continue
						}
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}

			if m00 < float64(minArea) {
				continue
			}
			bounds := image.Rect(minX, minY, maxX+1, maxY+1)
			regions = append(regions, Region{
				Bounds:   bounds,
				Area:     m00,
				Centroid: Centroid(m00, m10, m01, bounds),
			})
		}
	}
	return regions
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
