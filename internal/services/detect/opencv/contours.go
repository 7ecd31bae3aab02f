// Package opencv finds bright regions with OpenCV contours.
package opencv

import (
	"encoding/binary"
	"fmt"
	"image"
	"log"

	"gocv.io/x/gocv"

	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
)

// Contours is a detect.Engine built on gocv. Each external contour of the
// thresholded frame is a region; its area is the contour area, so a
// one-pixel-wide streak has area 0.
type Contours struct{}

// Regions implements detect.Engine.
func (Contours) Regions(gray *image.Gray, threshold, minArea int) []detect.Region {
	src, err := grayToMat(gray)
	if err != nil {
		log.Printf("⚠️  detect: %v", err)
		return nil
	}
	defer func() { _ = src.Close() }()

	bin := gocv.NewMat()
	defer func() { _ = bin.Close() }()
	// ThresholdBinary keeps values strictly above thresh.
	gocv.Threshold(src, &bin, float32(threshold-1), 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var out []detect.Region
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < float64(minArea) {
			continue
		}
		bounds := gocv.BoundingRect(c)
		m00, m10, m01, err := moments(c.ToPoints())
		if err != nil {
			log.Printf("⚠️  detect: contour %d: %v", i, err)
			continue
		}
		out = append(out, detect.Region{
			Bounds:   bounds,
			Area:     area,
			Centroid: detect.Centroid(m00, m10, m01, bounds),
		})
	}
	return out
}

// grayToMat copies gray into a single-channel Mat.
func grayToMat(gray *image.Gray) (gocv.Mat, error) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	pix := gray.Pix
	if gray.Stride != w {
		pix = make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
	}
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("frame to mat: %w", err)
	}
	return mat, nil
}

// moments returns the spatial moments of a contour polygon.
func moments(points []image.Point) (m00, m10, m01 float64, err error) {
	if len(points) == 0 {
		return 0, 0, 0, nil
	}
	data := make([]byte, 0, len(points)*8)
	for _, p := range points {
		data = binary.NativeEndian.AppendUint32(data, uint32(int32(p.X)))
		data = binary.NativeEndian.AppendUint32(data, uint32(int32(p.Y)))
	}
	mat, err := gocv.NewMatFromBytes(len(points), 1, gocv.MatTypeCV32SC2, data)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("contour to mat: %w", err)
	}
	defer func() { _ = mat.Close() }()

	m := gocv.Moments(mat, false)
	return m["m00"], m["m10"], m["m01"], nil
}
