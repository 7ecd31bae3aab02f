// Package opencv captures frames from a local webcam through OpenCV.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"
)

// manualExposure selects manual exposure on V4L2/DirectShow backends.
const manualExposure = 0.25

// Options configures the capture device.
type Options struct {
	Index    int
	Width    int
	Height   int
	Exposure float64 // 0 leaves auto exposure on
	// Warmup frames are read and discarded after opening so auto gain settles.
	Warmup int
}

// Webcam is a camera.Source backed by gocv.VideoCapture.
type Webcam struct {
	mu  sync.Mutex
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Open opens the device and applies resolution and exposure.
func Open(opts Options) (*Webcam, error) {
	vc, err := gocv.OpenVideoCapture(opts.Index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", opts.Index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("open camera %d: device not available", opts.Index)
	}

	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	if opts.Exposure != 0 {
		vc.Set(gocv.VideoCaptureAutoExposure, manualExposure)
		vc.Set(gocv.VideoCaptureExposure, opts.Exposure)
	}

	w := &Webcam{vc: vc, mat: gocv.NewMat()}
	for i := 0; i < opts.Warmup; i++ {
		vc.Read(&w.mat)
	}

	log.Printf("📷 Camera %d opened at %.0fx%.0f (exposure %.1f)", opts.Index,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight), vc.Get(gocv.VideoCaptureExposure))
	return w, nil
}

// Capture reads one frame.
func (w *Webcam) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.vc == nil {
		return nil, errors.New("camera closed")
	}
	if ok := w.vc.Read(&w.mat); !ok || w.mat.Empty() {
		return nil, errors.New("could not read frame from camera")
	}
	img, err := w.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the device. It is safe to call more than once.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.vc == nil {
		return nil
	}
	_ = w.mat.Close()
	err := w.vc.Close()
	w.vc = nil
	log.Printf("📷 Camera closed")
	return err
}
