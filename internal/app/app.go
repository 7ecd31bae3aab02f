// Package app builds the device, camera and calibration services from
// configuration. It is shared by the server and the CLI.
package app

import (
	"fmt"
	"net/http"

	"github.com/bbernstein/lacylights-ledmap/internal/config"
	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera/opencv"
	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
	detectcv "github.com/bbernstein/lacylights-ledmap/internal/services/detect/opencv"
	"github.com/bbernstein/lacylights-ledmap/internal/services/device"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// WarmupFrames are discarded after opening a webcam.
const WarmupFrames = 5

// NewDevice creates the controller for the configured strip.
func NewDevice(cfg *config.Config) *device.Controller {
	return device.NewController(cfg.DeviceURL(), cfg.LEDCount, &http.Client{Timeout: cfg.DeviceTimeout})
}

// NewDetector creates the OpenCV contour detector with the configured
// threshold and area.
func NewDetector(cfg *config.Config) *detect.Detector {
	return detect.New(cfg.DetectThreshold, cfg.MinContourArea).WithEngine(detectcv.Contours{})
}

// LEDColor parses the configured calibration colour.
func LEDColor(cfg *config.Config) (wled.Color, error) {
	c, err := wled.ParseColor(cfg.LEDColor)
	if err != nil {
		return wled.Color{}, fmt.Errorf("LED_COLOR: %w", err)
	}
	return c, nil
}

// CalibrationOptions builds run options from configuration.
func CalibrationOptions(cfg *config.Config) (calibration.Options, error) {
	color, err := LEDColor(cfg)
	if err != nil {
		return calibration.Options{}, err
	}
	opts := calibration.DefaultOptions(cfg.LEDCount)
	opts.Color = color
	opts.Brightness = cfg.LEDBrightness
	opts.SettleDelay = cfg.SettleDelay
	opts.ClearAfterCapture = cfg.ClearAfterCapture
	return opts, nil
}

// Transform returns the configured post-capture rotation and mirror.
func Transform(cfg *config.Config) camera.Transform {
	return camera.Transform{Rotation: cfg.CameraRotation, Mirror: cfg.CameraMirror}
}

// OpenCamera opens the configured frame source: a directory of stills when
// CAMERA_DIR is set, otherwise the webcam. The transform is applied to both.
func OpenCamera(cfg *config.Config) (camera.Source, error) {
	t := Transform(cfg)
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if cfg.CameraDir != "" {
		dir, err := camera.OpenDirectory(cfg.CameraDir)
		if err != nil {
			return nil, err
		}
		return camera.WithTransform(dir, t), nil
	}

	cam, err := opencv.Open(opencv.Options{
		Index:    cfg.CameraIndex,
		Width:    cfg.CameraWidth,
		Height:   cfg.CameraHeight,
		Exposure: cfg.CameraExposure,
		Warmup:   WarmupFrames,
	})
	if err != nil {
		return nil, err
	}
	return camera.WithTransform(cam, t), nil
}
