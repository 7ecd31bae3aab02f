// Package config provides configuration management for the LED mapping tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values. It is built once at startup and
// passed to each component.
type Config struct {
	// Server configuration
	Port string
	Env  string

	// Database configuration
	DatabaseURL string

	// Device configuration
	WLEDAddress   string
	DeviceTimeout time.Duration
	LEDCount      int
	LEDColor      string
	LEDBrightness int

	// Detection configuration
	DetectThreshold int // 0-255 intensity
	MinContourArea  int // pixels

	// Camera configuration
	CameraIndex    int
	CameraWidth    int
	CameraHeight   int
	CameraExposure float64
	CameraRotation int // degrees clockwise: 0, 90, 180, 270
	CameraMirror   bool
	CameraDir      string // when set, frames are replayed from this directory instead of a webcam

	// Calibration configuration
	SettleDelay       time.Duration // heuristic wait between lighting an LED and capturing
	ClearAfterCapture bool
	StereoBaseline    float64
	OutputDir         string

	// MQTT broadcast (disabled when broker is empty)
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	// Non-interactive mode (skip prompts)
	NonInteractive bool

	// CORS configuration
	CORSOrigin string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port: getEnv("PORT", "4000"),
		Env:  getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "file:./data/ledmap.db"),

		// Device
		WLEDAddress:   strings.TrimSpace(getEnv("WLED_IP", "")),
		DeviceTimeout: getEnvDuration("WLED_TIMEOUT", 5*time.Second),
		LEDCount:      getEnvInt("LED_COUNT", 0),
		LEDColor:      getEnv("LED_COLOR", "#ffffff"),
		LEDBrightness: getEnvInt("LED_BRIGHTNESS", 255),

		// Detection
		DetectThreshold: getEnvInt("DETECT_THRESHOLD", 200),
		MinContourArea:  getEnvInt("MIN_CONTOUR_AREA", 50),

		// Camera
		CameraIndex:    getEnvInt("CAMERA_INDEX", 0),
		CameraWidth:    getEnvInt("CAMERA_WIDTH", 1920),
		CameraHeight:   getEnvInt("CAMERA_HEIGHT", 1080),
		CameraExposure: getEnvFloat("CAMERA_EXPOSURE", -7),
		CameraRotation: getEnvInt("CAMERA_ROTATION", 0),
		CameraMirror:   getEnvBool("CAMERA_MIRROR", false),
		CameraDir:      getEnv("CAMERA_DIR", ""),

		// Calibration
		SettleDelay:       getEnvDuration("SETTLE_DELAY", 250*time.Millisecond),
		ClearAfterCapture: getEnvBool("CLEAR_AFTER_CAPTURE", true),
		StereoBaseline:    getEnvFloat("STEREO_BASELINE", 50),
		OutputDir:         getEnv("OUTPUT_DIR", "data"),

		// MQTT
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "ledmap"),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "ledmap"),

		// Non-interactive
		NonInteractive: getEnvBool("NON_INTERACTIVE", false),

		// CORS
		CORSOrigin: getEnv("CORS_ORIGIN", "http://localhost:3000"),
	}
}

// Validate reports configuration that makes the tools unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.WLEDAddress == "" {
		errs = append(errs, errors.New("WLED_IP is not set"))
	}
	if c.LEDCount <= 0 {
		errs = append(errs, fmt.Errorf("LED_COUNT must be positive, got %d", c.LEDCount))
	}
	if c.LEDBrightness < 0 || c.LEDBrightness > 255 {
		errs = append(errs, fmt.Errorf("LED_BRIGHTNESS must be 0-255, got %d", c.LEDBrightness))
	}
	if c.DetectThreshold < 1 || c.DetectThreshold > 255 {
		errs = append(errs, fmt.Errorf("DETECT_THRESHOLD must be 1-255, got %d", c.DetectThreshold))
	}
	if c.MinContourArea < 0 {
		errs = append(errs, fmt.Errorf("MIN_CONTOUR_AREA must not be negative, got %d", c.MinContourArea))
	}
	switch c.CameraRotation {
	case 0, 90, 180, 270:
	default:
		errs = append(errs, fmt.Errorf("CAMERA_ROTATION must be 0, 90, 180 or 270, got %d", c.CameraRotation))
	}
	if c.StereoBaseline <= 0 {
		errs = append(errs, fmt.Errorf("STEREO_BASELINE must be positive, got %g", c.StereoBaseline))
	}
	return errors.Join(errs...)
}

// DeviceURL returns the base URL of the LED controller.
func (c *Config) DeviceURL() string {
	if strings.HasPrefix(c.WLEDAddress, "http://") || strings.HasPrefix(c.WLEDAddress, "https://") {
		return strings.TrimSuffix(c.WLEDAddress, "/")
	}
	return "http://" + c.WLEDAddress
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MQTTEnabled returns true when a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the float value of an environment variable or a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("250ms") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
