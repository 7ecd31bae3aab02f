// Package main is the ledmap command line tool: calibrate LED positions with
// a webcam, combine passes into depth, and drive test patterns.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/bbernstein/lacylights-ledmap/internal/config"
)

// Version information (set at build time)
var Version = "0.1.0"

func main() {
	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stdin).Run(ctx, os.Args); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// newApp builds the command tree. Output goes to out; interactive prompts read in.
func newApp(out io.Writer, in io.Reader) *cli.Command {
	return &cli.Command{
		Name:    "ledmap",
		Usage:   "map and drive a WLED LED strip",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wled", Usage: "device address (overrides WLED_IP)"},
			&cli.IntFlag{Name: "leds", Usage: "number of LEDs (overrides LED_COUNT)"},
			&cli.StringFlag{Name: "color", Usage: "hex colour (overrides LED_COLOR)"},
			&cli.IntFlag{Name: "brightness", Usage: "0-255 (overrides LED_BRIGHTNESS)"},
		},
		Commands: []*cli.Command{
			captureCommand(out, in),
			snapshotCommand(out),
			stereoCommand(out),
			detectCommand(out),
			exportCommand(out),
			highlightCommand(out),
			resetCommand(out),
			onCommand(out),
			sequenceCommand(out),
			waveCommand(out),
			effectCommand(out),
			infoCommand(out),
			configCommand(out),
		},
	}
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig(cmd *cli.Command) *config.Config {
	cfg := config.Load()
	if cmd.IsSet("wled") {
		cfg.WLEDAddress = strings.TrimSpace(cmd.String("wled"))
	}
	if cmd.IsSet("leds") {
		cfg.LEDCount = cmd.Int("leds")
	}
	if cmd.IsSet("color") {
		cfg.LEDColor = cmd.String("color")
	}
	if cmd.IsSet("brightness") {
		cfg.LEDBrightness = cmd.Int("brightness")
	}
	return cfg
}

// deviceConfig is loadConfig for commands that talk to the strip.
func deviceConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := loadConfig(cmd)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mapPath returns the default output file for a 2D map.
func mapPath(dir, vantage string) string {
	name := "2d_map.json"
	if vantage != "" {
		name = fmt.Sprintf("2d_map_%s.json", vantage)
	}
	return filepath.Join(dir, name)
}

// watchQuit cancels when a line reading "q" arrives on in. It returns when
// in is exhausted or after cancelling.
func watchQuit(in io.Reader, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
			log.Println("🛑 Stopping...")
			cancel()
			return
		}
	}
}

// stopped reports whether err only means the user stopped the command.
func stopped(err error) bool {
	return errors.Is(err, context.Canceled)
}
