package main

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/bbernstein/lacylights-ledmap/internal/app"
	"github.com/bbernstein/lacylights-ledmap/internal/database"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pattern"
	"github.com/bbernstein/lacylights-ledmap/internal/services/stereo"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

func captureCommand(out io.Writer, in io.Reader) *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "light each LED in turn and record its pixel position",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vantage", Usage: "label for this camera position (e.g. left, right)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "map file (default OUTPUT_DIR/2d_map[_vantage].json)"},
			&cli.DurationFlag{Name: "settle", Usage: "wait between lighting an LED and capturing (overrides SETTLE_DELAY)"},
			&cli.BoolFlag{Name: "no-db", Usage: "do not record the run in the database"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			opts, err := app.CalibrationOptions(cfg)
			if err != nil {
				return err
			}
			opts.Vantage = cmd.String("vantage")
			if cmd.IsSet("settle") {
				opts.SettleDelay = cmd.Duration("settle")
			}

			cam, err := app.OpenCamera(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cam.Close() }()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if !cfg.NonInteractive && in != nil {
				fmt.Fprintln(out, "Type q and press Enter to stop early.")
				go watchQuit(in, cancel)
			}

			cal := calibration.New(app.NewDevice(cfg), cam, app.NewDetector(cfg), opts, nil)
			m, runErr := cal.Run(ctx, "")
			if m == nil {
				return runErr
			}

			path := cmd.String("output")
			if path == "" {
				path = mapPath(cfg.OutputDir, opts.Vantage)
			}
			if err := cal.Save(path); err != nil {
				return err
			}

			if !cmd.Bool("no-db") {
				if err := storeRun(context.WithoutCancel(ctx), cfg.DatabaseURL, cal); err != nil {
					fmt.Fprintf(out, "Warning: run not recorded: %v\n", err)
				}
			}

			printCounts(out, m)
			if stopped(runErr) {
				fmt.Fprintf(out, "Stopped after %d of %d LEDs.\n", m.Len(), opts.LEDCount)
				return nil
			}
			return runErr
		},
	}
}

func storeRun(ctx context.Context, url string, cal *calibration.Calibrator) error {
	db, err := database.Connect(database.Config{URL: url, MaxIdleConn: 1, MaxOpenConn: 1})
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	return cal.Store(ctx, repositories.NewRunRepository(db))
}

func printCounts(out io.Writer, m *ledmap.Map) {
	counts := m.Counts()
	fmt.Fprintf(out, "Detected %d of %d LEDs", m.DetectedCount(), m.Len())
	for _, s := range []ledmap.Status{ledmap.StatusNotDetected, ledmap.StatusCaptureFailed, ledmap.StatusTransportFailed} {
		if counts[s] > 0 {
			fmt.Fprintf(out, ", %s: %d", s, counts[s])
		}
	}
	fmt.Fprintln(out)
	if n := m.FailedCount(); n > 0 {
		fmt.Fprintf(out, "%d LEDs failed on device or camera errors; check the connection and rerun\n", n)
	}
}

func snapshotCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "save one camera frame as PNG (for checking framing and exposure)",
		ArgsUsage: "<file.png>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: ledmap snapshot <file.png>")
			}
			cfg := loadConfig(cmd)
			cam, err := app.OpenCamera(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cam.Close() }()

			frame, err := cam.Capture(ctx)
			if err != nil {
				return err
			}
			path := cmd.Args().First()
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := png.Encode(f, frame); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved %dx%d frame to %s\n", frame.Bounds().Dx(), frame.Bounds().Dy(), path)
			return nil
		},
	}
}

func stereoCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "stereo",
		Usage:     "combine two or more 2D maps into relative depth",
		ArgsUsage: "<map1.json> <map2.json> [more maps...]",
		Flags: []cli.Flag{
			&cli.FloatFlag{Name: "baseline", Usage: "camera shift between passes (overrides STEREO_BASELINE)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "depth file (default OUTPUT_DIR/3d_map.json)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := loadConfig(cmd)
			baseline := cfg.StereoBaseline
			if cmd.IsSet("baseline") {
				baseline = cmd.Float("baseline")
			}

			var maps []*ledmap.Map
			for _, path := range cmd.Args().Slice() {
				m, err := ledmap.Load(path)
				if err != nil {
					return err
				}
				maps = append(maps, m)
			}
			res, err := stereo.Combine(maps, baseline)
			if err != nil {
				return err
			}

			path := cmd.String("output")
			if path == "" {
				path = filepath.Join(cfg.OutputDir, "3d_map.json")
			}
			if err := ledmap.SaveStereo(path, res.Positions); err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved %d positions to %s (%d skipped)\n", len(res.Positions), path, len(res.Skipped))
			return nil
		},
	}
}

func detectCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "detect",
		Usage:     "run the bright-spot detector on an image file",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "threshold", Usage: "1-255 (overrides DETECT_THRESHOLD)"},
			&cli.IntFlag{Name: "min-area", Usage: "contour area in pixels (overrides MIN_CONTOUR_AREA)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: ledmap detect <image>")
			}
			cfg := loadConfig(cmd)
			d := app.NewDetector(cfg)
			if cmd.IsSet("threshold") {
				d.Threshold = cmd.Int("threshold")
			}
			if cmd.IsSet("min-area") {
				d.MinArea = cmd.Int("min-area")
			}

			frame, err := camera.LoadImage(cmd.Args().First())
			if err != nil {
				return err
			}
			regions := d.Regions(frame)
			if len(regions) == 0 {
				fmt.Fprintln(out, "No bright spot found")
				return nil
			}
			best := regions[0].Centroid
			fmt.Fprintf(out, "Bright spot at (%.1f, %.1f)\n", best.X, best.Y)
			printRegions(out, regions)
			return nil
		},
	}
}

func printRegions(out io.Writer, regions []detect.Region) {
	for i, r := range regions {
		fmt.Fprintf(out, "  #%d area=%.1f centroid=(%.1f, %.1f) bounds=%v\n", i, r.Area, r.Centroid.X, r.Centroid.Y, r.Bounds)
	}
}

func exportCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "print a 2D map as YAML",
		ArgsUsage: "<map.json>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: ledmap export <map.json>")
			}
			m, err := ledmap.Load(cmd.Args().First())
			if err != nil {
				return err
			}
			data, err := ledmap.MarshalYAML(m)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
}

func highlightCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "highlight",
		Usage:     "turn everything off and light one LED",
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			id, err := strconv.Atoi(cmd.Args().First())
			if err != nil {
				return fmt.Errorf("LED id must be a number 0..%d", cfg.LEDCount-1)
			}
			color, err := app.LEDColor(cfg)
			if err != nil {
				return err
			}
			dev := app.NewDevice(cfg)
			if err := dev.TurnOffAll(ctx); err != nil {
				return err
			}
			if err := dev.TurnOnSingle(ctx, id, color, cfg.LEDBrightness); err != nil {
				return err
			}
			fmt.Fprintf(out, "LED %d on\n", id)
			return nil
		},
	}
}

func resetCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "turn every LED off",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			if err := app.NewDevice(cfg).TurnOffAll(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "All %d LEDs off\n", cfg.LEDCount)
			return nil
		},
	}
}

func onCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "on",
		Usage: "light every LED in one colour",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			color, err := app.LEDColor(cfg)
			if err != nil {
				return err
			}
			if err := app.NewDevice(cfg).TurnOnAll(ctx, color, cfg.LEDBrightness); err != nil {
				return err
			}
			fmt.Fprintf(out, "All %d LEDs on (%s)\n", cfg.LEDCount, color.Hex())
			return nil
		},
	}
}

func sequenceCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sequence",
		Usage: "light LEDs one at a time to check wiring order",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "on-time", Value: 100 * time.Millisecond, Usage: "how long each LED stays lit"},
			&cli.StringFlag{Name: "passes", Value: "forward", Usage: "comma separated directions, e.g. forward,reverse"},
			&cli.BoolFlag{Name: "trail", Usage: "leave LEDs lit after their turn"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			color, err := app.LEDColor(cfg)
			if err != nil {
				return err
			}
			passes, err := parsePasses(cmd.String("passes"))
			if err != nil {
				return err
			}
			seq := pattern.Sequence{
				LEDCount:   cfg.LEDCount,
				OnTime:     cmd.Duration("on-time"),
				Color:      color,
				Brightness: cfg.LEDBrightness,
				Passes:     passes,
				Trail:      cmd.Bool("trail"),
			}
			if err := seq.Run(ctx, app.NewDevice(cfg)); err != nil && !stopped(err) {
				return err
			}
			fmt.Fprintln(out, "Sequence done")
			return nil
		},
	}
}

// parsePasses parses "forward,reverse" into directions.
func parsePasses(s string) ([]pattern.Direction, error) {
	var passes []pattern.Direction
	for _, p := range strings.Split(s, ",") {
		switch d := pattern.Direction(strings.ToLower(strings.TrimSpace(p))); d {
		case pattern.Forward, pattern.Reverse:
			passes = append(passes, d)
		case "":
		default:
			return nil, fmt.Errorf("unknown direction %q (want forward or reverse)", p)
		}
	}
	return passes, nil
}

func waveCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "wave",
		Usage:     "sweep a brightness band down a calibrated map",
		ArgsUsage: "<map.json>",
		Flags: []cli.Flag{
			&cli.FloatFlag{Name: "threshold", Value: 40, Usage: "band half-height in pixels"},
			&cli.FloatFlag{Name: "step", Usage: "band movement per frame in pixels (default threshold)"},
			&cli.DurationFlag{Name: "delay", Value: 50 * time.Millisecond, Usage: "time between frames"},
			&cli.StringFlag{Name: "easing", Value: string(pattern.EasingInOutSine), Usage: "brightness falloff curve"},
			&cli.IntFlag{Name: "repeat", Value: 1, Usage: "number of sweeps"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("usage: ledmap wave <map.json>")
			}
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			color, err := app.LEDColor(cfg)
			if err != nil {
				return err
			}
			m, err := ledmap.Load(cmd.Args().First())
			if err != nil {
				return err
			}
			w := pattern.Wave{
				Threshold:     cmd.Float("threshold"),
				Step:          cmd.Float("step"),
				Delay:         cmd.Duration("delay"),
				MaxBrightness: cfg.LEDBrightness,
				Color:         color,
				Easing:        pattern.ParseEasing(cmd.String("easing")),
			}
			dev := app.NewDevice(cfg)
			for i := 0; i < cmd.Int("repeat"); i++ {
				if err := w.Run(ctx, dev, m); err != nil {
					if stopped(err) {
						break
					}
					return err
				}
			}
			fmt.Fprintln(out, "Wave done")
			return nil
		},
	}
}

func effectCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "effect",
		Usage:     "run a built-in effect over the whole strip",
		ArgsUsage: "<effect id> [palette id]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			fx, err := strconv.Atoi(cmd.Args().Get(0))
			if err != nil {
				return fmt.Errorf("effect id must be a number (see ledmap info)")
			}
			pal := 0
			if cmd.Args().Len() > 1 {
				if pal, err = strconv.Atoi(cmd.Args().Get(1)); err != nil {
					return fmt.Errorf("palette id must be a number (see ledmap info)")
				}
			}
			dev := app.NewDevice(cfg)
			if err := dev.ApplyEffect(ctx, fx, pal, cfg.LEDBrightness); err != nil {
				return err
			}
			name := strconv.Itoa(fx)
			if info, err := dev.Info(ctx); err == nil && info.EffectName(fx) != "" {
				name = info.EffectName(fx)
			}
			fmt.Fprintf(out, "Effect %s applied\n", name)
			return nil
		},
	}
}

func infoCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "list the device's effects and palettes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := deviceConfig(cmd)
			if err != nil {
				return err
			}
			info, err := app.NewDevice(cfg).Info(ctx)
			if err != nil {
				return err
			}
			printNamed(out, "Effects", info.Effects)
			printNamed(out, "Palettes", info.Palettes)
			return nil
		},
	}
}

func printNamed(out io.Writer, title string, names []string) {
	fmt.Fprintf(out, "%s (%d):\n", title, len(names))
	for i, n := range names {
		fmt.Fprintf(out, "  %3d  %s\n", i, n)
	}
}
