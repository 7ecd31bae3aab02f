package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-ledmap/internal/database"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pattern"
	"github.com/bbernstein/lacylights-ledmap/internal/services/testutil"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

// run executes the CLI against a fake device with ledCount LEDs.
func run(t *testing.T, dev *testutil.FakeDevice, ledCount int, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NON_INTERACTIVE", "true")
	t.Setenv("OUTPUT_DIR", t.TempDir())

	var out bytes.Buffer
	full := []string{"ledmap"}
	if dev != nil {
		full = append(full, "--wled", dev.URL(), "--leds", strconv.Itoa(ledCount))
	}
	full = append(full, args...)
	err := newApp(&out, strings.NewReader("")).Run(context.Background(), full)
	return out.String(), err
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func writeMap(t *testing.T, path string, points ...ledmap.Point) {
	t.Helper()
	m := &ledmap.Map{}
	for i, p := range points {
		m.Records = append(m.Records, ledmap.Detected(i, p))
	}
	require.NoError(t, ledmap.Save(path, m))
}

func TestMapPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "2d_map.json"), mapPath("data", ""))
	assert.Equal(t, filepath.Join("data", "2d_map_left.json"), mapPath("data", "left"))
}

func TestParsePasses(t *testing.T) {
	passes, err := parsePasses("forward, Reverse,")
	require.NoError(t, err)
	assert.Equal(t, []pattern.Direction{pattern.Forward, pattern.Reverse}, passes)

	_, err = parsePasses("sideways")
	assert.Error(t, err)
}

func TestWatchQuit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	watchQuit(strings.NewReader("x\n Q \nmore\n"), cancel)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	watchQuit(strings.NewReader("nothing here\n"), cancel)
	assert.NoError(t, ctx.Err())
}

func TestHighlight(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 4)

	out, err := run(t, dev, 4, "--color", "#0000ff", "highlight", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "LED 2 on")
	assert.Equal(t, []int{2}, dev.Lit())
	assert.Equal(t, wled.Color{0, 0, 255}, dev.Color(2))

	_, err = run(t, dev, 4, "highlight", "9")
	assert.ErrorContains(t, err, "out of range")

	_, err = run(t, dev, 4, "highlight", "two")
	assert.Error(t, err)
}

func TestResetAndOn(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 3)

	out, err := run(t, dev, 3, "on")
	require.NoError(t, err)
	assert.Contains(t, out, "All 3 LEDs on")
	assert.Equal(t, []int{0, 1, 2}, dev.Lit())

	out, err = run(t, dev, 3, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "All 3 LEDs off")
	assert.Empty(t, dev.Lit())
}

func TestDeviceCommand_NeedsConfig(t *testing.T) {
	t.Setenv("WLED_IP", "")
	t.Setenv("LED_COUNT", "0")
	_, err := run(t, nil, 0, "reset")
	assert.ErrorContains(t, err, "WLED_IP")
}

func TestInfoAndEffect(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 3)

	out, err := run(t, dev, 3, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Effects (4):")
	assert.Contains(t, out, "  2  Breathe")
	assert.Contains(t, out, "Palettes (4):")

	out, err = run(t, dev, 3, "effect", "1", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Effect Blink applied")

	reqs := dev.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, 1, *last.Segments[0].Effect)
	assert.Equal(t, 3, *last.Segments[0].Palette)

	_, err = run(t, dev, 3, "effect", "blink")
	assert.Error(t, err)
}

func TestSequence(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 3)

	out, err := run(t, dev, 3, "sequence", "--on-time", "0s", "--passes", "forward,reverse")
	require.NoError(t, err)
	assert.Contains(t, out, "Sequence done")
	assert.Empty(t, dev.Lit(), "strip is cleared at the end")

	_, err = run(t, dev, 3, "sequence", "--passes", "up")
	assert.Error(t, err)
}

func TestWave(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 3)
	path := filepath.Join(t.TempDir(), "map.json")
	writeMap(t, path, ledmap.Point{X: 0, Y: 0}, ledmap.Point{X: 0, Y: 50}, ledmap.Point{X: 0, Y: 100})

	out, err := run(t, dev, 3, "wave", "--threshold", "25", "--delay", "0s", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wave done")

	var individual int
	for _, req := range dev.Requests() {
		if len(req.Segments) == 1 && len(req.Segments[0].Individual) > 0 {
			individual++
		}
	}
	assert.Equal(t, 5, individual, "one update per band position from y=0 to y=100")
}

func TestStereo(t *testing.T) {
	dir := t.TempDir()
	left := filepath.Join(dir, "left.json")
	right := filepath.Join(dir, "right.json")
	writeMap(t, left, ledmap.Point{X: 10, Y: 20}, ledmap.Point{X: 15, Y: 20}, ledmap.Point{X: 20, Y: 20})
	writeMap(t, right, ledmap.Point{X: 12, Y: 20}, ledmap.Point{X: 15, Y: 20}, ledmap.Point{X: 30, Y: 20})
	output := filepath.Join(dir, "3d.json")

	out, err := run(t, nil, 0, "stereo", "--baseline", "50", "-o", output, left, right)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 2 positions")
	assert.Contains(t, out, "1 skipped")

	positions, err := ledmap.LoadStereo(output)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 25.0, positions[0].Z)
	assert.Equal(t, 5.0, positions[1].Z)

	_, err = run(t, nil, 0, "stereo", left)
	assert.Error(t, err)
}

func TestStereo_InvalidMapFile(t *testing.T) {
	dir := t.TempDir()
	left := filepath.Join(dir, "left.json")
	writeMap(t, left, ledmap.Point{X: 10, Y: 20})
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"id": 0, "position": [12, 20]}, {"id": 0, "position": [1, 2]}]`), 0644))

	_, err := run(t, nil, 0, "stereo", "--baseline", "50", left, bad)
	assert.ErrorIs(t, err, ledmap.ErrInvalidID)

	huge := filepath.Join(dir, "huge.json")
	require.NoError(t, os.WriteFile(huge, []byte(`[{"id": 0, "position": [12, 20]}, {"id": 9000000000000000000, "position": [1, 2]}]`), 0644))
	out, err := run(t, nil, 0, "stereo", "--baseline", "50", "-o", filepath.Join(dir, "3d.json"), left, huge)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 1 positions")
	assert.Contains(t, out, "1 skipped")
}

func TestStereo_YAMLInput(t *testing.T) {
	dir := t.TempDir()
	left := filepath.Join(dir, "left.yaml")
	data, err := ledmap.MarshalYAML(&ledmap.Map{Records: []ledmap.Record{ledmap.Detected(0, ledmap.Point{X: 10, Y: 20})}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(left, data, 0644))
	right := filepath.Join(dir, "right.json")
	writeMap(t, right, ledmap.Point{X: 20, Y: 20})

	out, err := run(t, nil, 0, "stereo", "--baseline", "50", "-o", filepath.Join(dir, "3d.json"), left, right)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 1 positions")
}

func TestDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	frame := testutil.BlankFrame(100, 80)
	testutil.FillDisc(frame, image.Pt(70, 30), 6, color.White)
	writePNG(t, path, frame)

	out, err := run(t, nil, 0, "detect", "--min-area", "10", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Bright spot at (70.0, 30.0)")
	assert.Contains(t, out, "#0 area=")

	dark := filepath.Join(t.TempDir(), "dark.png")
	writePNG(t, dark, testutil.BlankFrame(10, 10))
	out, err = run(t, nil, 0, "detect", dark)
	require.NoError(t, err)
	assert.Contains(t, out, "No bright spot found")
}

func TestExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	require.NoError(t, ledmap.Save(path, &ledmap.Map{Vantage: "left", Records: []ledmap.Record{
		ledmap.Detected(0, ledmap.Point{X: 1, Y: 2}),
		ledmap.Missed(1, ledmap.StatusNotDetected, nil),
	}}))

	out, err := run(t, nil, 0, "export", path)
	require.NoError(t, err)
	assert.Contains(t, out, "vantage: left")
	assert.Contains(t, out, "not_detected")

	back, err := ledmap.UnmarshalYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 2, back.Len())
}

func TestCapture_FromFrameDirectory(t *testing.T) {
	dev := testutil.NewFakeDevice(t, 3)

	// One pre-recorded frame per LED, in capture order.
	frames := t.TempDir()
	for i := 0; i < 3; i++ {
		img := testutil.BlankFrame(120, 60)
		testutil.FillDisc(img, image.Pt(20+40*i, 30), 5, color.White)
		writePNG(t, filepath.Join(frames, "frame_"+strconv.Itoa(i)+".png"), img)
	}
	t.Setenv("CAMERA_DIR", frames)
	t.Setenv("MIN_CONTOUR_AREA", "10")
	dbURL := "file:" + filepath.Join(t.TempDir(), "ledmap.db")
	t.Setenv("DATABASE_URL", dbURL)
	output := filepath.Join(t.TempDir(), "left.json")

	out, err := run(t, dev, 3, "capture", "--settle", "0s", "--vantage", "left", "-o", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Detected 3 of 3 LEDs")
	assert.Empty(t, dev.Lit())

	m, err := ledmap.Load(output)
	require.NoError(t, err)
	assert.Equal(t, "left", m.Vantage)
	require.Len(t, m.Records, 3)
	assert.InDelta(t, 60, m.Records[1].Position.X, 1)

	db, err := database.Connect(database.Config{URL: dbURL, MaxIdleConn: 1, MaxOpenConn: 1})
	require.NoError(t, err)
	defer func() { _ = database.Close() }()
	runs, err := repositories.NewRunRepository(db).FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Detected)
}

func TestPrintCounts(t *testing.T) {
	m := &ledmap.Map{Records: []ledmap.Record{
		ledmap.Detected(0, ledmap.Point{X: 1, Y: 2}),
		ledmap.Missed(1, ledmap.StatusNotDetected, nil),
		ledmap.Missed(2, ledmap.StatusTransportFailed, errors.New("timeout")),
	}}

	var buf bytes.Buffer
	printCounts(&buf, m)
	assert.Contains(t, buf.String(), "Detected 1 of 3 LEDs, not_detected: 1, transport_failed: 1")
	assert.Contains(t, buf.String(), "1 LEDs failed on device or camera errors")

	buf.Reset()
	printCounts(&buf, &ledmap.Map{Records: m.Records[:2]})
	assert.NotContains(t, buf.String(), "failed on")
}

func TestConfig_SetGetUnset(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(t.TempDir(), "ledmap.db"))

	out, err := run(t, nil, 0, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No settings stored")

	out, err = run(t, nil, 0, "config", "set", "stereo_baseline", "80")
	require.NoError(t, err)
	assert.Contains(t, out, "Set stereo_baseline=80")

	out, err = run(t, nil, 0, "config", "get", "stereo_baseline")
	require.NoError(t, err)
	assert.Equal(t, "80\n", out)

	out, err = run(t, nil, 0, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "stereo_baseline=80")

	_, err = run(t, nil, 0, "config", "unset", "stereo_baseline")
	require.NoError(t, err)
	out, err = run(t, nil, 0, "config", "get", "stereo_baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "stereo_baseline is not set")
}

func TestConfig_Rejects(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(t.TempDir(), "ledmap.db"))

	_, err := run(t, nil, 0, "config", "set", "stereo_baseline", "0")
	assert.ErrorIs(t, err, repositories.ErrInvalidSetting)
	_, err = run(t, nil, 0, "config", "set", "last_run_id", "abc")
	assert.ErrorIs(t, err, repositories.ErrReadOnlySetting)
	_, err = run(t, nil, 0, "config", "unset", "led_count")
	assert.ErrorIs(t, err, repositories.ErrUnknownSetting)
	_, err = run(t, nil, 0, "config", "set", "stereo_baseline")
	assert.Error(t, err)
}
