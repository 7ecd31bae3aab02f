package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/detect"
	"github.com/bbernstein/lacylights-ledmap/internal/services/device"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
	"github.com/bbernstein/lacylights-ledmap/internal/services/testutil"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
	"github.com/bbernstein/lacylights-ledmap/pkg/wled"
)

const testLEDs = 3

type env struct {
	srv    *Server
	router http.Handler
	dev    *testutil.FakeDevice
	db     *testutil.TestDB
	cam    *testutil.SceneCamera
}

func setup(t *testing.T) *env {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	dev := testutil.NewFakeDevice(t, testLEDs)
	cam := &testutil.SceneCamera{
		Device: dev,
		Positions: map[int]image.Point{
			0: image.Pt(20, 30),
			1: image.Pt(60, 30),
			2: image.Pt(100, 30),
		},
		Width: 120, Height: 60, Radius: 5,
	}

	opts := calibration.DefaultOptions(testLEDs)
	opts.SettleDelay = 0

	srv := NewServer(Deps{
		Device:      device.NewController(dev.URL(), testLEDs, nil),
		Detector:    detect.New(200, 20),
		Runs:        db.RunRepo,
		Depths:      db.DepthRepo,
		Settings:    db.SettingRepo,
		PubSub:      pubsub.New(),
		OpenCamera:  func() (camera.Source, error) { return cam, nil },
		Calibration: opts,
		Baseline:    50,
		Version:     "test",
	})
	t.Cleanup(srv.Shutdown)
	return &env{srv: srv, router: srv.Router(), dev: dev, db: db, cam: cam}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["calibrating"])
}

func TestDeviceInfo(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/api/device/info", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		LEDCount int      `json:"ledCount"`
		Effects  []string `json:"effects"`
		Palettes []string `json:"palettes"`
	}
	decode(t, w, &body)
	assert.Equal(t, testLEDs, body.LEDCount)
	assert.Equal(t, "Solid", body.Effects[0])
	assert.Contains(t, body.Palettes, "Party")
}

func TestHighlight(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodPost, "/api/device/highlight/2", `{"color":"#ff0000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []int{2}, e.dev.Lit())
	assert.Equal(t, wled.Color{255, 0, 0}, e.dev.Color(2))

	// Highlighting another LED clears the first.
	w = e.do(t, http.MethodPost, "/api/device/highlight/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{0}, e.dev.Lit())
}

func TestHighlight_BadInput(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"out of range", "/api/device/highlight/99", ""},
		{"not a number", "/api/device/highlight/abc", ""},
		{"bad colour", "/api/device/highlight/1", `{"color":"nope"}`},
		{"bad brightness", "/api/device/highlight/1", `{"brightness":300}`},
		{"unknown field", "/api/device/highlight/1", `{"colour":"#fff"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestReset(t *testing.T) {
	e := setup(t)
	changes := e.srv.deps.PubSub.Subscribe(pubsub.TopicDeviceChanged, "", 4)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/device/highlight/1", "").Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/device/reset", "").Code)
	assert.Empty(t, e.dev.Lit())
	assert.Len(t, changes.Channel, 2)
}

func TestEffect(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodPost, "/api/device/effect", `{"effect":2,"palette":3,"brightness":128}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body deviceEvent
	decode(t, w, &body)
	assert.Equal(t, "Breathe", body.Effect)

	reqs := e.dev.Requests()
	last := reqs[len(reqs)-1]
	require.NotNil(t, last.Brightness)
	assert.Equal(t, 128, *last.Brightness)
	assert.Equal(t, 2, *last.Segments[0].Effect)
	assert.Equal(t, 3, *last.Segments[0].Palette)
}

func TestDeviceUnavailable(t *testing.T) {
	e := setup(t)
	e.dev.FailWith(func(wled.State) int { return http.StatusServiceUnavailable })

	w := e.do(t, http.MethodPost, "/api/device/reset", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "503")
}

func TestRuns_CalibrateAndFetch(t *testing.T) {
	e := setup(t)
	completed := e.srv.deps.PubSub.Subscribe(pubsub.TopicCalibrationCompleted, "", 1)

	w := e.do(t, http.MethodPost, "/api/runs", `{"vantage":"left"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started map[string]string
	decode(t, w, &started)
	runID := started["runId"]
	require.NotEmpty(t, runID)

	e.srv.Wait()
	assert.True(t, e.cam.Closed(), "camera is closed when the run ends")
	assert.Len(t, completed.Channel, 1)
	assert.Empty(t, e.srv.CurrentRun())

	w = e.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []runSummary
	decode(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "left", runs[0].Vantage)
	assert.Equal(t, testLEDs, runs[0].Detected)

	w = e.do(t, http.MethodGet, "/api/runs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)
	m, err := ledmap.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, m.Records, testLEDs)
	assert.InDelta(t, 60, m.Records[1].Position.X, 1)

	w = e.do(t, http.MethodGet, "/api/runs/"+runID+"?format=yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "vantage: left")

	last, err := e.db.SettingRepo.FindByKey(context.Background(), "last_run_id")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, runID, last.Value)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/runs/"+runID, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/runs/"+runID, "").Code)
}

// stallCamera blocks every capture until the run is cancelled.
type stallCamera struct {
	capturing chan struct{}
}

func (c *stallCamera) Capture(ctx context.Context) (image.Image, error) {
	select {
	case c.capturing <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *stallCamera) Close() error { return nil }

func TestRuns_BusyAndCancel(t *testing.T) {
	e := setup(t)
	cam := &stallCamera{capturing: make(chan struct{}, 1)}
	e.srv.deps.OpenCamera = func() (camera.Source, error) { return cam, nil }

	w := e.do(t, http.MethodPost, "/api/runs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	<-cam.capturing

	w = e.do(t, http.MethodPost, "/api/runs", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	_, err := e.srv.StartRun("")
	assert.ErrorIs(t, err, calibration.ErrBusy)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/runs/current", "").Code)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/device/highlight/1", "").Code)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/runs/current", "").Code)
	e.srv.Wait()

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/runs/current", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/runs/current", "").Code)

	runs, err := e.db.RunRepo.FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(calibration.PhaseCancelled), runs[0].Phase)
}

func TestRuns_CameraUnavailable(t *testing.T) {
	e := setup(t)
	e.srv.deps.OpenCamera = func() (camera.Source, error) { return nil, errors.New("no device") }

	w := e.do(t, http.MethodPost, "/api/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no device")
	assert.Empty(t, e.srv.CurrentRun())
}

func saveRun(t *testing.T, e *env, id string, points ...ledmap.Point) {
	t.Helper()
	m := &ledmap.Map{}
	for i, p := range points {
		m.Records = append(m.Records, ledmap.Detected(i, p))
	}
	done := &calibration.Completed{
		RunID: id, Phase: calibration.PhaseDone, Map: m, Counts: m.Counts(), StartedAt: time.Now(),
	}
	require.NoError(t, e.db.RunRepo.Create(context.Background(), done.Model()))
}

func TestDepth_ComputeAndFetch(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "left", ledmap.Point{X: 10, Y: 20}, ledmap.Point{X: 15, Y: 20}, ledmap.Point{X: 20, Y: 20})
	saveRun(t, e, "right", ledmap.Point{X: 12, Y: 20}, ledmap.Point{X: 15, Y: 20}, ledmap.Point{X: 30, Y: 20})

	w := e.do(t, http.MethodPost, "/api/depth", `{"name":"tree","runIds":["left","right"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created depthResponse
	decode(t, w, &created)
	assert.Equal(t, 50.0, created.Baseline)
	assert.Equal(t, 1, created.Skipped)
	require.Len(t, created.Positions, 2)
	assert.Equal(t, ledmap.StereoPosition{ID: 0, X: 10, Y: 20, Z: 25}, created.Positions[0])
	assert.Equal(t, ledmap.StereoPosition{ID: 2, X: 20, Y: 20, Z: 5}, created.Positions[1])

	w = e.do(t, http.MethodGet, "/api/depth/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var fetched depthResponse
	decode(t, w, &fetched)
	assert.Equal(t, "tree", fetched.Name)
	assert.Equal(t, []string{"left", "right"}, fetched.RunIDs)
	assert.Equal(t, created.Positions, fetched.Positions)

	w = e.do(t, http.MethodGet, "/api/depth", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []depthResponse
	decode(t, w, &all)
	assert.Len(t, all, 1)
}

func TestDepth_BaselineSetting(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "a", ledmap.Point{X: 10, Y: 0})
	saveRun(t, e, "b", ledmap.Point{X: 20, Y: 0})
	_, err := e.db.SettingRepo.Upsert(context.Background(), "stereo_baseline", "100")
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/depth", `{"runIds":["a","b"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created depthResponse
	decode(t, w, &created)
	assert.Equal(t, 10.0, created.Positions[0].Z)

	w = e.do(t, http.MethodPost, "/api/depth", `{"runIds":["a","b"],"baseline":20}`)
	require.Equal(t, http.StatusCreated, w.Code)
	decode(t, w, &created)
	assert.Equal(t, 2.0, created.Positions[0].Z)
}

func TestSettings_BaselinePrecedence(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "a", ledmap.Point{X: 10, Y: 0})
	saveRun(t, e, "b", ledmap.Point{X: 20, Y: 0})
	depthZ := func(body string) float64 {
		t.Helper()
		w := e.do(t, http.MethodPost, "/api/depth", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var created depthResponse
		decode(t, w, &created)
		return created.Positions[0].Z
	}

	// Environment default.
	assert.Equal(t, 5.0, depthZ(`{"runIds":["a","b"]}`))

	w := e.do(t, http.MethodPut, "/api/settings/stereo_baseline", `{"value":"100"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stored settingResponse
	decode(t, w, &stored)
	assert.Equal(t, "stereo_baseline", stored.Key)
	assert.Equal(t, "100", stored.Value)

	assert.Equal(t, 10.0, depthZ(`{"runIds":["a","b"]}`))
	assert.Equal(t, 2.0, depthZ(`{"runIds":["a","b"],"baseline":20}`))

	w = e.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []settingResponse
	decode(t, w, &all)
	require.Len(t, all, 1)
	assert.Equal(t, "100", all[0].Value)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/settings/stereo_baseline", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/settings/stereo_baseline", "").Code)
	assert.Equal(t, 5.0, depthZ(`{"runIds":["a","b"]}`))
}

func TestSettings_Rejects(t *testing.T) {
	e := setup(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"zero baseline", http.MethodPut, "/api/settings/stereo_baseline", `{"value":"0"}`, http.StatusBadRequest},
		{"not a number", http.MethodPut, "/api/settings/stereo_baseline", `{"value":"wide"}`, http.StatusBadRequest},
		{"bad body", http.MethodPut, "/api/settings/stereo_baseline", `{"value":`, http.StatusBadRequest},
		{"server managed", http.MethodPut, "/api/settings/last_run_id", `{"value":"x"}`, http.StatusForbidden},
		{"clear server managed", http.MethodDelete, "/api/settings/last_run_id", "", http.StatusForbidden},
		{"unknown key", http.MethodPut, "/api/settings/led_count", `{"value":"10"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	found, err := e.db.SettingRepo.FindByKey(context.Background(), "stereo_baseline")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDepth_Delete(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "a", ledmap.Point{X: 10, Y: 0})
	saveRun(t, e, "b", ledmap.Point{X: 20, Y: 0})

	w := e.do(t, http.MethodPost, "/api/depth", `{"runIds":["a","b"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created depthResponse
	decode(t, w, &created)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/depth/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/depth/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/depth/"+created.ID, "").Code)
}

func TestRuns_DeleteRemovesDepthMaps(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "a", ledmap.Point{X: 10, Y: 0})
	saveRun(t, e, "b", ledmap.Point{X: 20, Y: 0})

	w := e.do(t, http.MethodPost, "/api/depth", `{"runIds":["a","b"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created depthResponse
	decode(t, w, &created)

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/runs/a", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/depth/"+created.ID, "").Code)

	w = e.do(t, http.MethodGet, "/api/depth", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []depthResponse
	decode(t, w, &all)
	assert.Empty(t, all)
}

func TestDepth_Errors(t *testing.T) {
	e := setup(t)
	saveRun(t, e, "only", ledmap.Point{X: 1, Y: 1})

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/depth", `{"runIds":["only"]}`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/depth", `{"runIds":["only","missing"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/depth", `{"runIds":`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/depth/missing", "").Code)
}

func TestDetect(t *testing.T) {
	e := setup(t)

	frame := testutil.BlankFrame(80, 60)
	testutil.FillDisc(frame, image.Pt(50, 20), 6, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, frame))

	req := httptest.NewRequest(http.MethodPost, "/api/detect", &buf)
	req.Header.Set("Content-Type", "image/png")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Spot    *ledmap.Point   `json:"spot"`
		Regions []detect.Region `json:"regions"`
	}
	decode(t, w, &body)
	require.NotNil(t, body.Spot)
	assert.InDelta(t, 50, body.Spot.X, 1)
	assert.InDelta(t, 20, body.Spot.Y, 1)
	assert.Len(t, body.Regions, 1)

	for _, bad := range []string{"999", "0"} {
		w = e.do(t, http.MethodPost, "/api/detect?threshold="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
	w = e.do(t, http.MethodPost, "/api/detect", "not an image")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocket_StreamsEvents(t *testing.T) {
	e := setup(t)
	ts := httptest.NewServer(e.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ps := e.srv.deps.PubSub
	require.Eventually(t, func() bool {
		return ps.SubscriberCount(pubsub.TopicCalibrationProgress) == 1
	}, time.Second, 5*time.Millisecond)

	ps.Publish(pubsub.TopicCalibrationProgress, "r1", calibration.Progress{RunID: "r1", Index: 4, Total: 9})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "CALIBRATION_PROGRESS", ev.Type)
	assert.Equal(t, "r1", ev.Payload["runId"])
	assert.Equal(t, float64(4), ev.Payload["index"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return ps.SubscriberCount(pubsub.TopicCalibrationProgress) == 0
	}, time.Second, 5*time.Millisecond, "subscriptions end with the connection")
}
