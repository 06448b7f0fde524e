package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.capture/internal/fsutil"
	"github.com/banshee-data/motion.capture/internal/monitoring"
	"github.com/banshee-data/motion.capture/internal/motion/detect"
	"github.com/banshee-data/motion.capture/internal/motion/flow"
	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/motion/persist"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

func init() {
	SetLogWriters(nil, nil, nil)
	flow.SetLogWriters(nil, nil, nil)
	persist.SetLogWriters(nil, nil, nil)
	monitoring.SetLogger(nil)
}

const (
	testWidth  = 64
	testHeight = 48
)

type fixture struct {
	server *Server
	buf    *frames.Buffer
	fs     *fsutil.MemoryFileSystem
	clock  *timeutil.MockClock
	hub    *Hub
	mgr    *persist.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC))
	buf := frames.NewBuffer(frames.Normalizer{Width: testWidth, Height: testHeight})
	engine := flow.NewEngine(buf, flow.Config{Width: testWidth, Height: testHeight, Downsample: 2, Clock: clock})
	det := detect.New(engine, buf, detect.Config{Width: testWidth, Height: testHeight})
	mfs := fsutil.NewMemoryFileSystem()
	hub := NewHub()
	mgr := persist.NewManager(persist.ManagerConfig{
		Frames:   buf,
		Motion:   engine,
		FS:       mfs,
		Clock:    clock,
		Observer: hub.Observe,
	})
	t.Cleanup(mgr.Close)

	session := persist.DefaultSessionConfig()
	session.BaseDir = "captures"

	return &fixture{
		server: NewServer(Config{
			Frames:      buf,
			Flow:        engine,
			Detector:    det,
			Manager:     mgr,
			Hub:         hub,
			Session:     session,
			GallerySize: 10,
			FS:          mfs,
			Clock:       clock,
		}),
		buf:   buf,
		fs:    mfs,
		clock: clock,
		hub:   hub,
		mgr:   mgr,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.server.ServeMux().ServeHTTP(w, req)
	return w
}

func textured(w, h, shift int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(((x+shift)*37 + y*53 + ((x+shift)*y)%29) % 256)
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))
	return b.Bytes()
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func decodeJPEG(t *testing.T, w *httptest.ResponseRecorder) image.Image {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	img, err := jpeg.Decode(w.Body)
	require.NoError(t, err)
	return img
}

func TestPushFrame(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/frames", pngBytes(t, textured(128, 96, 0)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Seq    uint64 `json:"seq"`
		Format string `json:"format"`
	}
	decodeJSON(t, w, &resp)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, "png", resp.Format)
	assert.Equal(t, 1, f.buf.Len())

	latest := decodeJPEG(t, f.do(t, http.MethodGet, "/api/frames/latest.jpg", nil))
	assert.Equal(t, image.Rect(0, 0, testWidth, testHeight), latest.Bounds(), "frames are normalized on push")
}

func TestPushFrame_Rejects(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/frames", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.buf.Len())

	w = f.do(t, http.MethodGet, "/api/frames", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// declaredSize rewrites the IHDR dimensions of a PNG without touching its
// pixel data.
func declaredSize(data []byte, width, height uint32) []byte {
	out := bytes.Clone(data)
	binary.BigEndian.PutUint32(out[16:], width)
	binary.BigEndian.PutUint32(out[20:], height)
	binary.BigEndian.PutUint32(out[29:], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestPushFrame_RejectsOversizedDimensions(t *testing.T) {
	f := newFixture(t)
	body := declaredSize(pngBytes(t, textured(16, 16, 0)), 100000, 100000)

	w := f.do(t, http.MethodPost, "/api/frames", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "100000x100000")
	assert.Zero(t, f.buf.Len())
}

func TestPushFrame_RejectsOversizedBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/frames", make([]byte, maxFrameBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, f.buf.Len())
}

func TestLatestFrame_PlaceholderWhenEmpty(t *testing.T) {
	f := newFixture(t)

	img := decodeJPEG(t, f.do(t, http.MethodGet, "/api/frames/latest.jpg", nil))
	assert.Equal(t, image.Rect(0, 0, testWidth, testHeight), img.Bounds())
	r, g, b, _ := img.At(testWidth/2, testHeight/2).RGBA()
	assert.InDelta(t, frames.PlaceholderGray, r>>8, 3)
	assert.InDelta(t, frames.PlaceholderGray, g>>8, 3)
	assert.InDelta(t, frames.PlaceholderGray, b>>8, 3)
}

func TestLatestFrame_UsesPreview(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.Preview = func() *image.RGBA { return frames.Placeholder(20, 10) }

	img := decodeJPEG(t, f.do(t, http.MethodGet, "/api/frames/latest.jpg", nil))
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds())
}

func TestMotion(t *testing.T) {
	f := newFixture(t)

	var resp map[string]interface{}
	w := f.do(t, http.MethodGet, "/api/motion", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &resp)
	assert.Equal(t, float64(0), resp["version"])
	assert.NotContains(t, resp, "computed_at", "no field computed yet")

	still := textured(testWidth, testHeight, 0)
	f.buf.Push(still, f.clock.Now())
	f.buf.Push(frames.CloneRGBA(still), f.clock.Now())

	resp = nil
	decodeJSON(t, f.do(t, http.MethodGet, "/api/motion", nil), &resp)
	assert.Equal(t, float64(1), resp["version"])
	assert.Equal(t, float64(0), resp["mean"])
	assert.Equal(t, float64(1), resp["prev_seq"])
	assert.Equal(t, float64(2), resp["curr_seq"])
	assert.Contains(t, resp, "computed_at")

	img := decodeJPEG(t, f.do(t, http.MethodGet, "/api/motion.jpg", nil))
	assert.Equal(t, image.Rect(0, 0, testWidth, testHeight), img.Bounds())
}

func TestDetections(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/detections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"regions":[]`)
	var resp detectionsResponse
	decodeJSON(t, w, &resp)
	assert.False(t, resp.Ready)

	f.buf.Push(textured(testWidth, testHeight, 0), f.clock.Now())
	f.buf.Push(textured(testWidth, testHeight, 2), f.clock.Now())

	resp = detectionsResponse{}
	decodeJSON(t, f.do(t, http.MethodGet, "/api/detections", nil), &resp)
	assert.True(t, resp.Ready)
	assert.Equal(t, uint64(2), resp.FrameSeq)
	assert.NotZero(t, resp.FieldVersion)
	for _, r := range resp.Regions {
		assert.True(t, r.Width > 0 && r.Height > 0)
		assert.LessOrEqual(t, r.X+r.Width, testWidth)
		assert.LessOrEqual(t, r.Y+r.Height, testHeight)
	}

	img := decodeJPEG(t, f.do(t, http.MethodGet, "/api/overlay.jpg", nil))
	assert.Equal(t, image.Rect(0, 0, testWidth, testHeight), img.Bounds())
}

func TestSaving_StartStatusStop(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/saving/start?interval=2&threshold_low=0.2&threshold_high=0.9&neutral_frames=0&subfolder=cam1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started struct {
		Message string         `json:"message"`
		Status  persist.Status `json:"status"`
	}
	decodeJSON(t, w, &started)
	assert.Equal(t, "Saving started (interval=2s, threshold=[0.2, 0.9]) in folder: "+filepath.Join("captures", "cam1"), started.Message)
	assert.True(t, started.Status.Running)

	var st persist.Status
	decodeJSON(t, f.do(t, http.MethodGet, "/api/saving/status", nil), &st)
	assert.True(t, st.Running)
	assert.Equal(t, "IDLE", st.ChangeState)
	assert.Equal(t, 0.2, st.ThresholdLow)

	var stopped map[string]string
	decodeJSON(t, f.do(t, http.MethodPost, "/api/saving/stop", nil), &stopped)
	assert.Equal(t, persist.StatusStopped, stopped["message"])

	stopped = nil
	decodeJSON(t, f.do(t, http.MethodPost, "/api/saving/stop", nil), &stopped)
	assert.Equal(t, persist.StatusNotRunning, stopped["message"])
}

func TestSaving_FormBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/saving/start", strings.NewReader("interval=0.5&background_interval=30"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.server.ServeMux().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0.5, f.mgr.Status().SaveInterval)
}

func TestSaving_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		target string
		code   int
	}{
		{"inverted thresholds", http.MethodPost, "/api/saving/start?threshold_low=0.9&threshold_high=0.1", http.StatusBadRequest},
		{"bad interval", http.MethodPost, "/api/saving/start?interval=soon", http.StatusBadRequest},
		{"bad neutral frames", http.MethodPost, "/api/saving/start?neutral_frames=many", http.StatusBadRequest},
		{"negative neutral frames", http.MethodPost, "/api/saving/start?neutral_frames=-1", http.StatusBadRequest},
		{"background interval shorter than a cycle", http.MethodPost, "/api/saving/start?background_interval=0.5", http.StatusBadRequest},
		{"start via GET", http.MethodGet, "/api/saving/start", http.StatusMethodNotAllowed},
		{"stop via GET", http.MethodGet, "/api/saving/stop", http.StatusMethodNotAllowed},
		{"status via POST", http.MethodPost, "/api/saving/status", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.target, nil)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.False(t, f.mgr.IsRunning())
}

func TestGallery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("captures", 0755))
	base := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		p := filepath.Join("captures", name)
		require.NoError(t, f.fs.WriteFile(p, []byte(name), 0644))
		require.NoError(t, f.fs.Chtimes(p, base.Add(time.Duration(i)*time.Minute)))
	}

	var resp struct {
		Directory string   `json:"directory"`
		Images    []string `json:"images"`
	}
	decodeJSON(t, f.do(t, http.MethodGet, "/api/gallery?n=2", nil), &resp)
	assert.Equal(t, "captures", resp.Directory)
	assert.Equal(t, []string{filepath.Join("captures", "c.jpg"), filepath.Join("captures", "b.jpg")}, resp.Images)

	w := f.do(t, http.MethodGet, "/api/gallery?subfolder=cam9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"images":[]`)

	w = f.do(t, http.MethodGet, "/api/gallery?n=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGalleryFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "captures")
	require.NoError(t, os.MkdirAll(base, 0755))
	saved := filepath.Join(base, "neutral_20250715_120000_000000.jpg")
	require.NoError(t, os.WriteFile(saved, []byte("jpeg bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside.jpg"), []byte("secret"), 0644))

	session := persist.DefaultSessionConfig()
	session.BaseDir = base
	s := NewServer(Config{Session: session, FS: fsutil.OSFileSystem{}})
	get := func(p string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/gallery/file?path="+p, nil)
		w := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(w, req)
		return w
	}

	w := get(saved)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg bytes", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get(filepath.Join(base, "..", "outside.jpg")).Code)
	assert.Equal(t, http.StatusNotFound, get(filepath.Join(base, "missing.jpg")).Code)
	assert.Equal(t, http.StatusBadRequest, get(filepath.Join(base, "notes.txt")).Code)
	assert.Equal(t, http.StatusBadRequest, get("").Code)
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	var resp map[string]string
	decodeJSON(t, f.do(t, http.MethodGet, "/api/version", nil), &resp)
	assert.Contains(t, resp, "version")
	assert.Contains(t, resp, "git_sha")
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var got []interface{}
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v...)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope?x=1", nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 6)
	assert.Equal(t, statusCodeColor(http.StatusTeapot), got[0])
	assert.Equal(t, http.MethodGet, got[1])
	assert.Equal(t, "/nope?x=1", got[3])
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "101", statusCodeColor(101))
}
