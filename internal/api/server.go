package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/motion.capture/internal/fsutil"
	"github.com/banshee-data/motion.capture/internal/httputil"
	"github.com/banshee-data/motion.capture/internal/monitoring"
	"github.com/banshee-data/motion.capture/internal/motion/detect"
	"github.com/banshee-data/motion.capture/internal/motion/flow"
	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/motion/persist"
	"github.com/banshee-data/motion.capture/internal/security"
	"github.com/banshee-data/motion.capture/internal/timeutil"
	"github.com/banshee-data/motion.capture/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxFrameBytes caps the body of POST /api/frames.
const maxFrameBytes = 16 << 20

// maxFramePixels caps the decoded size of a pushed frame. A small compressed
// body can declare far larger dimensions than maxFrameBytes suggests.
const maxFramePixels = 4096 * 4096

// displayQuality is the JPEG quality of the live display endpoints.
const displayQuality = 85

// Config wires a Server to the pipeline.
type Config struct {
	Frames   *frames.Buffer
	Flow     *flow.Engine
	Detector *detect.Detector
	Manager  *persist.Manager

	// Hub serves /ws. Optional.
	Hub *Hub

	// Preview, if set, supplies /api/frames/latest.jpg instead of the
	// buffer, so the placeholder shows while the camera is down.
	Preview func() *image.RGBA

	// Session holds the defaults for /api/saving/start parameters the
	// request leaves out. Its BaseDir bounds the gallery file endpoint.
	Session persist.SessionConfig

	// GallerySize is the default n of /api/gallery.
	GallerySize int

	// FS defaults to the OS filesystem.
	FS fsutil.FileSystem

	// Clock stamps frames pushed over HTTP. Defaults to RealClock.
	Clock timeutil.Clock
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.GallerySize <= 0 {
		cfg.GallerySize = 10
	}
	return &Server{cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/frames", s.pushFrame)
	mux.HandleFunc("/api/frames/latest.jpg", s.latestFrame)
	mux.HandleFunc("/api/motion", s.showMotion)
	mux.HandleFunc("/api/motion.jpg", s.motionImage)
	mux.HandleFunc("/api/overlay.jpg", s.overlayImage)
	mux.HandleFunc("/api/detections", s.listDetections)
	mux.HandleFunc("/api/saving/start", s.startSaving)
	mux.HandleFunc("/api/saving/stop", s.stopSaving)
	mux.HandleFunc("/api/saving/status", s.savingStatus)
	mux.HandleFunc("/api/gallery", s.listGallery)
	mux.HandleFunc("/api/gallery/file", s.galleryFile)
	mux.HandleFunc("/api/version", s.showVersion)
	if s.cfg.Hub != nil {
		mux.Handle("/ws", s.cfg.Hub)
	}
	return mux
}

// Handler returns the mux wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

func (s *Server) pushFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("frame exceeds %d bytes", tooLarge.Limit))
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("failed to read frame: %v", err))
		return
	}
	conf, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("failed to decode image: %v", err))
		return
	}
	if conf.Width <= 0 || conf.Height <= 0 || int64(conf.Width)*int64(conf.Height) > maxFramePixels {
		httputil.BadRequest(w, fmt.Sprintf("frame dimensions %dx%d exceed %d pixels", conf.Width, conf.Height, maxFramePixels))
		return
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("failed to decode image: %v", err))
		return
	}
	fr := s.cfg.Frames.PushImage(img, s.cfg.Clock.Now())
	httputil.WriteJSONOK(w, map[string]interface{}{
		"seq":         fr.Seq,
		"format":      format,
		"captured_at": fr.CapturedAt,
	})
}

func (s *Server) latestFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Preview != nil {
		httputil.WriteJPEG(w, s.cfg.Preview(), displayQuality)
		return
	}
	fr, err := s.cfg.Frames.Latest()
	if err != nil {
		n := s.cfg.Frames.Normalizer()
		httputil.WriteJPEG(w, frames.Placeholder(n.Width, n.Height), displayQuality)
		return
	}
	httputil.WriteJPEG(w, fr.Image, displayQuality)
}

type motionResponse struct {
	Version    uint64     `json:"version"`
	Mean       float64    `json:"mean"`
	RawMean    float64    `json:"raw_mean"`
	PrevSeq    uint64     `json:"prev_seq,omitempty"`
	CurrSeq    uint64     `json:"curr_seq,omitempty"`
	ComputedAt *time.Time `json:"computed_at,omitempty"`
}

func (s *Server) showMotion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	f := s.cfg.Flow.Compute()
	resp := motionResponse{
		Version: f.Version,
		Mean:    f.Mean,
		RawMean: f.RawMean,
		PrevSeq: f.PrevSeq,
		CurrSeq: f.CurrSeq,
	}
	if !f.ComputedAt.IsZero() {
		at := f.ComputedAt
		resp.ComputedAt = &at
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) motionImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJPEG(w, s.cfg.Flow.Visualize(), displayQuality)
}

func (s *Server) overlayImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJPEG(w, s.cfg.Detector.Overlay(), displayQuality)
}

type region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type detectionsResponse struct {
	Ready        bool     `json:"ready"`
	FieldVersion uint64   `json:"field_version"`
	FrameSeq     uint64   `json:"frame_seq,omitempty"`
	Mean         float64  `json:"mean"`
	Regions      []region `json:"regions"`
}

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := detectionsResponse{Regions: []region{}}
	det, fr, err := s.cfg.Detector.Detect()
	switch {
	case errors.Is(err, frames.ErrInsufficientFrames):
		httputil.WriteJSONOK(w, resp)
		return
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("detection failed: %v", err))
		return
	}
	resp.Ready = true
	resp.FieldVersion = det.FieldVersion
	resp.FrameSeq = fr.Seq
	resp.Mean = det.Mean
	for _, rc := range det.Regions {
		resp.Regions = append(resp.Regions, region{X: rc.Min.X, Y: rc.Min.Y, Width: rc.Dx(), Height: rc.Dy()})
	}
	httputil.WriteJSONOK(w, resp)
}

// sessionFromRequest overlays the request's form and query parameters on the
// configured defaults. Intervals are in seconds.
func (s *Server) sessionFromRequest(r *http.Request) (persist.SessionConfig, error) {
	cfg := s.cfg.Session
	if err := r.ParseForm(); err != nil {
		return cfg, fmt.Errorf("invalid form: %w", err)
	}
	seconds := func(key string, dst *time.Duration) error {
		v := r.Form.Get(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid '%s' parameter: %q", key, v)
		}
		*dst = time.Duration(f * float64(time.Second))
		return nil
	}
	number := func(key string, dst *float64) error {
		v := r.Form.Get(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid '%s' parameter: %q", key, v)
		}
		*dst = f
		return nil
	}

	if err := seconds("interval", &cfg.SaveInterval); err != nil {
		return cfg, err
	}
	if err := number("threshold_low", &cfg.ThresholdLow); err != nil {
		return cfg, err
	}
	if err := number("threshold_high", &cfg.ThresholdHigh); err != nil {
		return cfg, err
	}
	if err := seconds("background_interval", &cfg.BackgroundInterval); err != nil {
		return cfg, err
	}
	if v := r.Form.Get("neutral_frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid 'neutral_frames' parameter: %q", v)
		}
		cfg.NeutralFramesPerCycle = n
	}
	if _, ok := r.Form["subfolder"]; ok {
		cfg.Subfolder = r.Form.Get("subfolder")
	}
	return cfg, nil
}

func (s *Server) startSaving(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	cfg, err := s.sessionFromRequest(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	msg, err := s.cfg.Manager.Start(cfg)
	switch {
	case errors.Is(err, persist.ErrInvalidConfiguration):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"message": msg,
		"status":  s.cfg.Manager.Status(),
	})
}

func (s *Server) stopSaving(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"message": s.cfg.Manager.Stop()})
}

func (s *Server) savingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Manager.Status())
}

// galleryDir resolves the folder a gallery request lists: an explicit
// subfolder, else the running (or last) session's folder, else the default.
func (s *Server) galleryDir(r *http.Request) (string, error) {
	if _, ok := r.URL.Query()["subfolder"]; ok {
		return security.CaptureSubdirectory(s.cfg.Session.BaseDir, r.URL.Query().Get("subfolder"))
	}
	if dir := s.cfg.Manager.Destination(); dir != "" {
		return dir, nil
	}
	return s.cfg.Session.Destination()
}

func (s *Server) listGallery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	n := s.cfg.GallerySize
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			httputil.BadRequest(w, "Invalid 'n' parameter")
			return
		}
		n = parsed
	}
	dir, err := s.galleryDir(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	images, err := persist.ListRecentImages(s.cfg.FS, dir, n)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list images: %v", err))
		return
	}
	if images == nil {
		images = []string{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"directory": dir,
		"images":    images,
	})
}

func (s *Server) galleryFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		httputil.BadRequest(w, "missing 'path' parameter")
		return
	}
	ext := strings.ToLower(filepath.Ext(p))
	if ext != ".jpg" && ext != ".jpeg" {
		httputil.BadRequest(w, "only JPEG images can be fetched")
		return
	}
	if err := security.ValidatePathWithinDirectory(p, s.cfg.Session.BaseDir); err != nil {
		httputil.WriteJSONError(w, http.StatusForbidden, "path is outside the capture directory")
		return
	}
	data, err := s.cfg.FS.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		httputil.NotFound(w, "image not found")
		return
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("failed to read image: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
