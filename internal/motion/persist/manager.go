package persist

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motion.capture/internal/fsutil"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

// Status strings returned by Stop.
const (
	StatusStopped    = "Image saving stopped"
	StatusNotRunning = "Image saving is not running"
)

// ManagerConfig wires a Manager to the pipeline.
type ManagerConfig struct {
	Frames FrameSource
	Motion MotionSignal

	// FS defaults to the OS filesystem.
	FS fsutil.FileSystem

	// Clock defaults to RealClock.
	Clock timeutil.Clock

	// Observer, if set, receives every session event.
	Observer Observer
}

// Status is a point-in-time view of the saving state.
type Status struct {
	Running         bool      `json:"running"`
	SessionID       string    `json:"session_id,omitempty"`
	Destination     string    `json:"destination,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ChangeState     string    `json:"change_state"`
	BackgroundState string    `json:"background_state"`
	SaveInterval    float64   `json:"save_interval_seconds,omitempty"`
	ThresholdLow    float64   `json:"threshold_low,omitempty"`
	ThresholdHigh   float64   `json:"threshold_high,omitempty"`
	Stats           Stats     `json:"stats"`
}

// Manager is the start/stop control surface. At most one session runs at a
// time; starting while one is active supersedes it.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	current *Session
}

// NewManager creates an idle Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Manager{cfg: cfg}
}

// Start validates cfg and starts a session, returning a status message.
// An active session is stopped and awaited first (at most one poll tick).
// Invalid configurations are rejected with ErrInvalidConfiguration and leave
// any active session running.
func (m *Manager) Start(cfg SessionConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		opsf("start rejected: %v", err)
		return "", err
	}
	dir, err := cfg.Destination()
	if err != nil {
		return "", invalidf("%v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old := m.current; old != nil && old.alive() {
		diagf("superseding session %s", old.id)
		old.Stop()
		<-old.Done()
	}

	s := newSession(uuid.NewString(), cfg, sessionDeps{
		frames:   m.cfg.Frames,
		motion:   m.cfg.Motion,
		writer:   NewWriter(m.cfg.FS, dir, cfg.JPEGQuality),
		clock:    m.cfg.Clock,
		observer: m.cfg.Observer,
	})
	m.current = s
	go s.run()

	return fmt.Sprintf("Saving started (interval=%gs, threshold=[%g, %g]) in folder: %s",
		cfg.SaveInterval.Seconds(), cfg.ThresholdLow, cfg.ThresholdHigh, dir), nil
}

// Stop signals the active session and returns without waiting for its loop
// to exit. Stopping an idle manager is a no-op.
func (m *Manager) Stop() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || !s.alive() || s.stopRequested() {
		return StatusNotRunning
	}
	s.Stop()
	diagf("session %s stop requested", s.id)
	return StatusStopped
}

// IsRunning reports whether a session loop is still alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.alive()
}

// Status describes the current or most recent session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return Status{ChangeState: ChangeIdle.String(), BackgroundState: BackgroundIdle.String()}
	}
	change, background := s.states()
	return Status{
		Running:         s.alive(),
		SessionID:       s.id,
		Destination:     s.dir,
		StartedAt:       s.startedAt,
		ChangeState:     change.String(),
		BackgroundState: background.String(),
		SaveInterval:    s.cfg.SaveInterval.Seconds(),
		ThresholdLow:    s.cfg.ThresholdLow,
		ThresholdHigh:   s.cfg.ThresholdHigh,
		Stats:           s.Stats(),
	}
}

// Destination returns the directory of the current or most recent session,
// or "" when none has run.
func (m *Manager) Destination() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.dir
}

// Wait blocks until the current session loop, if any, has exited.
func (m *Manager) Wait() {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		<-s.Done()
	}
}

// Close stops the current session and waits for it.
func (m *Manager) Close() {
	m.Stop()
	m.Wait()
}
