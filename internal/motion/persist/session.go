package persist

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/motion.capture/internal/motion/frames"
	"github.com/banshee-data/motion.capture/internal/timeutil"
)

// FrameSource is the read side of the frame buffer. *frames.Buffer
// implements it.
type FrameSource interface {
	Latest() (frames.Frame, error)
	Pair() (prev, curr frames.Frame, err error)
}

// MotionSignal supplies the current mean motion. *flow.Engine implements it.
type MotionSignal interface {
	Mean() float64
}

// Stats counts what a session has done so far.
type Stats struct {
	Ticks        int     `json:"ticks"`
	ChangeSaves  int     `json:"change_saves"`
	NeutralSaves int     `json:"neutral_saves"`
	Failures     int     `json:"failures"`
	LastMean     float64 `json:"last_mean"`
	LastSaved    string  `json:"last_saved,omitempty"`
}

// Session is one running save cycle. Its loop owns the Policy; other
// goroutines only see snapshots.
type Session struct {
	id        string
	cfg       SessionConfig
	dir       string
	startedAt time.Time

	frames   FrameSource
	motion   MotionSignal
	writer   *Writer
	observer Observer
	clock    timeutil.Clock
	ticker   timeutil.Ticker
	policy   *Policy

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu         sync.Mutex
	stats      Stats
	change     ChangeState
	background BackgroundState
}

type sessionDeps struct {
	frames   FrameSource
	motion   MotionSignal
	writer   *Writer
	clock    timeutil.Clock
	observer Observer
}

// newSession builds a session and its ticker. The loop starts with run.
func newSession(id string, cfg SessionConfig, deps sessionDeps) *Session {
	now := deps.clock.Now()
	return &Session{
		id:        id,
		cfg:       cfg,
		dir:       deps.writer.Dir(),
		startedAt: now,
		frames:    deps.frames,
		motion:    deps.motion,
		writer:    deps.writer,
		observer:  deps.observer,
		clock:     deps.clock,
		ticker:    deps.clock.NewTicker(cfg.PollInterval),
		policy:    NewPolicy(cfg, now),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Stop asks the loop to exit at the next tick boundary and returns
// immediately. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) alive() bool {
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

func (s *Session) run() {
	defer close(s.doneCh)
	defer s.ticker.Stop()

	diagf("session %s started: dest=%s interval=%v threshold=(%g, %g) background=%v x%d poll=%v",
		s.id, s.dir, s.cfg.SaveInterval, s.cfg.ThresholdLow, s.cfg.ThresholdHigh,
		s.cfg.BackgroundInterval, s.cfg.NeutralFramesPerCycle, s.cfg.PollInterval)
	s.emit(Event{Kind: EventSessionStarted, Path: s.dir, At: s.startedAt})

	for {
		select {
		case <-s.stopCh:
			s.finish()
			return
		case now := <-s.ticker.C():
			if s.stopRequested() {
				s.finish()
				return
			}
			s.tick(now)
		}
	}
}

func (s *Session) finish() {
	st := s.Stats()
	diagf("session %s stopped: %d change saves, %d neutral saves, %d failures",
		s.id, st.ChangeSaves, st.NeutralSaves, st.Failures)
	s.emit(Event{Kind: EventSessionStopped, Mean: st.LastMean, At: s.clock.Now()})
}

// tick runs one poll of the policy. Frames are read, never removed.
func (s *Session) tick(now time.Time) {
	prev, curr, err := s.frames.Pair()
	havePair := err == nil
	latest := curr
	if !havePair {
		latest, err = s.frames.Latest()
		if err != nil {
			tracef("session %s: %v", s.id, err)
			return
		}
	}

	mean := s.motion.Mean()
	change := s.policy.Change()
	d := s.policy.Step(now, mean, havePair)
	tracef("session %s tick mean=%.4f change=%v background=%v", s.id, mean, s.policy.Change(), s.policy.Background())

	s.reportTransitions(now, mean, change, d)

	if d.SaveNeutral {
		s.save(latest.Image, PrefixNeutral, now, mean, func(st *Stats) { st.NeutralSaves++ })
	}
	if d.SaveChange {
		s.save(prev.Image, PrefixChangePrev, now, mean, func(st *Stats) { st.ChangeSaves++ })
		s.save(curr.Image, PrefixChangeCurr, now, mean, func(st *Stats) { st.ChangeSaves++ })
	}

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastMean = mean
	s.change = s.policy.Change()
	s.background = s.policy.Background()
	s.mu.Unlock()
}

func (s *Session) reportTransitions(now time.Time, mean float64, change ChangeState, d Decision) {
	switch {
	case change == ChangeIdle && s.policy.Change() == ChangeSaving:
		diagf("change detected (mean=%.3f in (%g, %g)), saving started", mean, s.cfg.ThresholdLow, s.cfg.ThresholdHigh)
		s.emit(Event{Kind: EventChangeStarted, Mean: mean, At: now})
	case change == ChangeSaving && s.policy.Change() == ChangeIdle:
		diagf("no change detected (mean=%.3f outside (%g, %g)), stopped", mean, s.cfg.ThresholdLow, s.cfg.ThresholdHigh)
		s.emit(Event{Kind: EventChangeStopped, Mean: mean, At: now})
	}

	if d.BackgroundStarted {
		diagf("background capture started (%d frames)", s.cfg.NeutralFramesPerCycle)
		s.emit(Event{Kind: EventBackgroundStarted, Mean: mean, At: now})
	}
	if d.BackgroundFinished {
		diagf("finished background frame capture")
		s.emit(Event{Kind: EventBackgroundFinished, Mean: mean, At: now})
	}
}

func (s *Session) save(img image.Image, prefix string, now time.Time, mean float64, count func(*Stats)) {
	path, err := s.writer.Save(img, prefix, now)
	if err != nil {
		opsf("session %s: %v", s.id, err)
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		ev := Event{Kind: EventSaveFailed, Mean: mean, Error: err.Error(), At: now}
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			ev.Path = ioErr.Path
		}
		s.emit(ev)
		return
	}

	diagf("[saved] %s", path)
	s.mu.Lock()
	count(&s.stats)
	s.stats.LastSaved = path
	s.mu.Unlock()
	s.emit(Event{Kind: EventSaved, Path: path, Mean: mean, At: now})
}

func (s *Session) emit(ev Event) {
	if s.observer == nil {
		return
	}
	ev.SessionID = s.id
	s.observer(ev)
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) states() (ChangeState, BackgroundState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.change, s.background
}
