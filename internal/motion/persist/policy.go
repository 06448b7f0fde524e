package persist

import "time"

// ChangeState is the change-saving sub-state.
type ChangeState int

const (
	ChangeIdle ChangeState = iota
	ChangeSaving
)

func (s ChangeState) String() string {
	if s == ChangeSaving {
		return "SAVING"
	}
	return "IDLE"
}

// BackgroundState is the background-capture sub-state.
type BackgroundState int

const (
	BackgroundIdle BackgroundState = iota
	BackgroundCapturing
)

func (s BackgroundState) String() string {
	if s == BackgroundCapturing {
		return "CAPTURING"
	}
	return "IDLE"
}

// Decision is what one tick asks the session to write.
type Decision struct {
	// SaveChange writes the (previous, current) pair.
	SaveChange bool

	// SaveNeutral writes the latest frame as a neutral capture.
	SaveNeutral bool

	// BackgroundStarted and BackgroundFinished mark cycle boundaries. Both
	// are set when a one-frame cycle starts and ends on the same tick.
	BackgroundStarted  bool
	BackgroundFinished bool
}

// Policy is the per-session state machine. It is owned by one loop and is
// not safe for concurrent use.
//
// Background capture takes exclusive precedence: while CAPTURING, the change
// sub-state is frozen and neither evaluated nor saved.
type Policy struct {
	cfg SessionConfig

	change     ChangeState
	background BackgroundState

	lastChangeSave time.Time // zero until the first change save
	cycleStart     time.Time
	neutralSaved   int
}

// NewPolicy returns a policy whose first background cycle is measured from
// start.
func NewPolicy(cfg SessionConfig, start time.Time) *Policy {
	return &Policy{cfg: cfg, cycleStart: start}
}

// Change returns the change sub-state.
func (p *Policy) Change() ChangeState { return p.change }

// Background returns the background sub-state.
func (p *Policy) Background() BackgroundState { return p.background }

// NeutralSaved returns the neutral frames issued in the current or last cycle.
func (p *Policy) NeutralSaved() int { return p.neutralSaved }

// Step advances the state machine by one tick. havePair reports whether two
// frames were buffered; the caller only steps when at least one frame is.
func (p *Policy) Step(now time.Time, mean float64, havePair bool) Decision {
	var d Decision

	if p.background == BackgroundIdle && p.cfg.NeutralFramesPerCycle > 0 &&
		now.Sub(p.cycleStart) >= p.cfg.BackgroundInterval {
		p.background = BackgroundCapturing
		p.cycleStart = now
		p.neutralSaved = 0
		d.BackgroundStarted = true
	}

	if p.background == BackgroundCapturing {
		d.SaveNeutral = true
		p.neutralSaved++
		if p.neutralSaved >= p.cfg.NeutralFramesPerCycle {
			p.background = BackgroundIdle
			d.BackgroundFinished = true
		}
		return d
	}

	if !havePair {
		return d
	}

	if !p.cfg.Inside(mean) {
		p.change = ChangeIdle
		return d
	}
	p.change = ChangeSaving
	if p.lastChangeSave.IsZero() || now.Sub(p.lastChangeSave) >= p.cfg.SaveInterval {
		d.SaveChange = true
		p.lastChangeSave = now
	}
	return d
}
