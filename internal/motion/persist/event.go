package persist

import "time"

// EventKind names a session event.
type EventKind string

const (
	EventSessionStarted     EventKind = "session_started"
	EventSessionStopped     EventKind = "session_stopped"
	EventChangeStarted      EventKind = "change_started"
	EventChangeStopped      EventKind = "change_stopped"
	EventBackgroundStarted  EventKind = "background_started"
	EventBackgroundFinished EventKind = "background_finished"
	EventSaved              EventKind = "saved"
	EventSaveFailed         EventKind = "save_failed"
)

// Event is emitted by a session for every state transition and file write.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path,omitempty"`
	Mean      float64   `json:"mean"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives session events on the session goroutine. It must not
// block.
type Observer func(Event)
