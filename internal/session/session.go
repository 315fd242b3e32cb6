// Package session runs one voice call: it owns the CallSession and is the
// only place its state changes.
package session

import (
	"time"
)

// State of a call.
type State string

const (
	StateIdle         State = "idle"
	StateCalibrating  State = "calibrating"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateResponding   State = "responding"
	StateEnded        State = "ended"
)

// transitions lists every legal move other than the error path, which may
// end the call from any state.
var transitions = map[State][]State{
	StateIdle:         {StateCalibrating},
	StateCalibrating:  {StateListening},
	StateListening:    {StateTranscribing},
	StateTranscribing: {StateResponding, StateListening},
	StateResponding:   {StateListening},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if to == StateEnded {
		return from != StateEnded
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallSession is the per-call record. Only the orchestrator mutates it.
type CallSession struct {
	ID        string
	State     State
	AuthToken string
	StartedAt time.Time
	EndedAt   time.Time

	Turns       int
	BargeIns    int
	Attempts    int
	Transcripts int
	AudioOut    int64

	// ErrorCode is set when the call ended because of a failure.
	ErrorCode string
}

// Snapshot is a read-only copy handed to observers.
type Snapshot struct {
	ID        string
	State     State
	StartedAt time.Time
	Turns     int
	BargeIns  int
	ErrorCode string
}

func (s *CallSession) snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		State:     s.State,
		StartedAt: s.StartedAt,
		Turns:     s.Turns,
		BargeIns:  s.BargeIns,
		ErrorCode: s.ErrorCode,
	}
}

// Hooks let the host observe the call. They run on the orchestrator
// goroutine and must not block.
type Hooks struct {
	OnState  func(from, to State)
	OnNotice func(code, text string)
}
