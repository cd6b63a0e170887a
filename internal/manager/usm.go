// Package manager implements the master and slave connection managers that
// coordinate discovery, pairing, connection and in-flight reconfiguration
// over the pairing protocol.
package manager

import "sync"

// Transition is the outcome of running one state handler.
type Transition int

const (
	Repeat Transition = iota
	Next1
	Next2
	Next3
	Next4
	Error
)

func (t Transition) String() string {
	switch t {
	case Repeat:
		return "REPEAT"
	case Next1:
		return "NEXT1"
	case Next2:
		return "NEXT2"
	case Next3:
		return "NEXT3"
	case Next4:
		return "NEXT4"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TransitionTable maps (state, transition) to the next state.
type TransitionTable[S comparable] map[S]map[Transition]S

// Next looks up the next state, returning the current state when the table
// has no entry.
func (tt TransitionTable[S]) Next(current S, t Transition) S {
	if row, ok := tt[current]; ok {
		if next, ok := row[t]; ok {
			return next
		}
	}
	return current
}

// StateMachine runs one state handler per tick and advances through a
// transition table. The handler and the table lookup run under the state
// mutex.
type StateMachine[S comparable] struct {
	mu      sync.Mutex
	current S
	run     func(S) Transition
	next    func(S, Transition) S
	onMove  func(from, to S, t Transition)
}

// NewStateMachine creates a state machine starting in start. onMove may be
// nil; it is invoked for every non-repeat transition.
func NewStateMachine[S comparable](start S, run func(S) Transition, next func(S, Transition) S, onMove func(from, to S, t Transition)) *StateMachine[S] {
	return &StateMachine[S]{current: start, run: run, next: next, onMove: onMove}
}

// IterateOnce runs the current state handler and advances the machine.
// Returns true when the state changed.
func (sm *StateMachine[S]) IterateOnce() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	t := sm.run(sm.current)
	if t == Repeat {
		return false
	}
	next := sm.next(sm.current, t)
	if sm.onMove != nil {
		sm.onMove(sm.current, next, t)
	}
	sm.current = next
	return true
}

// State returns the current state.
func (sm *StateMachine[S]) State() S {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}
