package manager

import "testing"

type testState int

const (
	stA testState = iota
	stB
	stC
)

func TestStateMachineAdvancesThroughTable(t *testing.T) {
	table := TransitionTable[testState]{
		stA: {Next1: stB, Error: stC},
		stB: {Next1: stC},
	}

	script := []Transition{Repeat, Next1, Repeat, Next1}
	step := 0
	var moves []testState

	sm := NewStateMachine(stA,
		func(s testState) Transition {
			tr := script[step]
			step++
			return tr
		},
		table.Next,
		func(from, to testState, tr Transition) {
			moves = append(moves, to)
		})

	if sm.IterateOnce() {
		t.Error("REPEAT should not change state")
	}
	if sm.State() != stA {
		t.Errorf("state changed on REPEAT: %v", sm.State())
	}

	if !sm.IterateOnce() {
		t.Error("NEXT1 should change state")
	}
	if sm.State() != stB {
		t.Errorf("expected stB, got %v", sm.State())
	}

	sm.IterateOnce() // Repeat in stB
	sm.IterateOnce() // Next1 -> stC
	if sm.State() != stC {
		t.Errorf("expected stC, got %v", sm.State())
	}

	if len(moves) != 2 || moves[0] != stB || moves[1] != stC {
		t.Errorf("transition hook saw %v", moves)
	}
}

func TestStateMachineUnmappedTransitionStays(t *testing.T) {
	table := TransitionTable[testState]{stA: {Next1: stB}}
	sm := NewStateMachine(stA,
		func(testState) Transition { return Next4 },
		table.Next, nil)

	sm.IterateOnce()
	if sm.State() != stA {
		t.Errorf("unmapped transition moved the machine: %v", sm.State())
	}
}

func TestTransitionStrings(t *testing.T) {
	cases := map[Transition]string{
		Repeat: "REPEAT",
		Next1:  "NEXT1",
		Next4:  "NEXT4",
		Error:  "ERROR",
	}
	for tr, want := range cases {
		if tr.String() != want {
			t.Errorf("Transition(%d).String() = %q, want %q", tr, tr.String(), want)
		}
	}
}
