// Package model defines the state and event types shared by actors and the observer.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxActors bounds the size of a ring. Actor ids are in [0, MaxActors).
const MaxActors = 1 << 16

// State is the observable state of an actor.
type State int32

const (
	// Idle is the thinking phase. It holds no resource.
	Idle State = iota
	// Waiting is the hungry phase while the actor tries to take both resources.
	Waiting
	// Active is the dining phase. Both resources are held.
	Active
	// Starved is terminal. The actor issues no further transitions.
	Starved
)

// String returns the state name used by the line log renderer.
func (s State) String() string {
	switch s {
	case Idle:
		return "thinks"
	case Waiting:
		return "hungry"
	case Active:
		return "dines"
	case Starved:
		return "starved"
	default:
		return "?????"
	}
}

// Symbol returns the single character used by the waterfall renderer.
func (s State) Symbol() byte {
	switch s {
	case Idle:
		return ' '
	case Waiting:
		return '-'
	case Active:
		return '|'
	case Starved:
		return '#'
	default:
		return '?'
	}
}

// Terminal reports whether no transition can follow s.
func (s State) Terminal() bool {
	return s == Starved
}

// Next returns the state that follows s in the regular cycle.
func (s State) Next() State {
	switch s {
	case Idle:
		return Waiting
	case Waiting:
		return Active
	case Active:
		return Idle
	default:
		return s
	}
}

// ParseState parses a state name. Both the rendered names and the
// role names are accepted.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thinks", "thinking", "idle":
		return Idle, nil
	case "hungry", "waiting":
		return Waiting, nil
	case "dines", "dining", "active":
		return Active, nil
	case "starved", "dead", "die":
		return Starved, nil
	default:
		return Idle, fmt.Errorf("unknown state %q", s)
	}
}

// Event is one observed state transition. It is immutable once recorded.
type Event struct {
	// Actor is the ordinal of the actor that transitioned.
	Actor int
	// State is the state entered.
	State State
	// Seq is the enqueue order across all actors.
	Seq uint64
	// At is the wall-clock time of the transition.
	At time.Time
}

// String formats the event as "<actor>:<state>".
func (e Event) String() string {
	return strconv.Itoa(e.Actor) + ":" + e.State.String()
}

// ParseEvents parses a comma or whitespace separated list of
// "<actor>:<state>" pairs, e.g. "0:hungry,1:hungry,0:dines".
// Seq is assigned in list order.
func ParseEvents(s string) ([]Event, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})

	events := make([]Event, 0, len(fields))
	for i, f := range fields {
		idStr, stateStr, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("event %d: expected <actor>:<state>, got %q", i, f)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("event %d: invalid actor id %q", i, idStr)
		}
		if id >= MaxActors {
			return nil, fmt.Errorf("event %d: actor id %d exceeds %d", i, id, MaxActors-1)
		}
		state, err := ParseState(stateStr)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, Event{Actor: id, State: state, Seq: uint64(i)})
	}
	return events, nil
}
