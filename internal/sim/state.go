package sim

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnitCapExceeded = errors.New("maximum unit limit reached")
	ErrInvalidCount    = errors.New("invalid unit count")
	ErrUnitIndex       = errors.New("unit index out of range")
)

// WorldDims is [width, height]; it encodes as a two-element JSON array.
type WorldDims [2]int

func (d WorldDims) Width() int  { return d[0] }
func (d WorldDims) Height() int { return d[1] }

// InitParams are the client-chosen parameters of a new simulation.
type InitParams struct {
	// LogicVersion pins the simulation logic so the seed replays identically.
	LogicVersion string    `json:"logicVersion"`
	Label        string    `json:"label"`
	WorldDims    WorldDims `json:"worldDims"`
}

// InitState is InitParams plus the server-assigned identity and seed.
type InitState struct {
	InitParams
	ID   string `json:"id"`
	Seed uint64 `json:"seed"`
}

// State is everything associated with one running simulation. It is not safe
// for concurrent use; the owner serializes access.
type State struct {
	init     InitState
	nextTurn uint32
	units    []Unit
	changes  []Change
}

// CreateAtStart builds the turn-1 state. Parameters are assumed validated.
func CreateAtStart(init InitState) *State {
	return &State{
		init:     init,
		nextTurn: 1,
	}
}

func (s *State) Init() InitState  { return s.init }
func (s *State) NextTurn() uint32 { return s.nextTurn }
func (s *State) UnitCount() int   { return len(s.units) }

func (s *State) Unit(i int) (Unit, error) {
	if i < 0 || i >= len(s.units) {
		return Unit{}, fmt.Errorf("%w: %d", ErrUnitIndex, i)
	}
	return s.units[i], nil
}

// Units returns a copy of the unit sequence in order.
func (s *State) Units() []Unit { return slices.Clone(s.units) }

// Changes returns a copy of the action log.
func (s *State) Changes() []Change { return slices.Clone(s.changes) }

// ReplaceUnit swaps the unit stored at index i.
func (s *State) ReplaceUnit(i int, u Unit) error {
	if i < 0 || i >= len(s.units) {
		return fmt.Errorf("%w: %d", ErrUnitIndex, i)
	}
	if !u.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownUnitType, uint16(u.Type))
	}
	s.units[i] = u
	return nil
}

// AddNewRandomUnits appends count randomly placed units and records one
// change for the batch. A batch that would pass MaxUnits is rejected whole.
func (s *State) AddNewRandomUnits(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if len(s.units)+count > MaxUnits {
		return fmt.Errorf("%w: have %d, adding %d, max %d", ErrUnitCapExceeded, len(s.units), count, MaxUnits)
	}
	s.units = slices.Grow(s.units, count)
	for i := 0; i < count; i++ {
		s.units = append(s.units, NewRandomUnit(len(s.units), s.init))
	}
	s.changes = append(s.changes, Change{Action: ChangeAddRandomUnits, Count: count})
	return nil
}

// Apply replays a recorded change.
func (s *State) Apply(c Change) error {
	switch c.Action {
	case ChangeAddRandomUnits:
		return s.AddNewRandomUnits(c.Count)
	default:
		return fmt.Errorf("unknown change action %q", c.Action)
	}
}
