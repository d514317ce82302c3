package sim

import (
	"errors"
	"testing"
)

func testInit(seed uint64, w, h int) InitState {
	return InitState{
		InitParams: InitParams{LogicVersion: "v1", Label: "t", WorldDims: WorldDims{w, h}},
		ID:         "sim-1",
		Seed:       seed,
	}
}

func TestCreateAtStart(t *testing.T) {
	s := CreateAtStart(testInit(5, 256, 128))
	if s.NextTurn() != 1 {
		t.Fatalf("NextTurn=%d want 1", s.NextTurn())
	}
	if s.UnitCount() != 0 || len(s.Changes()) != 0 {
		t.Fatalf("expected empty state: units=%d changes=%d", s.UnitCount(), len(s.Changes()))
	}
	if s.Init().ID != "sim-1" || s.Init().Seed != 5 {
		t.Fatalf("init state not retained: %+v", s.Init())
	}
}

func TestAddNewRandomUnits_KnownPositions(t *testing.T) {
	s := CreateAtStart(testInit(123456789, 8192, 4096))
	if err := s.AddNewRandomUnits(3); err != nil {
		t.Fatalf("AddNewRandomUnits: %v", err)
	}
	want := [][2]uint16{{1931, 910}, {4795, 105}, {167, 869}}
	for i, w := range want {
		u, err := s.Unit(i)
		if err != nil {
			t.Fatalf("Unit(%d): %v", i, err)
		}
		if u.Position != w {
			t.Fatalf("unit %d position=%v want %v", i, u.Position, w)
		}
		if u.Type != Deer || u.Health != DefaultUnitHealth {
			t.Fatalf("unit %d defaults wrong: %+v", i, u)
		}
	}
	ch := s.Changes()
	if len(ch) != 1 || ch[0].Action != ChangeAddRandomUnits || ch[0].Count != 3 {
		t.Fatalf("unexpected change log: %+v", ch)
	}
}

func TestAddNewRandomUnits_WithinWorld(t *testing.T) {
	s := CreateAtStart(testInit(987654321012345, 8192, 4096))
	if err := s.AddNewRandomUnits(10); err != nil {
		t.Fatalf("AddNewRandomUnits: %v", err)
	}
	if s.UnitCount() != 10 {
		t.Fatalf("UnitCount=%d want 10", s.UnitCount())
	}
	for i, u := range s.Units() {
		if u.Position[0] >= 8192 || u.Position[1] >= 4096 {
			t.Fatalf("unit %d out of world: %v", i, u.Position)
		}
	}
}

func TestAddNewRandomUnits_BatchesMatchSingleBatch(t *testing.T) {
	a := CreateAtStart(testInit(77, 1024, 512))
	b := CreateAtStart(testInit(77, 1024, 512))
	if err := a.AddNewRandomUnits(6); err != nil {
		t.Fatalf("a: %v", err)
	}
	for _, n := range []int{2, 1, 3} {
		if err := b.AddNewRandomUnits(n); err != nil {
			t.Fatalf("b: %v", err)
		}
	}
	au, bu := a.Units(), b.Units()
	for i := range au {
		if au[i] != bu[i] {
			t.Fatalf("unit %d differs: %+v vs %+v", i, au[i], bu[i])
		}
	}
	if len(b.Changes()) != 3 {
		t.Fatalf("expected one change per batch, got %d", len(b.Changes()))
	}
}

func TestAddNewRandomUnits_CapRejectsWholeBatch(t *testing.T) {
	s := CreateAtStart(testInit(1, 128, 128))
	s.units = make([]Unit, MaxUnits)
	err := s.AddNewRandomUnits(1)
	if !errors.Is(err, ErrUnitCapExceeded) {
		t.Fatalf("expected ErrUnitCapExceeded, got %v", err)
	}
	if s.UnitCount() != MaxUnits || len(s.Changes()) != 0 {
		t.Fatalf("state changed on rejected batch: units=%d changes=%d", s.UnitCount(), len(s.Changes()))
	}

	s.units = make([]Unit, MaxUnits-2)
	if err := s.AddNewRandomUnits(3); !errors.Is(err, ErrUnitCapExceeded) {
		t.Fatalf("expected partial batch rejected, got %v", err)
	}
	if s.UnitCount() != MaxUnits-2 {
		t.Fatalf("partial batch applied: %d", s.UnitCount())
	}
}

func TestAddNewRandomUnits_NegativeCount(t *testing.T) {
	s := CreateAtStart(testInit(1, 128, 128))
	if err := s.AddNewRandomUnits(-1); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
}

func TestReplaceUnit(t *testing.T) {
	s := CreateAtStart(testInit(1, 128, 128))
	_ = s.AddNewRandomUnits(2)
	wolf := Unit{Type: Wolf, Health: 12, Position: [2]uint16{3, 4}}
	if err := s.ReplaceUnit(1, wolf); err != nil {
		t.Fatalf("ReplaceUnit: %v", err)
	}
	if u, _ := s.Unit(1); u != wolf {
		t.Fatalf("slot not replaced: %+v", u)
	}
	if err := s.ReplaceUnit(2, wolf); !errors.Is(err, ErrUnitIndex) {
		t.Fatalf("expected ErrUnitIndex, got %v", err)
	}
	if err := s.ReplaceUnit(0, Unit{Type: 9}); !errors.Is(err, ErrUnknownUnitType) {
		t.Fatalf("expected ErrUnknownUnitType, got %v", err)
	}
}

func TestApply_ReplaysChangeLog(t *testing.T) {
	src := CreateAtStart(testInit(4242, 2048, 1024))
	_ = src.AddNewRandomUnits(4)
	_ = src.AddNewRandomUnits(5)

	dst := CreateAtStart(src.Init())
	for _, c := range src.Changes() {
		if err := dst.Apply(c); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	su, du := src.Units(), dst.Units()
	if len(su) != len(du) {
		t.Fatalf("len mismatch: %d vs %d", len(su), len(du))
	}
	for i := range su {
		if su[i] != du[i] {
			t.Fatalf("unit %d mismatch", i)
		}
	}
	if err := dst.Apply(Change{Action: "teleport"}); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestValidWorldDims(t *testing.T) {
	for _, w := range []int{128, 256, 8192, 32768} {
		if !ValidWorldWidth(w) {
			t.Fatalf("width %d should be valid", w)
		}
	}
	for _, w := range []int{0, 100, 129, 32896, -128} {
		if ValidWorldWidth(w) {
			t.Fatalf("width %d should be invalid", w)
		}
	}
	for _, h := range []int{128, 4096, 8192} {
		if !ValidWorldHeight(h) {
			t.Fatalf("height %d should be valid", h)
		}
	}
	for _, h := range []int{10000, 8320, 127, 200} {
		if ValidWorldHeight(h) {
			t.Fatalf("height %d should be invalid", h)
		}
	}
}
