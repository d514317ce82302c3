package sim

import "github.com/kannanvijayan/ProceduralEden/internal/rng"

// Unit is one simulated entity. Units are values: the owning State replaces
// a slot rather than mutating a unit in place.
type Unit struct {
	Type     UnitType  `json:"type"`
	Health   uint16    `json:"health"`
	Position [2]uint16 `json:"position"`
}

func NewUnit(x, y uint16) Unit {
	return Unit{
		Type:     DefaultUnitType,
		Health:   DefaultUnitHealth,
		Position: [2]uint16{x, y},
	}
}

// NewRandomUnit places the unit at index using the seed's
// [InitializationTurn, UnitPositionSequence, index] branch. The low and high
// halves of the drawn word are reduced modulo the world width and height.
func NewRandomUnit(index int, init InitState) Unit {
	v := rng.StatelessRandom(rng.SeedWord(init.Seed),
		InitializationTurn,
		UnitPositionSequence,
		int32(index),
	)
	w, h := uint32(init.WorldDims.Width()), uint32(init.WorldDims.Height())
	x := (v & 0xffff) % w
	y := ((v >> 16) & 0xffff) % h
	return NewUnit(uint16(x), uint16(y))
}
