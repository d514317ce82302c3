// Package sim is the deterministic simulation state core: initialization
// parameters, the unit sequence, the change log, and the fixed-layout word
// buffers handed to the compute/render backend.
package sim

// World dimension bounds. Widths and heights must be multiples of the
// minimum so the compute backend can tile the map evenly.
const (
	MinWorldWidth  = 1 << 7  // 128
	MaxWorldWidth  = 1 << 15 // 32768
	MinWorldHeight = 1 << 7  // 128
	MaxWorldHeight = 1 << 13 // 8192
)

const (
	// MaxUnits caps the unit sequence.
	MaxUnits = 1 << 20

	DefaultUnitType   = Deer
	DefaultUnitHealth = 1000
)

// MaxSeed is the exclusive upper bound of server-issued seeds.
const MaxSeed uint64 = 1_000_000_000_000_000

// Text limits for InitParams.
const (
	MaxLogicVersionLength = 64
	MaxLabelLength        = 64
)

// Pseudorandom branch ids. A value is addressed by [turn, sequence, index].
const (
	// InitializationTurn is the turn number used for values drawn while
	// setting a simulation up, before turn 1 runs.
	InitializationTurn int32 = -1

	UnitPositionSequence int32 = 1
)

func ValidWorldWidth(w int) bool {
	return w >= MinWorldWidth && w <= MaxWorldWidth && w%MinWorldWidth == 0
}

func ValidWorldHeight(h int) bool {
	return h >= MinWorldHeight && h <= MaxWorldHeight && h%MinWorldHeight == 0
}
