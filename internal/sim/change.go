package sim

// ChangeAction names a kind of recorded change.
type ChangeAction string

const ChangeAddRandomUnits ChangeAction = "add-random-units"

// Change is one entry of a simulation's append-only action log.
type Change struct {
	Action ChangeAction `json:"action"`
	Count  int          `json:"count"`
}
