package sim

import (
	"errors"
	"fmt"
)

var ErrUnknownUnitType = errors.New("unknown unit type")

// UnitType is the 16-bit type id stored in the low half of a unit's first word.
type UnitType uint16

const (
	Deer UnitType = 1
	Wolf UnitType = 2
)

var unitTypeNames = map[UnitType]string{
	Deer: "Deer",
	Wolf: "Wolf",
}

func (t UnitType) String() string {
	if n, ok := unitTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UnitType(%d)", uint16(t))
}

func (t UnitType) Valid() bool {
	_, ok := unitTypeNames[t]
	return ok
}

// UnitTypeFromID maps a decoded id back onto the type table.
func UnitTypeFromID(id uint16) (UnitType, error) {
	t := UnitType(id)
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownUnitType, id)
	}
	return t, nil
}

func (t UnitType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnitType, uint16(t))
	}
	return []byte(unitTypeNames[t]), nil
}

func (t *UnitType) UnmarshalText(b []byte) error {
	for k, n := range unitTypeNames {
		if n == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownUnitType, string(b))
}
