package sim

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Globals buffer layout, in 32-bit words. The unit count precedes the next
// turn; renderers built against the reversed order must swap words 3 and 4.
const (
	GlobalWorldWidth = iota
	GlobalWorldHeight
	GlobalSeed
	GlobalUnitCount
	GlobalNextTurn

	GlobalsWords
)

// Unit record layout, in 32-bit words. Word 0 holds the type id in the low
// half and health in the high half; word 1 holds x low and y high.
const (
	UnitTypeAndHealth = iota
	UnitPosition

	UnitWords
)

// WordSize is the byte width of one buffer element.
const WordSize = 4

// Globals is the decoded form of the globals buffer.
type Globals struct {
	WorldWidth  uint32
	WorldHeight uint32
	Seed        uint32
	UnitCount   uint32
	NextTurn    uint32
}

// WriteGlobals overwrites the first GlobalsWords words of buf.
func (s *State) WriteGlobals(buf []uint32) error {
	if len(buf) < GlobalsWords {
		return fmt.Errorf("globals buffer: %w: have %d words, need %d", io.ErrShortBuffer, len(buf), GlobalsWords)
	}
	buf[GlobalWorldWidth] = uint32(s.init.WorldDims.Width())
	buf[GlobalWorldHeight] = uint32(s.init.WorldDims.Height())
	buf[GlobalSeed] = uint32(s.init.Seed)
	buf[GlobalUnitCount] = uint32(len(s.units))
	buf[GlobalNextTurn] = s.nextTurn
	return nil
}

// Globals returns a freshly written globals buffer.
func (s *State) Globals() []uint32 {
	buf := make([]uint32, GlobalsWords)
	_ = s.WriteGlobals(buf)
	return buf
}

func ReadGlobals(buf []uint32) (Globals, error) {
	if len(buf) < GlobalsWords {
		return Globals{}, fmt.Errorf("globals buffer: %w: have %d words, need %d", io.ErrShortBuffer, len(buf), GlobalsWords)
	}
	return Globals{
		WorldWidth:  buf[GlobalWorldWidth],
		WorldHeight: buf[GlobalWorldHeight],
		Seed:        buf[GlobalSeed],
		UnitCount:   buf[GlobalUnitCount],
		NextTurn:    buf[GlobalNextTurn],
	}, nil
}

// UnitsWordLen is the number of words WriteUnits needs.
func (s *State) UnitsWordLen() int { return len(s.units) * UnitWords }

// WriteUnits packs every unit at index*UnitWords, in sequence order.
func (s *State) WriteUnits(buf []uint32) error {
	if need := s.UnitsWordLen(); len(buf) < need {
		return fmt.Errorf("units buffer: %w: have %d words, need %d", io.ErrShortBuffer, len(buf), need)
	}
	for i, u := range s.units {
		u.writeWords(buf[i*UnitWords:])
	}
	return nil
}

func (u Unit) writeWords(buf []uint32) {
	buf[UnitTypeAndHealth] = uint32(u.Type) | uint32(u.Health)<<16
	buf[UnitPosition] = uint32(u.Position[0]) | uint32(u.Position[1])<<16
}

// ReadUnit decodes the unit stored at index. An unknown type id is an error.
func ReadUnit(buf []uint32, index int) (Unit, error) {
	off := index * UnitWords
	if index < 0 || off+UnitWords > len(buf) {
		return Unit{}, fmt.Errorf("%w: %d", ErrUnitIndex, index)
	}
	th := buf[off+UnitTypeAndHealth]
	pos := buf[off+UnitPosition]
	typ, err := UnitTypeFromID(uint16(th & 0xffff))
	if err != nil {
		return Unit{}, fmt.Errorf("unit %d: %w", index, err)
	}
	return Unit{
		Type:     typ,
		Health:   uint16(th >> 16),
		Position: [2]uint16{uint16(pos & 0xffff), uint16(pos >> 16)},
	}, nil
}

// ReadUnits decodes count consecutive unit records.
func ReadUnits(buf []uint32, count int) ([]Unit, error) {
	out := make([]Unit, 0, count)
	for i := 0; i < count; i++ {
		u, err := ReadUnit(buf, i)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// EncodeWords lays words out little-endian, the byte order the compute
// backend maps buffers with.
func EncodeWords(words []uint32) []byte {
	b := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*WordSize:], w)
	}
	return b
}

func DecodeWords(b []byte) ([]uint32, error) {
	if len(b)%WordSize != 0 {
		return nil, fmt.Errorf("word buffer length %d is not a multiple of %d", len(b), WordSize)
	}
	out := make([]uint32, len(b)/WordSize)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return out, nil
}
