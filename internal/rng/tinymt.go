// Package rng holds the deterministic generators shared by the server and
// every client that replays a simulation.
package rng

// TinyMT32 parameter set. These are part of the replay contract: changing
// any of them changes every derived simulation.
const (
	Mat1 uint32 = 0x8f7011ee
	Mat2 uint32 = 0xfc78ff1f
	TMat uint32 = 0x3793fdff
)

const (
	minLoop = 8
	preLoop = 8

	sh0  = 1
	sh1  = 10
	sh8  = 8
	mask = 0x7fffffff
)

// TinyMT32 is a 128-bit state tinymt32 generator. All arithmetic is on
// uint32 and wraps.
type TinyMT32 struct {
	status [4]uint32
}

func NewTinyMT32(seed uint32) *TinyMT32 {
	t := &TinyMT32{status: [4]uint32{seed, Mat1, Mat2, TMat}}
	for i := uint32(1); i < minLoop; i++ {
		prev := t.status[(i-1)&3]
		t.status[i&3] ^= (i + 1812433253) * (prev ^ (prev >> 30))
	}
	for i := 0; i < preLoop; i++ {
		t.nextState()
	}
	return t
}

// Uint32 advances the state once and returns the tempered output.
func (t *TinyMT32) Uint32() uint32 {
	t.nextState()
	return t.temper()
}

func (t *TinyMT32) nextState() {
	y := t.status[3]
	x := (t.status[0] & mask) ^ t.status[1] ^ t.status[2]
	x ^= x << sh0
	y ^= (y >> sh0) ^ x
	t.status[0] = t.status[1]
	t.status[1] = t.status[2]
	t.status[2] = x ^ (y << sh1)
	t.status[3] = y
	if y&1 != 0 {
		t.status[1] ^= Mat1
		t.status[2] ^= Mat2
	}
}

func (t *TinyMT32) temper() uint32 {
	t0 := t.status[3]
	t1 := t.status[0] + (t.status[2] >> sh8)
	t0 ^= t1
	if t1&1 != 0 {
		t0 ^= TMat
	}
	return t0
}

// Generate returns the first output of a generator seeded with seed.
func Generate(seed uint32) uint32 {
	return NewTinyMT32(seed).Uint32()
}
