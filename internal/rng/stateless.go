package rng

// StatelessRandom derives a value from seed and a branch path without keeping
// any generator around. Each branch element reseeds a fresh generator with
// the previous output plus the element, so a path like
// [turn, sequence, index] addresses one value independently of its siblings.
func StatelessRandom(seed uint32, path ...int32) uint32 {
	result := Generate(seed)
	for _, b := range path {
		result = Generate(result + uint32(b))
	}
	return result
}

// SeedWord reduces a simulation seed to the 32-bit word the generators and
// the globals buffer use.
func SeedWord(seed uint64) uint32 {
	return uint32(seed)
}
