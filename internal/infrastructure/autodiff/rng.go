package autodiff

import "math/rand/v2"

// Key is a splittable counter-based random seed. Randomness is always
// consumed through an explicit key passed down the call tree; repeated
// draws from the same key are bit-identical.
type Key uint64

// NewKey derives a root key from a seed.
func NewKey(seed uint64) Key {
	return Key(splitmix(seed ^ 0x9e3779b97f4a7c15))
}

// Split derives the i-th independent child key.
func (k Key) Split(i uint64) Key {
	return Key(splitmix(uint64(k) + splitmix(i+1)))
}

// Source returns a PCG source seeded from the key. Each call returns a
// fresh generator positioned at the same state.
func (k Key) Source() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(k), uint64(k)^0xda942042e4dd58b5))
}

// splitmix is the SplitMix64 output function, used to decorrelate
// derived keys.
func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
