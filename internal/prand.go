package internal

// Prand16 advances a 16-bit xorshift state (shifts 7, 9, 8). The state must
// be non-zero; zero maps to zero.
func Prand16(x uint16) uint16 {
	x ^= x << 7
	x ^= x >> 9
	return x ^ x<<8
}

// Prand32 advances a 32-bit xorshift state using Marsaglia's 13, 17, 5
// triple. The state must be non-zero; zero maps to zero.
func Prand32[T ~uint32](x T) T {
	x ^= x << 13
	x ^= x >> 17
	return x ^ x<<5
}
