package hashfs

// HashFunc reduces a composite Key to a 32-bit probe seed. All
// implementations here share the same contract: any 32-bit value is a
// legal return, including values that happen to exceed a given table's
// mod — callers always reduce the result modulo mod before using it as a
// slot index.
type HashFunc func(Key) uint32

// DirectHash returns the key's low 32 bits unchanged. Cheapest option;
// best suited to keys that are already well distributed in their low
// bits (e.g. monotonically assigned inode numbers with small files).
func DirectHash(k Key) uint32 {
	return uint32(k)
}

// ComboHash XORs the key's high and low 32-bit halves, folding the file
// identifier into the distribution instead of discarding it.
func ComboHash(k Key) uint32 {
	return uint32(k) ^ uint32(k>>32)
}

// mixConstA and mixConstB are the two Murmur3 64-bit finalization
// constants, reused here (as in the original source) as the seed values
// for Bob Jenkins' 1996 integer mix.
const (
	mixConstA uint64 = 0xff51afd7ed558ccd
	mixConstB uint64 = 0xc4ceb9fe1a85ec53
)

// Mix runs Bob Jenkins' 1996 three-word integer mix over the key,
// ported round-for-round from the original C source (mixConstA/B seed
// the a/b words, c is the key). It returns the low 32 bits of the final
// word.
func Mix(k Key) uint32 {
	a, b, c := mixConstA, mixConstB, uint64(k)

	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15

	return uint32(c)
}

// Murmur64 applies the standard Murmur3 64-bit finalizer (three
// xor-shift/multiply rounds) to the key and returns the low 32 bits.
func Murmur64(k Key) uint32 {
	h := uint64(k)
	h ^= h >> 33
	h *= mixConstA
	h ^= h >> 33
	h *= mixConstB
	h ^= h >> 33
	return uint32(h)
}

// xxh32Prime1..5 are the five prime constants of the xxHash32 algorithm.
const (
	xxh32Prime1 uint32 = 2654435761
	xxh32Prime2 uint32 = 2246822519
	xxh32Prime3 uint32 = 3266489917
	xxh32Prime4 uint32 = 668265263
	xxh32Prime5 uint32 = 374761393
)

func rotl32(x uint32, r uint) uint32 {
	return (x << r) | (x >> (32 - r))
}

// XXHash32 computes the 32-bit xxHash digest (seed 0) of the key's eight
// bytes, following the reference algorithm's short-input path (an 8-byte
// input is always "short": it never reaches the 16-byte-stripe main
// loop). cespare/xxhash/v2 in this module's dependency set only
// implements the 64-bit variant, so this one is hand-written to match
// the original source's nvm_xxhash, which calls the real XXH32.
func XXHash32(k Key) uint32 {
	lane1 := uint32(k)
	lane2 := uint32(k >> 32)

	h := xxh32Prime5 + 8 // seed(0) + len(8)

	h += lane1 * xxh32Prime3
	h = rotl32(h, 17) * xxh32Prime4

	h += lane2 * xxh32Prime3
	h = rotl32(h, 17) * xxh32Prime4

	h ^= h >> 15
	h *= xxh32Prime2
	h ^= h >> 13
	h *= xxh32Prime3
	h ^= h >> 16

	return h
}
