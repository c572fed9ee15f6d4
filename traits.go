package lfmap

// NullHash marks an empty cell. No live hash is ever equal to it.
const NullHash uint64 = 0

// NullKey is the sentinel key value that must never be inserted.
const NullKey uint64 = 0

// NullValue marks a cell that is empty or has been erased.
const NullValue uint64 = 0

// Redirect marks a cell whose table has been superseded by a migration.
// A reader that observes Redirect must join the migration in progress
// and retry its operation against the new root.
const Redirect uint64 = 1

// fmix64Inv{A,B} are the modular inverses (mod 2^64) of the two odd
// multiplicative constants used by the finalizer below. Since every
// factor of the mix is either an involution (the xor-shift steps, valid
// because the shift amount exceeds half the word width) or multiplication
// by an odd constant (invertible mod 2^64), the whole function is a
// bijection on uint64 and dehash is its exact inverse.
const (
	fmix64A    = 0xff51afd7ed558ccd
	fmix64B    = 0xc4ceb9fe1a85ec53
	fmix64AInv = 0x4f74430c22a54005
	fmix64BInv = 0x9cb4b2f8129337db
)

// avalanche maps a key to a hash via an invertible bit-mixing
// permutation, so that the hash never needs to be paired with the
// original key: dehash recovers it. NullKey maps to NullHash and vice
// versa, preserving the empty-cell sentinel across the permutation.
func avalanche(x uint64) uint64 {
	x ^= x >> 33
	x *= fmix64A
	x ^= x >> 33
	x *= fmix64B
	x ^= x >> 33
	return x
}

// dehash is the exact inverse of avalanche.
func dehash(x uint64) uint64 {
	x ^= x >> 33
	x *= fmix64BInv
	x ^= x >> 33
	x *= fmix64AInv
	x ^= x >> 33
	return x
}

// KeyTraits supplies the hash/dehash permutation and key sentinel used
// by a map. The default, DefaultKeyTraits, is the avalanche permutation
// above; a map may be constructed with WithLinearKeyTraits,
// WithLeapfrogKeyTraits or WithGrampaKeyTraits to plug in another
// invertible hash, e.g. one seeded against a DoS-resistant secret.
type KeyTraits struct {
	NullKey uint64
	NullHash uint64
	Hash    func(key uint64) uint64
	Dehash  func(hash uint64) uint64
}

// DefaultKeyTraits is the avalanche/dehash permutation with the
// zero-value sentinels used throughout this package.
var DefaultKeyTraits = KeyTraits{
	NullKey:  NullKey,
	NullHash: NullHash,
	Hash:     avalanche,
	Dehash:   dehash,
}

// ValueTraits supplies the two reserved value sentinels. Callers very
// rarely need anything other than DefaultValueTraits; it exists mainly
// so migration and cell-state code never hard-codes 0/1 directly.
type ValueTraits struct {
	NullValue uint64
	Redirect  uint64
}

// DefaultValueTraits is {NullValue: 0, Redirect: 1}.
var DefaultValueTraits = ValueTraits{
	NullValue: NullValue,
	Redirect:  Redirect,
}
