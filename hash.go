package phmap

import (
	"encoding/binary"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// hashPrime is the 64-bit mixing constant used by the default integer
// hash (xxhash's PRIME64_1, which shares its leading digits with, but
// is not equal to, floor(2^64 / phi) = 0x9E3779B97F4A7C15; the same
// constant the teacher uses for its 64-bit build tag's hash spreading).
const hashPrime = 0x9E3779B185EBCA87

// splitmix64 mixes a 64-bit integer to uniform bits. This is the
// default hash for the spec's default key domain (64-bit unsigned
// integers): a splittable-integer mix yielding uniform low bits, which
// the submap's bucket routing relies on (routing masks the low bits of
// the hash against bucket count).
func splitmix64(x uint64) uint64 {
	x += hashPrime
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// defaultHash64[K] is the Map's pluggable hash_fn default: a splitmix64
// mix for integer-shaped keys, and an xxhash over the key's byte
// encoding for every other comparable key shape (strings, small
// structs). Callers needing a different mix pass their own hashFn via
// WithHasher.
func defaultHash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case int:
		return splitmix64(uint64(v))
	case int8:
		return splitmix64(uint64(v))
	case int16:
		return splitmix64(uint64(v))
	case int32:
		return splitmix64(uint64(v))
	case int64:
		return splitmix64(uint64(v))
	case uint:
		return splitmix64(uint64(v))
	case uint8:
		return splitmix64(uint64(v))
	case uint16:
		return splitmix64(uint64(v))
	case uint32:
		return splitmix64(uint64(v))
	case uint64:
		return splitmix64(v)
	case uintptr:
		return splitmix64(uint64(v))
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	default:
		return hashViaReflection(k)
	}
}

// hashViaReflection handles comparable key shapes that aren't plain
// integers or strings (small structs, arrays of fixed-width fields) by
// encoding them through encoding/binary and hashing the bytes with
// xxhash. This only needs to cover fixed-size, binary.Write-able
// shapes: phmap's Non-goals already exclude custom equality/hashing
// overrides beyond this default.
func hashViaReflection[K comparable](k K) uint64 {
	v := reflect.ValueOf(k)
	if !v.IsValid() {
		return 0
	}
	buf := make([]byte, 0, 32)
	w := &byteSliceWriter{buf: buf}
	if err := binary.Write(w, binary.LittleEndian, k); err == nil {
		return xxhash.Sum64(w.buf)
	}
	// Fall back to mixing only the length of reflect.Value.String():
	// for a string-kinded key that is the string's length, for any other
	// kind it is the same for every key of the type. This path is only
	// reached for shapes binary.Write cannot encode (named string types,
	// structs containing strings, pointers or interfaces), which fall
	// outside the spec's default Key domain.
	return splitmix64(uint64(len(v.String())))
}

type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
