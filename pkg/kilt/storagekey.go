package kilt

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// The substrate storage-key scheme (spec.md §6) requires XXH64 seeded
// with round index 0 and 1 for twox128. No library in the reference
// corpus exposes a seeded XXH64 (the pack's cespare/xxhash wraps only
// the unseeded default), so the algorithm — a public, fully specified
// checksum, not a security primitive — is implemented directly here;
// see DESIGN.md.
const (
	xxhPrime1 = 11400714785074694791
	xxhPrime2 = 14029467366897019727
	xxhPrime3 = 1609587929392839161
	xxhPrime4 = 9650029242287828579
	xxhPrime5 = 2870177450012600261
)

func xxh64(input []byte, seed uint64) uint64 {
	n := len(input)
	p := 0
	var h64 uint64

	if n >= 32 {
		v1 := seed + xxhPrime1 + xxhPrime2
		v2 := seed + xxhPrime2
		v3 := seed
		v4 := seed - xxhPrime1
		for ; p+32 <= n; p += 32 {
			v1 = xxhRound(v1, binary.LittleEndian.Uint64(input[p:]))
			v2 = xxhRound(v2, binary.LittleEndian.Uint64(input[p+8:]))
			v3 = xxhRound(v3, binary.LittleEndian.Uint64(input[p+16:]))
			v4 = xxhRound(v4, binary.LittleEndian.Uint64(input[p+24:]))
		}
		h64 = rotl64(v1, 1) + rotl64(v2, 7) + rotl64(v3, 12) + rotl64(v4, 18)
		h64 = xxhMergeRound(h64, v1)
		h64 = xxhMergeRound(h64, v2)
		h64 = xxhMergeRound(h64, v3)
		h64 = xxhMergeRound(h64, v4)
	} else {
		h64 = seed + xxhPrime5
	}

	h64 += uint64(n)

	for ; p+8 <= n; p += 8 {
		k1 := xxhRound(0, binary.LittleEndian.Uint64(input[p:]))
		h64 ^= k1
		h64 = rotl64(h64, 27)*xxhPrime1 + xxhPrime4
	}
	if p+4 <= n {
		h64 ^= uint64(binary.LittleEndian.Uint32(input[p:])) * xxhPrime1
		h64 = rotl64(h64, 23)*xxhPrime2 + xxhPrime3
		p += 4
	}
	for ; p < n; p++ {
		h64 ^= uint64(input[p]) * xxhPrime5
		h64 = rotl64(h64, 11) * xxhPrime1
	}

	h64 ^= h64 >> 33
	h64 *= xxhPrime2
	h64 ^= h64 >> 29
	h64 *= xxhPrime3
	h64 ^= h64 >> 32
	return h64
}

func xxhRound(acc, input uint64) uint64 {
	acc += input * xxhPrime2
	acc = rotl64(acc, 31)
	acc *= xxhPrime1
	return acc
}

func xxhMergeRound(acc, val uint64) uint64 {
	val = xxhRound(0, val)
	acc ^= val
	acc = acc*xxhPrime1 + xxhPrime4
	return acc
}

func rotl64(x uint64, r uint) uint64 {
	return (x << r) | (x >> (64 - r))
}

// twox128 implements substrate's Twox128 hasher: two XXH64 digests of
// the input, seeded 0 and 1 respectively, each written little-endian
// and concatenated.
func twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], xxh64(data, 0))
	binary.LittleEndian.PutUint64(out[8:16], xxh64(data, 1))
	return out
}

// blake2_128Concat implements substrate's Blake2_128Concat hasher: a
// 16-byte blake2b digest of the key, followed by the raw key bytes.
func blake2_128Concat(key []byte) ([]byte, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	h.Write(key)
	digest := h.Sum(nil)
	out := make([]byte, 0, len(digest)+len(key))
	out = append(out, digest...)
	out = append(out, key...)
	return out, nil
}

// storageKey composes the full storage key for a credential-chain
// read, per spec.md §6:
//
//	twox128(pallet) || twox128(item) || blake2_128_concat(key_bytes)
func storageKey(pallet, item string, keyBytes []byte) ([]byte, error) {
	concat, err := blake2_128Concat(keyBytes)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(concat))
	out = append(out, twox128([]byte(pallet))...)
	out = append(out, twox128([]byte(item))...)
	out = append(out, concat...)
	return out, nil
}

// AttestationStorageKey composes the key for reading an Attestation
// record keyed by rootHash, per spec.md §6:
// twox128("Attestation") || twox128("Attestations") || blake2_128_concat(root_hash).
func AttestationStorageKey(rootHash [32]byte) ([]byte, error) {
	return storageKey("Attestation", "Attestations", rootHash[:])
}
