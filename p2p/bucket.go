package p2p

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Default table dimensions, spec.md §4.3 "typical: new = 128×32, tried =
// 64×32".
const (
	DefaultNewBuckets    = 128
	DefaultTriedBuckets  = 64
	DefaultBucketSize    = 32
)

// bucketHasher derives deterministic bucket and slot indices from a
// 32-byte node secret, matching spec.md §4.3.1's hash(secret ‖ ...)
// formula. siphash is a keyed PRF over arbitrary byte strings, which is
// exactly what that formula calls for — see DESIGN.md for why siphash was
// picked over a generic hash.
type bucketHasher struct {
	k0, k1 uint64
}

// newBucketHasher derives the two siphash keys from secret. secret should
// be the node's per-instance random key (config.Secret); reusing the same
// secret keeps bucket placement stable across restarts, which is the
// point — an attacker without the secret cannot predict which bucket a
// chosen peer lands in.
func newBucketHasher(secret []byte) bucketHasher {
	var key [16]byte
	copy(key[:], secret)
	return bucketHasher{
		k0: binary.LittleEndian.Uint64(key[0:8]),
		k1: binary.LittleEndian.Uint64(key[8:16]),
	}
}

func (b bucketHasher) hash(parts ...string) uint64 {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, 0) // separator, avoids "ab"+"c" colliding with "a"+"bc"
	}
	return siphash.Hash(b.k0, b.k1, buf)
}

// newBucket returns the destination bucket for a candidate peer in the
// new table: hash(secret ‖ sourceGroup ‖ peerGroup) mod numNewBuckets.
func (b bucketHasher) newBucket(sourceGroup, peerGroup string, numBuckets int) int {
	return int(b.hash(sourceGroup, peerGroup) % uint64(numBuckets))
}

// triedBucket returns the destination bucket for a peer in the tried
// table: hash(secret ‖ peerId) mod numTriedBuckets.
func (b bucketHasher) triedBucket(peerID string, numBuckets int) int {
	return int(b.hash(peerID) % uint64(numBuckets))
}

// slot returns the slot within a bucket: hash(secret ‖ peerId) mod
// bucketSize.
func (b bucketHasher) slot(peerID string, bucketSize int) int {
	return int(b.hash(peerID) % uint64(bucketSize))
}
