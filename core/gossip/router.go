// Package gossip selects bounded-size peer subsets for message fan-out.
//
// Small networks get full broadcast; larger ones get Kademlia-style nearest-K
// selection by XOR distance, keeping per-message fan-out O(K) regardless of
// network size. Distance is used purely for bounding fan-out, never for trust.
package gossip

import (
	"crypto/sha256"
	"sort"
)

const (
	// FullBroadcastThreshold is the candidate-set size up to which every peer
	// receives the message. Broadcast is cheap and more robust at small scale.
	FullBroadcastThreshold = 10

	// KFactor is the number of nearest peers selected above the threshold.
	KFactor = 6
)

// IDLen is the byte length of a node identifier.
const IDLen = sha256.Size

// NodeID derives a deterministic 32-byte identifier from a peer URL or DID.
func NodeID(input string) [IDLen]byte {
	return sha256.Sum256([]byte(input))
}

// XORDistance computes the bytewise XOR of two identifiers.
func XORDistance(a, b [IDLen]byte) [IDLen]byte {
	var d [IDLen]byte
	for i := 0; i < IDLen; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders two XOR distances bytewise lexicographically.
// Returns -1 if a < b, 1 if a > b, 0 if equal.
func CompareDistance(a, b [IDLen]byte) int {
	for i := 0; i < IDLen; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// SelectGossipPeers returns the subset of peers that should receive a message
// about targetKey. The sender given in exclude is always omitted. Pure and
// deterministic: identical inputs produce the same ordered subset.
func SelectGossipPeers(peers []string, targetKey string, exclude string) []string {
	candidates := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == exclude {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) <= FullBroadcastThreshold {
		return candidates
	}

	target := NodeID(targetKey)
	sort.SliceStable(candidates, func(i, j int) bool {
		di := XORDistance(NodeID(candidates[i]), target)
		dj := XORDistance(NodeID(candidates[j]), target)
		return CompareDistance(di, dj) < 0
	})

	return candidates[:KFactor]
}
