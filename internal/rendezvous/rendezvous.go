// Package rendezvous assigns chunk holders with highest-random-weight
// hashing. Assignment is a pure function of its inputs, so every
// participant computes identical holder sets without a coordinator, and
// no candidate can influence its own score.
package rendezvous

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// DefaultReplicaCount is the number of remote holders per chunk. Combined
// with the owner's local copy this yields a replication factor of 3.
const DefaultReplicaCount = 2

// score computes the HRW weight for one (owner, chunk, candidate, epoch)
// tuple. The candidate ID is mixed into the hash input, never used as a
// key, so a participant cannot grind its own ID into a winning position
// for a specific owner's chunks ahead of knowing the epoch.
func score(ownerID string, chunkIndex int, candidateID string, epoch uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte(ownerID))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(chunkIndex))
	h.Write(idx[:])
	h.Write([]byte(candidateID))
	var ep [8]byte
	binary.BigEndian.PutUint64(ep[:], epoch)
	h.Write(ep[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AssignHolders returns the replicaCount highest-scoring participants for
// the chunk, in descending score order. The owner is always excluded.
// Fewer than replicaCount participants yields a shorter list.
func AssignHolders(ownerID string, chunkIndex int, participants []string, epoch uint64, replicaCount int) []string {
	if replicaCount <= 0 {
		replicaCount = DefaultReplicaCount
	}

	type candidate struct {
		id string
		s  [32]byte
	}

	candidates := make([]candidate, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == ownerID || p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		candidates = append(candidates, candidate{id: p, s: score(ownerID, chunkIndex, p, epoch)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if c := bytes.Compare(candidates[i].s[:], candidates[j].s[:]); c != 0 {
			return c > 0
		}
		return candidates[i].id < candidates[j].id
	})

	if len(candidates) > replicaCount {
		candidates = candidates[:replicaCount]
	}

	holders := make([]string, len(candidates))
	for i, c := range candidates {
		holders[i] = c.id
	}
	return holders
}

// Ranked returns every candidate ordered by descending score. The
// distributor walks this list past the primary holders when a holder is
// unreachable and a deterministic fallback is needed.
func Ranked(ownerID string, chunkIndex int, participants []string, epoch uint64) []string {
	return AssignHolders(ownerID, chunkIndex, participants, epoch, len(participants))
}
