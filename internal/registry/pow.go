package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"time"
)

// PowProof is the admission proof-of-work. Difficulty is tuned so that
// solving takes ~30s on commodity hardware, making bulk registration
// expensive without burdening legitimate joiners.
type PowProof struct {
	Nonce     uint64    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Bits      int       `json:"bits"` // difficulty the proof was solved at
}

// powDigest hashes the work commitment: participant ID, public key,
// timestamp and nonce.
func powDigest(id, publicKey string, ts time.Time, nonce uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte(publicKey))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.Unix()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// leadingZeroBits counts leading zero bits of a digest.
func leadingZeroBits(digest [32]byte) int {
	total := 0
	for _, b := range digest {
		if b == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(b)
		break
	}
	return total
}

// SolvePow searches for a nonce meeting the difficulty. Intended for use
// by joining participants; the search is CPU-bound and unbounded, so
// callers run it off the hot path.
func SolvePow(id, publicKey string, difficulty int) PowProof {
	ts := time.Now().UTC()
	var nonce uint64
	for {
		if leadingZeroBits(powDigest(id, publicKey, ts, nonce)) >= difficulty {
			return PowProof{Nonce: nonce, Timestamp: ts, Bits: difficulty}
		}
		nonce++
	}
}

// VerifyPow checks a proof against the required difficulty and a bounded
// proof age, preventing replay of old solved work.
func VerifyPow(id, publicKey string, proof PowProof, difficulty int, maxAge time.Duration) bool {
	if proof.Bits < difficulty {
		return false
	}
	if maxAge > 0 {
		age := time.Since(proof.Timestamp)
		if age < -time.Minute || age > maxAge {
			return false
		}
	}
	return leadingZeroBits(powDigest(id, publicKey, proof.Timestamp, proof.Nonce)) >= difficulty
}
