package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Entry is one participant's directory record. Departed participants are
// tombstoned, never hard-deleted, so a departure can always win a merge
// against a stale registration.
type Entry struct {
	ID             string      `json:"id"`
	PublicKey      string      `json:"public_key"`      // base64 ed25519, used to verify attestations
	CapacityBucket int64       `json:"capacity_bucket"` // declared storage in bytes, bucketed
	ChunkCount     int         `json:"chunk_count"`     // declared chunks currently held for others
	RegisteredAt   time.Time   `json:"registered_at"`
	Proof          PowProof    `json:"proof"` // admission proof-of-work
	Tombstone      bool        `json:"tombstone,omitempty"`
	DepartedAt     time.Time   `json:"departed_at,omitempty"`
	Clock          VectorClock `json:"clock"`
}

// Copy returns a deep copy of the entry.
func (e *Entry) Copy() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Clock = e.Clock.Copy()
	return &out
}

// Directory is one shard's snapshot: a deterministically orderable set of
// entries keyed by participant ID.
type Directory map[string]*Entry

// Copy returns a deep copy of the directory.
func (d Directory) Copy() Directory {
	out := make(Directory, len(d))
	for id, e := range d {
		out[id] = e.Copy()
	}
	return out
}

// Active returns the IDs of non-tombstoned participants in sorted order.
func (d Directory) Active() []string {
	ids := make([]string, 0, len(d))
	for id, e := range d {
		if !e.Tombstone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MergeDirectory merges two directory snapshots into a new one. The merge
// is a pure function, independent of whatever consistency the underlying
// transport offers: per entry the causally newer record wins, and a
// tombstone wins ties between concurrent records.
func MergeDirectory(a, b Directory) Directory {
	out := a.Copy()

	for id, remote := range b {
		local, exists := out[id]
		if !exists {
			out[id] = remote.Copy()
			continue
		}
		out[id] = mergeEntry(local, remote)
	}

	return out
}

// mergeEntry resolves one entry pair by vector clock, tombstone-wins-ties.
func mergeEntry(local, remote *Entry) *Entry {
	switch local.Clock.Compare(remote.Clock) {
	case ClockAfter, ClockEqual:
		return local
	case ClockBefore:
		return remote.Copy()
	}

	// Concurrent. A tombstone on either side wins; otherwise fall back to
	// the lexicographically smaller canonical clock so every node picks
	// the same winner.
	var winner *Entry
	switch {
	case local.Tombstone && !remote.Tombstone:
		winner = local.Copy()
	case remote.Tombstone && !local.Tombstone:
		winner = remote.Copy()
	case local.Clock.String() < remote.Clock.String():
		winner = local.Copy()
	default:
		winner = remote.Copy()
	}
	winner.Clock = local.Clock.Copy()
	winner.Clock.Merge(remote.Clock)
	return winner
}

// MarshalDirectory serializes a directory as a deterministically ordered
// entry list, suitable for hashing and substrate publication.
func MarshalDirectory(d Directory) ([]byte, error) {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, d[id])
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal directory: %w", err)
	}
	return data, nil
}

// UnmarshalDirectory parses a serialized directory snapshot.
func UnmarshalDirectory(data []byte) (Directory, error) {
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal directory: %w", err)
	}

	d := make(Directory, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("unmarshal directory: entry with empty ID")
		}
		d[e.ID] = e
	}
	return d, nil
}

// Metadata is the registry's global record: shard layout, assignment
// epoch and migration status. It is published alongside the shard
// directories and is all a crashed owner needs to begin recovery.
type Metadata struct {
	ShardCount       int                    `json:"shard_count"`
	PrevShardCount   int                    `json:"prev_shard_count,omitempty"` // non-zero during migration
	Epoch            uint64                 `json:"epoch"`
	MigrationStarted time.Time              `json:"migration_started,omitempty"`
	ParticipantCount int                    `json:"participant_count"`
	OwnerChunkCounts map[string]OwnerChunks `json:"owner_chunk_counts,omitempty"`
}

// OwnerChunks records how many chunks (and which version) an owner last
// distributed, so recovery knows when the chunk set is complete.
type OwnerChunks struct {
	Version uint64 `json:"version"`
	Count   int    `json:"count"`
}
