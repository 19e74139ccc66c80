// Package registry maintains the sharded, Sybil-resistant directory of
// persistence participants. It stores participant existence only, never
// chunk-to-holder mappings, which are always recomputed from rendezvous
// hashing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrRegistration indicates an admission check failed (bad proof-of-work,
	// insufficient capacity, failed storage probe).
	ErrRegistration = errors.New("registry: registration rejected")

	// ErrShardUnavailable indicates a shard could not serve the request;
	// callers retry against an alternate shard snapshot.
	ErrShardUnavailable = errors.New("registry: shard unavailable")

	// ErrRateLimited indicates the per-source quota or the circuit breaker
	// rejected the query. The registry itself stays up.
	ErrRateLimited = errors.New("registry: rate limited")
)

// CapacityProber proves a registrant controls its declared storage, e.g.
// by having it write and hash a random blob of the probe size.
type CapacityProber interface {
	Probe(ctx context.Context, participantID string, probeSize int64) error
}

// TrustSource reports a participant's reliability score. Reputation is
// consumed only here, by the eligibility gate, never by assignment.
type TrustSource interface {
	Score(participantID string) float64
}

// Config holds registry tunables.
type Config struct {
	NodeID           string
	PowDifficulty    int           // leading zero bits for admission proofs
	PowMaxAge        time.Duration // accepted proof age (default 1h)
	MinCapacity      int64         // minimum declared bytes
	ProbeSize        int64         // storage probe size (default MinCapacity/10)
	MinHolderAge     time.Duration // reputation bootstrap age
	MinTrustScore    float64       // eligibility threshold
	QueryRate        int           // per-source queries/second
	QueryBurst       int
	BreakerThreshold int           // global queries/second above which non-essential reads shed
	MigrationWindow  time.Duration // dual-read window after a shard split
	CacheRefresh     time.Duration // participant snapshot refresh interval
	Prober           CapacityProber
	Trust            TrustSource
	Logger           zerolog.Logger
}

// Registry is the local replica of the participant directory. Remote
// snapshots arrive via the substrate and are merged deterministically;
// local writes bump this node's vector clock component.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.RWMutex
	shards      []Directory
	prevShards  []Directory // old layout, dual-read during the migration window
	migratedAt  time.Time
	epoch       uint64
	ownerChunks map[string]OwnerChunks

	// Read-mostly participant snapshot, refreshed on a bounded interval
	// rather than recomputed per query. Writers bump gen lock-free so
	// cache invalidation never nests under r.mu.
	gen          atomic.Uint64
	cacheMu      sync.Mutex
	cachedActive []string
	cachedGen    uint64
	cachedAt     time.Time

	limiters *lru.Cache[string, *rate.Limiter]

	loadMu      sync.Mutex
	windowStart time.Time
	windowCount int
}

// New creates a registry replica.
func New(cfg Config) (*Registry, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("registry: node ID required")
	}
	if cfg.PowMaxAge == 0 {
		cfg.PowMaxAge = time.Hour
	}
	if cfg.ProbeSize == 0 && cfg.MinCapacity > 0 {
		cfg.ProbeSize = cfg.MinCapacity / 10
	}
	if cfg.QueryRate == 0 {
		cfg.QueryRate = 50
	}
	if cfg.QueryBurst == 0 {
		cfg.QueryBurst = 100
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 1000
	}
	if cfg.MigrationWindow == 0 {
		cfg.MigrationWindow = 24 * time.Hour
	}
	if cfg.CacheRefresh == 0 {
		cfg.CacheRefresh = 30 * time.Second
	}

	limiters, err := lru.New[string, *rate.Limiter](10000)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}

	return &Registry{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "registry").Logger(),
		shards:      []Directory{make(Directory)},
		ownerChunks: make(map[string]OwnerChunks),
		limiters:    limiters,
	}, nil
}

// Register admits a participant after the three independent checks:
// proof-of-work, capacity attestation and (for holder eligibility, later)
// reputation bootstrap. Writes target the new shard layout during a
// migration.
func (r *Registry) Register(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: empty entry", ErrRegistration)
	}

	if !VerifyPow(entry.ID, entry.PublicKey, entry.Proof, r.cfg.PowDifficulty, r.cfg.PowMaxAge) {
		r.logger.Warn().Str("participant", entry.ID).Msg("Registration rejected: invalid proof-of-work")
		return fmt.Errorf("%w: invalid proof-of-work", ErrRegistration)
	}

	if r.cfg.MinCapacity > 0 && entry.CapacityBucket < r.cfg.MinCapacity {
		return fmt.Errorf("%w: declared capacity %d below minimum %d", ErrRegistration, entry.CapacityBucket, r.cfg.MinCapacity)
	}

	// The probe is a remote attestation; a node registering itself
	// already controls its own store and is never probed over the wire.
	if r.cfg.Prober != nil && entry.ID != r.cfg.NodeID {
		if err := r.cfg.Prober.Probe(ctx, entry.ID, r.cfg.ProbeSize); err != nil {
			r.logger.Warn().Err(err).Str("participant", entry.ID).Msg("Registration rejected: storage probe failed")
			return fmt.Errorf("%w: storage probe: %v", ErrRegistration, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry.Copy()
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now().UTC()
	}
	if e.Clock == nil {
		e.Clock = NewVectorClock()
	}
	e.Clock.Increment(r.cfg.NodeID)

	shard := ShardFor(e.ID, len(r.shards))
	if existing, ok := r.shards[shard][e.ID]; ok {
		// Size-bucket change keeps the original registration time so
		// reputation age is not reset by re-registering.
		e.RegisteredAt = existing.RegisteredAt
		e.Clock = existing.Clock.Copy()
		e.Clock.Increment(r.cfg.NodeID)
	}
	r.shards[shard][e.ID] = e

	r.logger.Info().
		Str("participant", e.ID).
		Int("shard", shard).
		Int64("capacity", e.CapacityBucket).
		Msg("Participant registered")

	r.invalidateCache()
	r.maybeSplitLocked()
	return nil
}

// Deregister tombstones a departing participant. The record is kept so
// the departure wins merges against stale registrations.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shard := ShardFor(id, len(r.shards))
	e, ok := r.shards[shard][id]
	if !ok || e.Tombstone {
		return
	}

	e.Tombstone = true
	e.DepartedAt = time.Now().UTC()
	e.Clock.Increment(r.cfg.NodeID)

	r.logger.Info().Str("participant", id).Msg("Participant tombstoned")
	r.invalidateCache()
}

// Merge applies a remote shard snapshot. Every remote entry passes the
// same admission checks as a direct registration before it is merged;
// an unsolved identity cannot ride in on a peer's snapshot. Out-of-range
// shard indexes are answered with ErrShardUnavailable so callers can
// retry against the alternate layout.
func (r *Registry) Merge(shard int, remote Directory) error {
	vetted := r.vetDirectory(remote)

	r.mu.Lock()
	defer r.mu.Unlock()

	if shard < 0 || shard >= len(r.shards) {
		if shard >= 0 && shard < len(r.prevShards) && r.inMigrationWindowLocked() {
			r.prevShards[shard] = MergeDirectory(r.prevShards[shard], vetted)
			r.invalidateCache()
			return nil
		}
		return fmt.Errorf("%w: shard %d of %d", ErrShardUnavailable, shard, len(r.shards))
	}

	r.shards[shard] = MergeDirectory(r.shards[shard], vetted)
	r.invalidateCache()
	r.maybeSplitLocked()
	return nil
}

// vetDirectory drops remote entries that fail admission. Proof freshness
// is not re-checked: the proof is as old as the registration it was
// solved for, and replay is bounded at admission time.
func (r *Registry) vetDirectory(remote Directory) Directory {
	vetted := make(Directory, len(remote))
	for id, e := range remote {
		if e == nil || e.ID == "" {
			continue
		}
		if !VerifyPow(e.ID, e.PublicKey, e.Proof, r.cfg.PowDifficulty, 0) {
			r.logger.Warn().Str("participant", id).Msg("Merged entry dropped: invalid proof-of-work")
			continue
		}
		if !e.Tombstone && r.cfg.MinCapacity > 0 && e.CapacityBucket < r.cfg.MinCapacity {
			r.logger.Warn().Str("participant", id).Msg("Merged entry dropped: capacity below minimum")
			continue
		}
		vetted[id] = e
	}
	return vetted
}

// Snapshot exports one shard for substrate publication.
func (r *Registry) Snapshot(shard int) (Directory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if shard < 0 || shard >= len(r.shards) {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrShardUnavailable, shard, len(r.shards))
	}
	return r.shards[shard].Copy(), nil
}

// Lookup finds a participant entry, enforcing the per-source quota.
// During a migration window the previous layout is consulted as well, so
// participants present in only one layout are still found.
func (r *Registry) Lookup(source, id string) (*Entry, error) {
	if err := r.allow(source, true); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.shards[ShardFor(id, len(r.shards))][id]; ok {
		return e.Copy(), nil
	}
	if r.inMigrationWindowLocked() && len(r.prevShards) > 0 {
		if e, ok := r.prevShards[ShardFor(id, len(r.prevShards))][id]; ok {
			return e.Copy(), nil
		}
	}
	return nil, nil
}

// Participants returns the cached active participant list. The cache is
// refreshed on a bounded interval; callers never trigger a full scan per
// query.
func (r *Registry) Participants() []string {
	gen := r.gen.Load()

	r.cacheMu.Lock()
	if r.cachedActive != nil && r.cachedGen == gen && time.Since(r.cachedAt) < r.cfg.CacheRefresh {
		out := r.cachedActive
		r.cacheMu.Unlock()
		return out
	}
	r.cacheMu.Unlock()

	r.mu.RLock()
	merged := make(map[string]*Entry)
	for _, shard := range r.shards {
		for id, e := range shard {
			merged[id] = e
		}
	}
	if r.inMigrationWindowLocked() {
		for _, shard := range r.prevShards {
			for id, e := range shard {
				if existing, ok := merged[id]; ok {
					merged[id] = mergeEntry(existing, e)
				} else {
					merged[id] = e
				}
			}
		}
	}
	active := make([]string, 0, len(merged))
	for id, e := range merged {
		if !e.Tombstone {
			active = append(active, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(active)

	r.cacheMu.Lock()
	r.cachedActive = active
	r.cachedGen = gen
	r.cachedAt = time.Now()
	r.cacheMu.Unlock()
	return active
}

// EligibleHolders filters active participants through the reputation
// bootstrap gate: minimum age and minimum trust score. Fresh Sybil
// registrations are therefore worthless as holders for the bootstrap
// period.
func (r *Registry) EligibleHolders(now time.Time) []string {
	active := r.Participants()

	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := make([]string, 0, len(active))
	for _, id := range active {
		e, ok := r.shards[ShardFor(id, len(r.shards))][id]
		if !ok && r.inMigrationWindowLocked() && len(r.prevShards) > 0 {
			e, ok = r.prevShards[ShardFor(id, len(r.prevShards))][id]
		}
		if !ok || e.Tombstone {
			continue
		}
		if r.cfg.MinHolderAge > 0 && now.Sub(e.RegisteredAt) < r.cfg.MinHolderAge {
			continue
		}
		if r.cfg.Trust != nil && r.cfg.Trust.Score(id) < r.cfg.MinTrustScore {
			continue
		}
		eligible = append(eligible, id)
	}
	return eligible
}

// SetOwnerChunks records an owner's latest distributed version and chunk
// count in the global metadata.
func (r *Registry) SetOwnerChunks(ownerID string, version uint64, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownerChunks[ownerID] = OwnerChunks{Version: version, Count: count}
}

// SetEpoch records the current assignment epoch in the global metadata.
func (r *Registry) SetEpoch(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch = epoch
}

// MergeMetadata folds a peer's global record into the local one: the
// epoch and each owner's chunk record advance monotonically. A node that
// lost its local state relearns what it last distributed this way.
func (r *Registry) MergeMetadata(epoch uint64, counts map[string]OwnerChunks) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch > r.epoch {
		r.epoch = epoch
	}
	for id, oc := range counts {
		if cur, ok := r.ownerChunks[id]; !ok || oc.Version > cur.Version {
			r.ownerChunks[id] = oc
		}
	}
}

// Metadata returns the registry's global record. This is an essential
// read (recovery depends on it) and is never shed by the breaker.
func (r *Registry) Metadata() Metadata {
	participants := r.Participants()

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta := Metadata{
		ShardCount:       len(r.shards),
		Epoch:            r.epoch,
		ParticipantCount: len(participants),
		OwnerChunkCounts: make(map[string]OwnerChunks, len(r.ownerChunks)),
	}
	if r.inMigrationWindowLocked() {
		meta.PrevShardCount = len(r.prevShards)
		meta.MigrationStarted = r.migratedAt
	}
	for id, oc := range r.ownerChunks {
		meta.OwnerChunkCounts[id] = oc
	}
	return meta
}

// Stats is a non-essential read: above the breaker threshold it is shed
// with ErrRateLimited while registration and recovery reads keep working.
func (r *Registry) Stats(source string) (map[string]any, error) {
	if err := r.allow(source, false); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	total, tombstones := 0, 0
	for _, shard := range r.shards {
		for _, e := range shard {
			total++
			if e.Tombstone {
				tombstones++
			}
		}
	}

	return map[string]any{
		"shard_count":  len(r.shards),
		"participants": total - tombstones,
		"tombstones":   tombstones,
		"epoch":        r.epoch,
		"migrating":    r.inMigrationWindowLocked(),
	}, nil
}

// EndMigration closes the dual-read window explicitly. It is also closed
// implicitly once the window duration elapses.
func (r *Registry) EndMigration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prevShards = nil
	r.migratedAt = time.Time{}
	r.invalidateCache()
}

// inMigrationWindowLocked reports whether dual-read is active. Callers
// hold r.mu.
func (r *Registry) inMigrationWindowLocked() bool {
	return len(r.prevShards) > 0 && time.Since(r.migratedAt) < r.cfg.MigrationWindow
}

// maybeSplitLocked splits the shard layout when the participant count
// crosses the next threshold. Existing entries are rehashed into the new
// layout immediately; the old layout keeps answering reads for the
// migration window. Callers hold r.mu.
func (r *Registry) maybeSplitLocked() {
	count := 0
	for _, shard := range r.shards {
		for _, e := range shard {
			if !e.Tombstone {
				count++
			}
		}
	}

	target := ShardCountFor(count)
	if target <= len(r.shards) {
		return
	}

	old := r.shards
	next := make([]Directory, target)
	for i := range next {
		next[i] = make(Directory)
	}
	for _, shard := range old {
		for id, e := range shard {
			next[ShardFor(id, target)][id] = e
		}
	}

	r.prevShards = old
	r.shards = next
	r.migratedAt = time.Now()

	r.logger.Info().
		Int("participants", count).
		Int("old_shards", len(old)).
		Int("new_shards", target).
		Dur("window", r.cfg.MigrationWindow).
		Msg("Shard split started, dual-read window open")
}

// allow enforces the per-source quota and, for non-essential reads, the
// global circuit breaker.
func (r *Registry) allow(source string, essential bool) error {
	limiter, ok := r.limiters.Get(source)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.QueryRate), r.cfg.QueryBurst)
		r.limiters.Add(source, limiter)
	}
	if !limiter.Allow() {
		return fmt.Errorf("%w: source %s over quota", ErrRateLimited, source)
	}

	if essential {
		r.recordLoad()
		return nil
	}

	if r.recordLoad() > r.cfg.BreakerThreshold {
		return fmt.Errorf("%w: breaker open, non-essential reads shed", ErrRateLimited)
	}
	return nil
}

// recordLoad counts queries in a one-second window and returns the
// current window's count.
func (r *Registry) recordLoad() int {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.windowStart = now
		r.windowCount = 0
	}
	r.windowCount++
	return r.windowCount
}

func (r *Registry) invalidateCache() {
	r.gen.Add(1)
}

// ShardCount returns the current number of shards.
func (r *Registry) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}
