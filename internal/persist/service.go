// Package persist is the orchestration layer of the reciprocal
// persistence network: it owns the commit pipeline (gate, seal, split,
// assign, distribute, verify) and the recovery path, and wires the
// node's holder duties into the substrate.
package persist

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vouchmesh/vouchmesh/internal/chunk"
	"github.com/vouchmesh/vouchmesh/internal/config"
	"github.com/vouchmesh/vouchmesh/internal/distribute"
	"github.com/vouchmesh/vouchmesh/internal/health"
	"github.com/vouchmesh/vouchmesh/internal/metrics"
	"github.com/vouchmesh/vouchmesh/internal/recovery"
	"github.com/vouchmesh/vouchmesh/internal/registry"
	"github.com/vouchmesh/vouchmesh/internal/rendezvous"
	"github.com/vouchmesh/vouchmesh/internal/reputation"
	"github.com/vouchmesh/vouchmesh/internal/seal"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/internal/verify"
	"github.com/vouchmesh/vouchmesh/pkg/bytesize"
	"github.com/vouchmesh/vouchmesh/pkg/proto"
)

// registryTopic carries shard snapshot announcements.
const registryTopic = "vouchmesh/registry/v1"

// registryAnnouncement is one published shard snapshot. Owner chunk
// counts ride along so a node recovering from total loss relearns what
// it last distributed.
type registryAnnouncement struct {
	From        string                          `json:"from"`
	Shard       int                             `json:"shard"`
	Directory   json.RawMessage                 `json:"directory"`
	Epoch       uint64                          `json:"epoch"`
	OwnerChunks map[string]registry.OwnerChunks `json:"owner_chunks,omitempty"`
}

// Status is the owner-facing persistence summary.
type Status struct {
	Tier               string        `json:"tier"`
	SnapshotVersion    uint64        `json:"snapshot_version"`
	ChunksTotal        int           `json:"chunks_total"`
	FullyReplicated    int           `json:"fully_replicated"`
	LastCommitAge      time.Duration `json:"last_commit_age"`
	RecoveryConfidence float64       `json:"recovery_confidence"`
	ChunksHeld         int           `json:"chunks_held"`
	Participants       int           `json:"participants"`
}

// Service runs one node's persistence duties: committing its own state
// outward and holding chunk replicas for others.
type Service struct {
	cfg         *config.Config
	ownerID     string
	identityKey ed25519.PrivateKey
	logger      zerolog.Logger

	sub      substrate.Substrate
	exchange *substrate.Exchange
	client   *peerClient

	sealer  *seal.Sealer
	reg     *registry.Registry
	rep     *reputation.Tracker
	checker *verify.Verifier
	tracker *health.Tracker
	dist    *distribute.Distributor
	rec     *recovery.Orchestrator
	holder  *distribute.Holder
	epochs  *rendezvous.EpochTracker
	nm      *metrics.NodeMetrics

	mu         sync.Mutex
	lastResult *distribute.Result
	lastChunks []chunk.Chunk
	lastCommit time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a persistence service onto the given substrate.
func New(cfg *config.Config, identityKey ed25519.PrivateKey, sub substrate.Substrate, nm *metrics.NodeMetrics, logger zerolog.Logger) (*Service, error) {
	ownerID := config.Fingerprint(identityKey.Public().(ed25519.PublicKey))

	sealer, err := seal.NewSealer(identityKey)
	if err != nil {
		return nil, err
	}

	rep := reputation.New(reputation.Config{Logger: logger})

	minCapacity, err := bytesize.Parse(cfg.Registry.MinCapacity)
	if err != nil {
		return nil, fmt.Errorf("parse min_capacity: %w", err)
	}

	exchange := substrate.NewExchange(sub)
	client := newPeerClient(ownerID, exchange)

	reg, err := registry.New(registry.Config{
		NodeID:          ownerID,
		PowDifficulty:   cfg.Registry.PowDifficulty,
		MinCapacity:     minCapacity,
		MinHolderAge:    config.Duration(cfg.Registry.MinHolderAge),
		MinTrustScore:   cfg.Registry.MinTrustScore,
		QueryRate:       cfg.Registry.QueryRate,
		QueryBurst:      cfg.Registry.QueryBurst,
		MigrationWindow: config.Duration(cfg.Registry.MigrationWindow),
		CacheRefresh:    config.Duration(cfg.Persistence.RegistryRefresh),
		Prober:          &storageProber{client: client},
		Trust:           rep,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	checker, err := verify.New(verify.Config{
		Window:        config.Duration(cfg.Persistence.ChallengeWindow),
		SpotCheckRate: cfg.Persistence.SpotCheckRate,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	dist, err := distribute.New(distribute.Config{
		OwnerID:      ownerID,
		ReplicaCount: cfg.Persistence.ReplicaCount,
		MaxParallel:  cfg.Persistence.MaxParallelPush,
		PushRetries:  cfg.Persistence.PushRetries,
		PushTimeout:  config.Duration(cfg.Persistence.PushTimeout),
		Pusher:       client,
		Keys:         &registryKeys{nodeID: ownerID, registry: reg},
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	rec, err := recovery.New(recovery.Config{Fetcher: client, Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		ownerID:     ownerID,
		identityKey: identityKey,
		logger:      logger.With().Str("component", "persist").Logger(),
		sub:         sub,
		exchange:    exchange,
		client:      client,
		sealer:      sealer,
		reg:         reg,
		rep:         rep,
		checker:     checker,
		tracker:     health.NewTracker(cfg.Persistence.ReplicaCount, logger),
		dist:        dist,
		rec:         rec,
		holder:      distribute.NewHolder(ownerID, identityKey, sub, logger),
		epochs:      rendezvous.NewEpochTracker(cfg.Persistence.EpochChurningPct, logger),
		nm:          nm,
	}

	sub.SetHandler(s.handleMessage)
	return s, nil
}

// OwnerID returns this node's participant ID, derived from its identity
// key fingerprint.
func (s *Service) OwnerID() string {
	return s.ownerID
}

// Registry exposes the node's registry replica.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Join registers this node with the participant directory: it solves
// the admission proof-of-work, registers locally and announces the
// entry on the registry topic.
func (s *Service) Join(ctx context.Context, capacity int64) error {
	pub := config.EncodePublicKey(s.identityKey.Public().(ed25519.PublicKey))

	s.logger.Info().Int("difficulty", s.cfg.Registry.PowDifficulty).Msg("Solving admission proof-of-work")
	proof := registry.SolvePow(s.ownerID, pub, s.cfg.Registry.PowDifficulty)

	entry := &registry.Entry{
		ID:             s.ownerID,
		PublicKey:      pub,
		CapacityBucket: capacity,
		Proof:          proof,
	}
	if err := s.reg.Register(ctx, entry); err != nil {
		return err
	}
	return s.announce(ctx)
}

// Start launches the background loops: registry announcements and
// challenge expiry sweeps.
func (s *Service) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sub, err := s.sub.Subscribe(s.ctx, registryTopic)
	if err != nil {
		return fmt.Errorf("subscribe registry topic: %w", err)
	}

	s.wg.Add(3)
	go s.registryLoop(sub)
	go s.sweepLoop()
	go s.repairLoop()
	return nil
}

// Stop halts the background loops.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Commit seals raw state and replicates it: gate, seal, split, assign,
// distribute, spot-check, health update. The pipeline either leaves the
// snapshot fully replicated or reports why it could not.
func (s *Service) Commit(ctx context.Context, raw []byte) error {
	if err := s.tracker.Allow(); err != nil {
		s.nm.WritesBlocked.Inc()
		return err
	}

	snap, err := s.sealer.Seal(raw)
	if err != nil {
		return err
	}
	s.nm.SnapshotsSealed.Inc()
	s.nm.SnapshotBytes.Add(float64(len(raw)))
	s.nm.SnapshotVersion.Set(float64(snap.Version))

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	chunks := chunk.Split(blob, s.cfg.ChunkSizeBytes(), snap.Version)

	// The local replica. Remote holders provide the other two copies.
	for _, c := range chunks {
		if _, err := s.sub.Put(ctx, c.Data); err != nil {
			return fmt.Errorf("store local chunk %d: %w", c.Index, err)
		}
	}

	holders := s.reg.EligibleHolders(time.Now().UTC())
	participants := s.reg.Participants()
	epoch, bumped := s.epochs.Observe(len(participants))
	if bumped {
		s.reg.SetEpoch(epoch)
		s.nm.AssignmentEpoch.Set(float64(epoch))
	}

	result, distErr := s.dist.Distribute(ctx, snap.Version, chunks, holders, epoch)
	s.settle(ctx, result, distErr, chunks, s.othersOf(holders), len(participants))

	if distErr != nil {
		return fmt.Errorf("commit version %d: %w", snap.Version, distErr)
	}

	s.logger.Info().
		Uint64("version", snap.Version).
		Int("chunks", len(chunks)).
		Str("tier", s.tracker.State().String()).
		Msg("State committed")
	return nil
}

// Repair replays the last distribution round. It is the only way out of
// the degraded tier: promotion happens through a round that actually
// restores every chunk to the replica target.
func (s *Service) Repair(ctx context.Context) error {
	s.mu.Lock()
	chunks := s.lastChunks
	s.mu.Unlock()
	if len(chunks) == 0 {
		return nil
	}
	version := chunks[0].Version

	holders := s.reg.EligibleHolders(time.Now().UTC())
	participants := s.reg.Participants()
	epoch := s.epochs.Current()

	result, distErr := s.dist.Redistribute(ctx, version, chunks, holders, epoch)
	s.settle(ctx, result, distErr, chunks, s.othersOf(holders), len(participants))

	if distErr != nil {
		return fmt.Errorf("repair version %d: %w", version, distErr)
	}
	return nil
}

// settle applies one distribution round's outcome: metrics, reputation,
// health tier, registry metadata and an optional spot check.
func (s *Service) settle(ctx context.Context, result *distribute.Result, distErr error, chunks []chunk.Chunk, eligibleHolders, participants int) {
	if result != nil {
		s.nm.ChunksDistributed.Add(float64(len(result.Placements)))
		for _, p := range result.Placements {
			if p.Fallback {
				s.nm.PushFallbacks.Inc()
			}
			s.rep.RecordSuccess(p.HolderID)
		}
	}
	if distErr != nil {
		s.nm.DistributionErrors.Inc()
	}

	s.observeHealth(result, eligibleHolders, participants)

	s.mu.Lock()
	if result != nil {
		s.lastResult = result
	}
	s.lastChunks = chunks
	s.lastCommit = time.Now().UTC()
	s.mu.Unlock()

	if result == nil || len(result.Placements) == 0 {
		return
	}

	s.reg.SetOwnerChunks(s.ownerID, result.Version, len(chunks))
	if err := s.announce(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Registry announcement failed")
	}
	if s.checker.ShouldSpotCheck() {
		s.spotCheck(ctx, result, chunks)
	}
}

// Recover rebuilds state from the network after a total local loss and
// primes the sealer so the version chain continues.
func (s *Service) Recover(ctx context.Context) ([]byte, error) {
	s.nm.RecoveryAttempts.Inc()

	meta := s.reg.Metadata()
	oc, ok := meta.OwnerChunkCounts[s.ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: registry has no record for %s", recovery.ErrRecovery, s.ownerID)
	}

	raw, snap, err := s.rec.Recover(ctx, s.identityKey, recovery.Plan{
		OwnerID:      s.ownerID,
		Participants: s.reg.Participants(),
		Epoch:        meta.Epoch,
		Version:      oc.Version,
		ChunkCount:   oc.Count,
		ReplicaCount: s.cfg.Persistence.ReplicaCount,
	})
	if err != nil {
		return nil, err
	}

	s.sealer.Restore(snap)
	s.epochs.Restore(meta.Epoch, meta.ParticipantCount)
	s.nm.RecoverySuccesses.Inc()
	s.nm.SnapshotVersion.Set(float64(snap.Version))
	return raw, nil
}

// Status reports the owner-facing persistence summary.
func (s *Service) Status() Status {
	s.mu.Lock()
	result := s.lastResult
	lastCommit := s.lastCommit
	s.mu.Unlock()

	participants := s.reg.Participants()

	status := Status{
		Tier:            s.tracker.State().String(),
		SnapshotVersion: s.sealer.LastVersion(),
		ChunksHeld:      s.holder.Count(),
		Participants:    len(participants),
	}
	if !lastCommit.IsZero() {
		status.LastCommitAge = time.Since(lastCommit)
	}
	if result != nil {
		status.ChunksTotal = result.ChunkCount
		target := s.cfg.Persistence.ReplicaCount
		for i := 0; i < result.ChunkCount; i++ {
			if result.ReplicasFor(i) >= target {
				status.FullyReplicated++
			}
		}
		if result.ChunkCount > 0 {
			status.RecoveryConfidence = float64(status.FullyReplicated) / float64(result.ChunkCount)
		}
	}
	s.nm.RecoveryConfidence.Set(status.RecoveryConfidence)
	return status
}

// observeHealth recomputes the tier from a distribution outcome.
func (s *Service) observeHealth(result *distribute.Result, eligibleHolders, participants int) {
	obs := health.Observation{
		ReplicasByChunk: make(map[int]int),
		EligibleHolders: eligibleHolders,
		Participants:    participants,
	}
	if result != nil {
		for i := 0; i < result.ChunkCount; i++ {
			obs.ReplicasByChunk[i] = result.ReplicasFor(i)
		}
	}

	state := s.tracker.Recompute(obs)
	s.nm.PersistenceTier.Set(float64(state))
	s.nm.Participants.Set(float64(participants))
}

// HolderIndex exports the held-chunk index for persistence across
// restarts. The chunk bytes themselves live in the substrate store.
func (s *Service) HolderIndex() ([]byte, error) {
	return s.holder.Export()
}

// RestoreHolderIndex reloads a previously exported held-chunk index,
// dropping entries whose blobs did not survive.
func (s *Service) RestoreHolderIndex(ctx context.Context, data []byte) error {
	return s.holder.Import(ctx, data)
}

// othersOf counts eligible holders other than this node.
func (s *Service) othersOf(ids []string) int {
	n := 0
	for _, id := range ids {
		if id != s.ownerID {
			n++
		}
	}
	return n
}

// spotCheck challenges one random placement of the round just written
// and feeds the outcome into reputation.
func (s *Service) spotCheck(ctx context.Context, result *distribute.Result, chunks []chunk.Chunk) {
	p := result.Placements[rand.Intn(len(result.Placements))]
	if p.ChunkIndex >= len(chunks) {
		return
	}
	c := chunks[p.ChunkIndex]

	challenge, err := s.checker.Issue(c.Hash, c.Data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Spot check issue failed")
		return
	}
	s.nm.ChallengesIssued.Inc()

	reply, err := s.client.Challenge(ctx, p.HolderID, proto.ChallengePayload{
		Nonce:      challenge.Nonce,
		OwnerID:    s.ownerID,
		ChunkIndex: c.Index,
		ChunkHash:  c.Hash,
		Offset:     int(challenge.Offset),
		Length:     int(challenge.Length),
		IssuedAt:   challenge.IssuedAt,
	})
	if err != nil {
		s.failChallenge(p.HolderID, c.Index, err)
		return
	}

	if err := s.checker.Verify(challenge.Nonce, reply.Digest); err != nil {
		s.failChallenge(p.HolderID, c.Index, err)
		return
	}

	s.nm.ChallengesPassed.Inc()
	s.rep.RecordSuccess(p.HolderID)
}

func (s *Service) failChallenge(holderID string, index int, err error) {
	s.nm.ChallengesFailed.Inc()
	s.rep.RecordFailure(holderID)
	s.logger.Warn().
		Err(err).
		Str("holder", holderID).
		Int("chunk", index).
		Msg("Spot check failed")
}

// announce publishes every local shard snapshot on the registry topic.
func (s *Service) announce(ctx context.Context) error {
	meta := s.reg.Metadata()
	for shard := 0; shard < meta.ShardCount; shard++ {
		snapshot, err := s.reg.Snapshot(shard)
		if err != nil {
			return err
		}
		dir, err := registry.MarshalDirectory(snapshot)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(registryAnnouncement{
			From:        s.ownerID,
			Shard:       shard,
			Directory:   dir,
			Epoch:       meta.Epoch,
			OwnerChunks: meta.OwnerChunkCounts,
		})
		if err != nil {
			return fmt.Errorf("marshal announcement: %w", err)
		}
		if err := s.sub.Publish(ctx, registryTopic, payload); err != nil {
			return fmt.Errorf("publish shard %d: %w", shard, err)
		}
	}
	s.nm.RegistryShards.Set(float64(meta.ShardCount))
	return nil
}

// registryLoop periodically announces local shards and merges inbound
// announcements.
func (s *Service) registryLoop(inbound <-chan []byte) {
	defer s.wg.Done()

	interval := config.Duration(s.cfg.Persistence.RegistryRefresh)
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.announce(s.ctx); err != nil {
				s.logger.Debug().Err(err).Msg("Periodic registry announcement failed")
			}
		case payload, ok := <-inbound:
			if !ok {
				return
			}
			s.mergeAnnouncement(payload)
		}
	}
}

func (s *Service) mergeAnnouncement(payload []byte) {
	var ann registryAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		s.logger.Debug().Err(err).Msg("Malformed registry announcement")
		return
	}
	if ann.From == s.ownerID {
		return
	}

	dir, err := registry.UnmarshalDirectory(ann.Directory)
	if err != nil {
		s.logger.Debug().Err(err).Str("from", ann.From).Msg("Malformed shard snapshot")
		return
	}
	if err := s.reg.Merge(ann.Shard, dir); err != nil {
		s.logger.Debug().Err(err).Str("from", ann.From).Int("shard", ann.Shard).Msg("Shard merge rejected")
		return
	}
	s.reg.MergeMetadata(ann.Epoch, ann.OwnerChunks)
}

// repairLoop replays the last round while the tier is degraded.
func (s *Service) repairLoop() {
	defer s.wg.Done()

	interval := config.Duration(s.cfg.Persistence.RegistryRefresh)
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.tracker.State() != health.Degraded {
				continue
			}
			if err := s.Repair(s.ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Repair round failed")
			}
		}
	}
}

// sweepLoop expires unanswered challenges; each one counts as a holder
// failure.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for range s.checker.Expire() {
				s.nm.ChallengesFailed.Inc()
			}
			s.nm.ChunksHeld.Set(float64(s.holder.Count()))
		}
	}
}

// handleMessage dispatches inbound substrate traffic: replies resolve
// pending requests; everything else is holder or registry duty.
func (s *Service) handleMessage(from string, msg *proto.Message) error {
	if s.exchange.Resolve(msg) {
		return nil
	}

	ctx := context.Background()

	switch msg.Type {
	case proto.MessageTypeChunkPush:
		var push proto.ChunkPushPayload
		if err := msg.Decode(proto.MessageTypeChunkPush, &push); err != nil {
			return err
		}
		reply, err := s.holder.Accept(ctx, msg.ID, push)
		if err != nil {
			return err
		}
		if reply.Error == "" {
			s.nm.ChunksAccepted.Inc()
		} else {
			s.nm.ChunksRefused.Inc()
		}
		s.nm.ChunksHeld.Set(float64(s.holder.Count()))
		return s.reply(ctx, from, msg.ID, proto.MessageTypeAttestation, reply)

	case proto.MessageTypeChunkFetch:
		var fetch proto.ChunkFetchPayload
		if err := msg.Decode(proto.MessageTypeChunkFetch, &fetch); err != nil {
			return err
		}
		reply := s.holder.Serve(ctx, msg.ID, fetch)
		if reply.Error == "" {
			s.nm.ChunksServed.Inc()
		}
		return s.reply(ctx, from, msg.ID, proto.MessageTypeChunkFetchResponse, reply)

	case proto.MessageTypeChallenge:
		var challenge proto.ChallengePayload
		if err := msg.Decode(proto.MessageTypeChallenge, &challenge); err != nil {
			return err
		}
		reply, err := s.holder.Answer(ctx, challenge)
		if err != nil {
			return err
		}
		return s.reply(ctx, from, msg.ID, proto.MessageTypeChallengeResponse, reply)

	case proto.MessageTypeStorageProbe:
		var probe proto.StorageProbePayload
		if err := msg.Decode(proto.MessageTypeStorageProbe, &probe); err != nil {
			return err
		}
		return s.answerProbe(ctx, from, msg.ID, probe)

	case proto.MessageTypeRegistryUpdate:
		var update proto.RegistryUpdatePayload
		if err := msg.Decode(proto.MessageTypeRegistryUpdate, &update); err != nil {
			return err
		}
		dir, err := registry.UnmarshalDirectory(update.Entry)
		if err != nil {
			return err
		}
		if err := s.reg.Merge(update.Shard, dir); err != nil {
			return err
		}
		s.reg.MergeMetadata(update.Epoch, nil)
		return nil

	default:
		return fmt.Errorf("persist: unhandled message type %s", msg.Type)
	}
}

func (s *Service) reply(ctx context.Context, to, id string, msgType proto.MessageType, payload any) error {
	msg, err := proto.New(msgType, id, s.ownerID, payload)
	if err != nil {
		return err
	}
	return s.sub.Send(ctx, to, msg)
}

// answerProbe writes the derived probe blob into the local store and
// returns its digest, demonstrating the node can actually store the
// probe size.
func (s *Service) answerProbe(ctx context.Context, from, id string, probe proto.StorageProbePayload) error {
	blob := probeBlob(probe.Nonce, probe.ProbeSize)
	if _, err := s.sub.Put(ctx, blob); err != nil {
		return fmt.Errorf("store probe blob: %w", err)
	}

	return s.reply(ctx, from, id, proto.MessageTypeChallengeResponse, proto.ChallengeResponsePayload{
		Nonce:      probe.Nonce,
		HolderID:   s.ownerID,
		Digest:     chunk.HashBytes(blob),
		AnsweredAt: time.Now().UTC(),
	})
}

// probeBlob derives a deterministic pseudorandom blob from the probe
// nonce, so prover and verifier agree on the expected digest.
func probeBlob(nonce string, size int64) []byte {
	if size <= 0 {
		return nil
	}
	blob := make([]byte, 0, size)
	block := sha256.Sum256([]byte(nonce))
	for int64(len(blob)) < size {
		block = sha256.Sum256(block[:])
		blob = append(blob, block[:]...)
	}
	return blob[:size]
}

// storageProber is the registry's capacity attestation: it asks the
// registrant to materialize and hash a derived blob of the probe size.
type storageProber struct {
	client *peerClient
}

func (p *storageProber) Probe(ctx context.Context, participantID string, probeSize int64) error {
	nonce := distribute.RequestID()

	msg, err := proto.New(proto.MessageTypeStorageProbe, nonce, p.client.nodeID, proto.StorageProbePayload{
		Nonce:     nonce,
		ProbeSize: probeSize,
	})
	if err != nil {
		return err
	}

	reply, err := p.client.exchange.Request(ctx, participantID, msg)
	if err != nil {
		return err
	}

	var answer proto.ChallengeResponsePayload
	if err := reply.Decode(proto.MessageTypeChallengeResponse, &answer); err != nil {
		return err
	}

	expected := chunk.HashBytes(probeBlob(nonce, probeSize))
	if answer.Digest != expected {
		return fmt.Errorf("probe digest mismatch")
	}
	return nil
}
