package backend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/types"
)

const defaultRetention = 7 * 24 * time.Hour

// Store caches completed proofs on disk, keyed by witness digest. Requeued
// tasks and agent restarts hit the cache instead of recomputing, which
// matters because a proof can take hours. Entries past the retention window
// are pruned on a timer.
type Store struct {
	log       log.Logger
	dir       string
	retention time.Duration
	cancel    context.CancelFunc
}

type storedProof struct {
	Kind    types.ProofKind `json:"kind"`
	Seal    hexutil.Bytes   `json:"seal"`
	Journal hexutil.Bytes   `json:"journal"`
}

func NewStore(logger log.Logger, dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "proof-cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		log:       logger.New("component", "proof-store"),
		dir:       dir,
		retention: defaultRetention,
		cancel:    cancel,
	}
	go s.pruneLoop(ctx, 10*time.Minute)
	return s, nil
}

func (s *Store) Close() {
	s.cancel()
}

// Find loads a cached proof for the witness digest, if present and readable.
func (s *Store) Find(witness common.Hash) (types.Proof, bool) {
	data, err := os.ReadFile(s.path(witness))
	if err != nil {
		return types.Proof{}, false
	}
	var stored storedProof
	if err := json.Unmarshal(data, &stored); err != nil {
		s.log.Warn("Discarding unreadable cached proof", "witness", witness, "err", err)
		_ = os.Remove(s.path(witness))
		return types.Proof{}, false
	}
	return types.Proof{Kind: stored.Kind, Seal: stored.Seal, Journal: stored.Journal}, true
}

// Save caches a completed proof. Cache write failures are logged and
// swallowed: the proof is already in hand.
func (s *Store) Save(witness common.Hash, proof types.Proof) {
	data, err := json.Marshal(storedProof{Kind: proof.Kind, Seal: proof.Seal, Journal: proof.Journal})
	if err != nil {
		s.log.Warn("Failed to encode proof for cache", "witness", witness, "err", err)
		return
	}
	if err := os.WriteFile(s.path(witness), data, 0o644); err != nil {
		s.log.Warn("Failed to cache proof", "witness", witness, "err", err)
	}
}

func (s *Store) path(witness common.Hash) string {
	return filepath.Join(s.dir, witness.Hex()+".json")
}

func (s *Store) pruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.pruneBefore(time.Now().Add(-s.retention)); n > 0 {
				s.log.Info("Pruned expired cached proofs", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) pruneBefore(cutoff time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("Failed to scan proof cache", "err", err)
		return 0
	}
	pruned := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.Warn("Failed to prune cached proof", "file", entry.Name(), "err", err)
		} else {
			pruned++
		}
	}
	return pruned
}
