// Package backend adapts the proof-computation capability behind a uniform
// {Preflight, Prove} contract. Two variants exist: a local backend that
// drives the kailua-host binary, and a delegated backend that submits
// witnesses to a remote proving service. Both preflight locally, since
// witness assembly needs the local chain endpoints.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/risc0/kailua-validator/validator/types"
)

// ProvingBackend is the adapter contract the scheduler dispatches to.
type ProvingBackend interface {
	Preflight(ctx context.Context, subject types.Subject) (types.Witness, error)
	Prove(ctx context.Context, witness types.Witness) (types.Proof, error)
}

type Config struct {
	// HostBinary is the path to the kailua-host proof-computation binary.
	HostBinary string
	// Endpoints handed through to the host binary, which fetches its own
	// chain data (including beacon blobs) during preflight.
	EthRPCURL    string
	BeaconRPCURL string
	OpGethURL    string
	OpNodeURL    string
	// DataDir holds witness files and the proof cache.
	DataDir string
	// SegmentLimit chunks local proof computation. No effect on the
	// delegated backend.
	SegmentLimit int
	// MaxWitnessSize is the hard witness-size reject applied in Prove.
	MaxWitnessSize uint64
	// MaxHosts bounds concurrent host-process invocations for local proving.
	MaxHosts int64
	// ProverAPIURL selects the delegated backend when non-empty.
	ProverAPIURL string
	ProverAPIKey string
	// PollInterval paces delegated proof-status polling.
	PollInterval time.Duration
}

func (c Config) delegated() bool {
	return c.ProverAPIURL != ""
}

// New selects and constructs the configured backend variant.
func New(logger log.Logger, cfg Config, store *Store) (ProvingBackend, error) {
	if cfg.HostBinary == "" {
		return nil, fmt.Errorf("proving backend requires a host binary for preflight")
	}
	host := newHostRunner(logger, cfg)
	if cfg.delegated() {
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = 2 * time.Second
		}
		return &DelegatedBackend{
			log:   logger.New("backend", "delegated"),
			cfg:   cfg,
			host:  host,
			api:   newProverClient(cfg.ProverAPIURL, cfg.ProverAPIKey),
			store: store,
		}, nil
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = 1
	}
	return &LocalBackend{
		log:   logger.New("backend", "local"),
		cfg:   cfg,
		host:  host,
		hosts: semaphore.NewWeighted(cfg.MaxHosts),
		store: store,
	}, nil
}

// checkWitnessSize applies the hard witness-size limit shared by both
// variants.
func checkWitnessSize(w types.Witness, limit uint64) error {
	if w.Size > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", types.ErrWitnessTooLarge, w.Size, limit)
	}
	return nil
}
