package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/risc0/kailua-validator/validator/types"
)

// LocalBackend computes proofs by invoking the host binary on this machine.
// Host invocations for proving are capped by MaxHosts on top of the
// scheduler's proving-stage bound; proof computation saturates a machine, so
// the default cap is one.
type LocalBackend struct {
	log   log.Logger
	cfg   Config
	host  *hostRunner
	hosts *semaphore.Weighted
	store *Store
}

// proofFile is the host's prove-mode output format.
type proofFile struct {
	Seal    hexutil.Bytes `json:"seal"`
	Journal hexutil.Bytes `json:"journal"`
}

func (b *LocalBackend) Preflight(ctx context.Context, subject types.Subject) (types.Witness, error) {
	return b.host.Preflight(ctx, subject)
}

func (b *LocalBackend) Prove(ctx context.Context, witness types.Witness) (types.Proof, error) {
	if err := checkWitnessSize(witness, b.cfg.MaxWitnessSize); err != nil {
		return types.Proof{}, err
	}
	if proof, ok := b.store.Find(witness.Digest); ok {
		b.log.Info("Proof cache hit", "subject", witness.Subject, "witness", witness.Digest)
		proof.Subject = witness.Subject
		return proof, nil
	}

	if err := b.hosts.Acquire(ctx, 1); err != nil {
		return types.Proof{}, err
	}
	defer b.hosts.Release(1)

	dir := filepath.Join(b.cfg.DataDir, "proofs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Proof{}, fmt.Errorf("failed to create proof dir: %w", err)
	}
	outPath := filepath.Join(dir, witness.Digest.Hex()+".json")
	if err := b.host.Prove(ctx, witness, outPath); err != nil {
		return types.Proof{}, err
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return types.Proof{}, fmt.Errorf("failed to read proof output %s: %w", outPath, err)
	}
	var out proofFile
	if err := json.Unmarshal(data, &out); err != nil {
		return types.Proof{}, fmt.Errorf("failed to decode proof output %s: %w", outPath, err)
	}

	proof := types.Proof{
		Subject: witness.Subject,
		Kind:    witness.Subject.Kind,
		Seal:    out.Seal,
		Journal: out.Journal,
	}
	b.store.Save(witness.Digest, proof)
	return proof, nil
}
