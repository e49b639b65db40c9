// Package scheduler owns the proving pipeline: a bounded-concurrency state
// machine that turns disputes and fast-forward candidates into witnesses,
// proofs, and on-chain submissions.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/classifier"
	"github.com/risc0/kailua-validator/validator/types"
)

// Backend computes witnesses and proofs. Backend calls are not preemptible:
// cancellation is only observed between stages.
type Backend interface {
	Preflight(ctx context.Context, subject types.Subject) (types.Witness, error)
	Prove(ctx context.Context, witness types.Witness) (types.Proof, error)
}

// ProofSubmitter publishes a completed proof on-chain. A nil error means
// the submission was confirmed.
type ProofSubmitter interface {
	Submit(ctx context.Context, proof types.Proof) (types.TxOutcome, error)
}

// Resolver is the tracker-facing feedback channel: liveness checks before
// each stage and resolution on confirmed submissions.
type Resolver interface {
	SubjectLive(subject types.Subject) bool
	ResolveSubject(subject types.Subject, kind types.ProofKind)
}

type Metrics interface {
	RecordTaskStage(kind types.ProofKind, stage types.TaskStage)
	RecordTaskRetry(kind types.ProofKind)
	RecordTaskFailure(kind types.ProofKind, reason string)
}

type Config struct {
	// MaxPreflights bounds tasks simultaneously in the preflighting stage.
	MaxPreflights int64
	// MaxProofs bounds tasks simultaneously in the proving stage. The local
	// backend applies its own host-process sub-bound underneath this.
	MaxProofs int64
	// MaxAttempts bounds retries of a failed task before it is reported and
	// tombstoned.
	MaxAttempts int
	// SkipDerivationProof short-circuits witness-ready straight to
	// proof-ready with an unsealed proof. Only test deployments accept those.
	SkipDerivationProof bool
}

type task struct {
	subject  types.Subject
	stage    types.TaskStage
	attempts int
	lastErr  error
}

// Scheduler runs one goroutine per live proving task. Stage capacity is
// enforced with independent fault-priority pools so cheap data preflights
// never queue behind expensive proof computations, and a waiting fault task
// is always admitted before waiting validity tasks. The tasks map holds the
// at-most-one-task-per-subject invariant: terminal entries stay behind as
// tombstones so settled subjects are never re-proven.
type Scheduler struct {
	log       log.Logger
	metrics   Metrics
	cfg       Config
	backend   Backend
	submitter ProofSubmitter
	resolver  Resolver
	clock     clock.Clock
	backoff   retry.Strategy

	preflights *pool
	proofs     *pool

	mu    sync.Mutex
	tasks map[types.SubjectID]*task
	wg    sync.WaitGroup
}

func New(logger log.Logger, m Metrics, cfg Config, backend Backend, submitter ProofSubmitter, resolver Resolver) *Scheduler {
	return &Scheduler{
		log:        logger,
		metrics:    m,
		cfg:        cfg,
		backend:    backend,
		submitter:  submitter,
		resolver:   resolver,
		clock:      clock.SystemClock,
		backoff:    retry.Exponential(),
		preflights: newPool(cfg.MaxPreflights),
		proofs:     newPool(cfg.MaxProofs),
		tasks:      make(map[types.SubjectID]*task),
	}
}

// WithClock swaps the scheduler clock. Test hook.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Sync reconciles the scheduler against one classifier result, creating a
// task for every subject that does not already have one. Fault tasks take
// priority over validity tasks at every pool admission, launch order aside.
func (s *Scheduler) Sync(ctx context.Context, result classifier.Result) {
	for _, d := range result.Disputes {
		d := d
		s.spawn(ctx, types.Subject{ID: d.Subject(), Epoch: d.Epoch, Dispute: &d})
	}
	for _, c := range result.FastForward {
		c := c
		s.spawn(ctx, types.Subject{ID: c.Subject(), Epoch: c.Epoch, FastForward: &c})
	}
}

// Wait blocks until every task goroutine has returned. Call after cancelling
// the context passed to Sync.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// StageCounts reports how many tasks are in each stage, tombstones included.
func (s *Scheduler) StageCounts() map[types.TaskStage]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[types.TaskStage]int)
	for _, t := range s.tasks {
		counts[t.stage]++
	}
	return counts
}

// TaskStage returns the current stage of the subject's task, if any.
func (s *Scheduler) TaskStage(id types.SubjectID) (types.TaskStage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, false
	}
	return t.stage, true
}

func (s *Scheduler) spawn(ctx context.Context, subject types.Subject) {
	s.mu.Lock()
	if _, ok := s.tasks[subject.ID]; ok {
		s.mu.Unlock()
		return
	}
	t := &task{subject: subject, stage: types.StageQueued}
	s.tasks[subject.ID] = t
	s.mu.Unlock()

	s.log.Info("Created proving task", "subject", subject.ID, "epoch", subject.Epoch)
	s.metrics.RecordTaskStage(subject.ID.Kind, types.StageQueued)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, t)
	}()
}

// run drives one task through the pipeline until it is done, tombstoned, or
// dropped. Liveness is checked at every stage boundary, never mid-call.
func (s *Scheduler) run(ctx context.Context, t *task) {
	kind := t.subject.ID.Kind
	for {
		if !s.live(ctx, t) {
			return
		}

		// preflighting, bounded.
		if err := s.preflights.Acquire(ctx, kind); err != nil {
			s.drop(t, "shutdown")
			return
		}
		if !s.live(ctx, t) {
			s.preflights.Release()
			return
		}
		s.setStage(t, types.StagePreflighting)
		witness, err := s.backend.Preflight(ctx, t.subject)
		s.preflights.Release()
		if err != nil {
			if !s.requeue(ctx, t, err) {
				return
			}
			continue
		}
		s.setStage(t, types.StageWitnessReady)

		var proof types.Proof
		if s.cfg.SkipDerivationProof {
			proof = types.Proof{Subject: t.subject.ID, Kind: kind, Journal: witness.Digest.Bytes()}
		} else {
			if !s.live(ctx, t) {
				return
			}
			if err := s.proofs.Acquire(ctx, kind); err != nil {
				s.drop(t, "shutdown")
				return
			}
			if !s.live(ctx, t) {
				s.proofs.Release()
				return
			}
			s.setStage(t, types.StageProving)
			proof, err = s.backend.Prove(ctx, witness)
			s.proofs.Release()
			if errors.Is(err, types.ErrWitnessTooLarge) {
				// Witness size is fixed by chain data. Retrying would
				// resubmit the identical oversized witness.
				s.fail(t, err)
				return
			}
			if err != nil {
				if !s.requeue(ctx, t, err) {
					return
				}
				continue
			}
		}
		s.setStage(t, types.StageProofReady)

		if !s.live(ctx, t) {
			return
		}
		s.setStage(t, types.StageSubmitting)
		if outcome, err := s.submitter.Submit(ctx, proof); err != nil {
			if ctx.Err() != nil {
				s.drop(t, "shutdown")
				return
			}
			s.log.Warn("Proof submission unsuccessful", "subject", t.subject.ID, "outcome", outcome)
			if !s.requeue(ctx, t, err) {
				return
			}
			continue
		}

		s.setStage(t, types.StageDone)
		s.resolver.ResolveSubject(t.subject, kind)
		s.log.Info("Proving task complete", "subject", t.subject.ID, "attempts", t.attempts+1)
		return
	}
}

// live checks the stage-boundary drop conditions: shutdown, stale epoch, or
// a subject settled by another party. Dropped tasks are removed from the map
// without a tombstone; staleness is not a failure.
func (s *Scheduler) live(ctx context.Context, t *task) bool {
	if ctx.Err() != nil {
		s.drop(t, "shutdown")
		return false
	}
	if !s.resolver.SubjectLive(t.subject) {
		s.drop(t, "subject gone")
		return false
	}
	return true
}

// requeue applies the retry policy after a stage error. Returns false when
// the task has been tombstoned or dropped.
func (s *Scheduler) requeue(ctx context.Context, t *task, err error) bool {
	t.lastErr = err
	t.attempts++
	if t.attempts >= s.cfg.MaxAttempts {
		s.fail(t, err)
		return false
	}
	s.setStage(t, types.StageFailed)
	s.metrics.RecordTaskRetry(t.subject.ID.Kind)
	s.log.Warn("Proving task failed, requeueing",
		"subject", t.subject.ID, "attempts", t.attempts, "err", err)
	select {
	case <-s.clock.After(s.backoff.Duration(t.attempts)):
	case <-ctx.Done():
		s.drop(t, "shutdown")
		return false
	}
	if !s.live(ctx, t) {
		return false
	}
	s.setStage(t, types.StageQueued)
	return true
}

// fail tombstones a task after a terminal error. The tombstone keeps the
// subject from being re-proven in a hot loop; it is surfaced to the operator
// via logs and metrics, never by halting the agent.
func (s *Scheduler) fail(t *task, err error) {
	t.lastErr = err
	s.setStage(t, types.StageFailed)
	s.metrics.RecordTaskFailure(t.subject.ID.Kind, err.Error())
	s.log.Error("Proving task failed terminally",
		"subject", t.subject.ID, "attempts", t.attempts, "err", err)
}

func (s *Scheduler) drop(t *task, reason string) {
	s.mu.Lock()
	delete(s.tasks, t.subject.ID)
	s.mu.Unlock()
	s.log.Info("Dropped proving task", "subject", t.subject.ID, "reason", reason)
}

func (s *Scheduler) setStage(t *task, stage types.TaskStage) {
	s.mu.Lock()
	t.stage = stage
	s.mu.Unlock()
	s.metrics.RecordTaskStage(t.subject.ID.Kind, stage)
}
