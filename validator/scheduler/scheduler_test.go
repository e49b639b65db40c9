package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/clock"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/risc0/kailua-validator/validator/classifier"
	"github.com/risc0/kailua-validator/validator/types"
)

type fakeBackend struct {
	mu             sync.Mutex
	preflightCalls int
	proveCalls     int
	active         int
	maxActive      int

	// gate, when set, blocks preflights until released.
	gate chan struct{}
	// preflightFailures errors out the first N preflight calls.
	preflightFailures int
	proveErr          error
}

func (b *fakeBackend) Preflight(ctx context.Context, subject types.Subject) (types.Witness, error) {
	b.mu.Lock()
	b.preflightCalls++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	fail := b.preflightFailures > 0
	if fail {
		b.preflightFailures--
	}
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	if fail {
		return types.Witness{}, errors.New("preflight rpc failure")
	}
	return types.Witness{
		Subject: subject.ID,
		Path:    "witness.bin",
		Size:    64,
		Digest:  common.Hash{0xcc},
	}, nil
}

func (b *fakeBackend) Prove(_ context.Context, witness types.Witness) (types.Proof, error) {
	b.mu.Lock()
	b.proveCalls++
	err := b.proveErr
	b.mu.Unlock()
	if err != nil {
		return types.Proof{}, err
	}
	return types.Proof{
		Subject: witness.Subject,
		Seal:    []byte{0x5e, 0xa1},
		Journal: witness.Digest.Bytes(),
	}, nil
}

func (b *fakeBackend) stats() (preflights, proves, maxActive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preflightCalls, b.proveCalls, b.maxActive
}

type fakeSubmitter struct {
	mu       sync.Mutex
	proofs   []types.Proof
	outcome  types.TxOutcome
	err      error
	failures int
}

func (s *fakeSubmitter) Submit(_ context.Context, proof types.Proof) (types.TxOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return types.OutcomeTimedOut, errors.New("submission timed out")
	}
	if s.err != nil {
		return s.outcome, s.err
	}
	s.proofs = append(s.proofs, proof)
	return types.OutcomeConfirmed, nil
}

func (s *fakeSubmitter) submitted() []types.Proof {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Proof(nil), s.proofs...)
}

type fakeResolver struct {
	mu       sync.Mutex
	dead     map[types.SubjectID]bool
	resolved []types.SubjectID
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{dead: make(map[types.SubjectID]bool)}
}

func (r *fakeResolver) SubjectLive(subject types.Subject) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead[subject.ID]
}

func (r *fakeResolver) ResolveSubject(subject types.Subject, _ types.ProofKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, subject.ID)
	r.dead[subject.ID] = true
}

func (r *fakeResolver) resolvedSubjects() []types.SubjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.SubjectID(nil), r.resolved...)
}

type stubMetrics struct{}

func (stubMetrics) RecordTaskStage(types.ProofKind, types.TaskStage) {}
func (stubMetrics) RecordTaskRetry(types.ProofKind)                  {}
func (stubMetrics) RecordTaskFailure(types.ProofKind, string)        {}

func dispute(n byte) types.Dispute {
	return types.Dispute{
		ID:         types.DisputeID(common.Hash{n}, common.Hash{n + 1}),
		Incumbent:  common.Hash{n},
		Challenger: common.Hash{n + 1},
		Epoch:      1,
	}
}

func defaultConfig() Config {
	return Config{MaxPreflights: 4, MaxProofs: 2, MaxAttempts: 3}
}

func newTestScheduler(t *testing.T, cfg Config, b Backend, sub ProofSubmitter, r Resolver) *Scheduler {
	return New(testlog.Logger(t, log.LvlDebug), stubMetrics{}, cfg, b, sub, r)
}

func TestPipelineHappyPath(t *testing.T) {
	backend := &fakeBackend{}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	s := newTestScheduler(t, defaultConfig(), backend, sub, resolver)

	d := dispute(1)
	s.Sync(context.Background(), classifier.Result{Disputes: []types.Dispute{d}})
	s.Wait()

	stage, ok := s.TaskStage(d.Subject())
	require.True(t, ok)
	require.Equal(t, types.StageDone, stage)
	require.Equal(t, []types.SubjectID{d.Subject()}, resolver.resolvedSubjects())

	proofs := sub.submitted()
	require.Len(t, proofs, 1)
	require.Equal(t, d.Subject(), proofs[0].Subject)
	require.NotEmpty(t, proofs[0].Seal)
}

func TestAtMostOneTaskPerSubject(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	s := newTestScheduler(t, defaultConfig(), backend, sub, resolver)

	d := dispute(1)
	result := classifier.Result{Disputes: []types.Dispute{d}}
	ctx := context.Background()
	s.Sync(ctx, result)
	s.Sync(ctx, result)
	s.Sync(ctx, result)

	require.Eventually(t, func() bool {
		calls, _, _ := backend.stats()
		return calls == 1
	}, 10*time.Second, 10*time.Millisecond)

	close(backend.gate)
	s.Wait()

	calls, _, _ := backend.stats()
	require.Equal(t, 1, calls)
	require.Len(t, resolver.resolvedSubjects(), 1)
}

func TestPreflightConcurrencyBound(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	cfg := defaultConfig()
	cfg.MaxPreflights = 2
	s := newTestScheduler(t, cfg, backend, sub, resolver)

	var disputes []types.Dispute
	for n := byte(1); n <= 5; n++ {
		disputes = append(disputes, dispute(n * 2))
	}
	s.Sync(context.Background(), classifier.Result{Disputes: disputes})

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.active == 2
	}, 10*time.Second, 10*time.Millisecond)

	close(backend.gate)
	s.Wait()

	calls, _, maxActive := backend.stats()
	require.Equal(t, 5, calls)
	require.Equal(t, 2, maxActive)
	require.Len(t, sub.submitted(), 5)
}

func TestWitnessTooLargeIsTerminal(t *testing.T) {
	backend := &fakeBackend{proveErr: fmt.Errorf("prove: %w", types.ErrWitnessTooLarge)}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	s := newTestScheduler(t, defaultConfig(), backend, sub, resolver)

	d := dispute(1)
	result := classifier.Result{Disputes: []types.Dispute{d}}
	s.Sync(context.Background(), result)
	s.Wait()

	stage, ok := s.TaskStage(d.Subject())
	require.True(t, ok)
	require.Equal(t, types.StageFailed, stage)
	require.Empty(t, sub.submitted())

	// The tombstone keeps the subject from being re-proven.
	s.Sync(context.Background(), result)
	s.Wait()
	_, proves, _ := backend.stats()
	require.Equal(t, 1, proves)
}

func TestRetryAfterTransientFailure(t *testing.T) {
	backend := &fakeBackend{preflightFailures: 1}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	s := newTestScheduler(t, defaultConfig(), backend, sub, resolver)
	dc := clock.NewDeterministicClock(time.UnixMilli(0))
	s.WithClock(dc)

	d := dispute(1)
	s.Sync(context.Background(), classifier.Result{Disputes: []types.Dispute{d}})

	// The first preflight fails and the task parks on the backoff timer.
	require.True(t, dc.WaitForNewPendingTaskWithTimeout(10*time.Second))
	dc.AdvanceTime(time.Minute)
	s.Wait()

	stage, ok := s.TaskStage(d.Subject())
	require.True(t, ok)
	require.Equal(t, types.StageDone, stage)
	calls, _, _ := backend.stats()
	require.Equal(t, 2, calls)
	require.Len(t, sub.submitted(), 1)
}

func TestExhaustedRetriesTombstone(t *testing.T) {
	backend := &fakeBackend{preflightFailures: 10}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	cfg := defaultConfig()
	cfg.MaxAttempts = 1
	s := newTestScheduler(t, cfg, backend, sub, resolver)

	d := dispute(1)
	s.Sync(context.Background(), classifier.Result{Disputes: []types.Dispute{d}})
	s.Wait()

	stage, ok := s.TaskStage(d.Subject())
	require.True(t, ok)
	require.Equal(t, types.StageFailed, stage)
	require.Empty(t, resolver.resolvedSubjects())
}

func TestDeadSubjectIsDropped(t *testing.T) {
	backend := &fakeBackend{}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	s := newTestScheduler(t, defaultConfig(), backend, sub, resolver)

	d := dispute(1)
	resolver.dead[d.Subject()] = true
	s.Sync(context.Background(), classifier.Result{Disputes: []types.Dispute{d}})
	s.Wait()

	// Dropped tasks leave no tombstone behind.
	_, ok := s.TaskStage(d.Subject())
	require.False(t, ok)
	calls, _, _ := backend.stats()
	require.Zero(t, calls)
}

func TestSkipDerivationProof(t *testing.T) {
	backend := &fakeBackend{}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	cfg := defaultConfig()
	cfg.SkipDerivationProof = true
	s := newTestScheduler(t, cfg, backend, sub, resolver)

	c := types.FastForwardCandidate{Proposal: common.Hash{7}, Epoch: 1}
	s.Sync(context.Background(), classifier.Result{FastForward: []types.FastForwardCandidate{c}})
	s.Wait()

	_, proves, _ := backend.stats()
	require.Zero(t, proves)
	proofs := sub.submitted()
	require.Len(t, proofs, 1)
	require.Empty(t, proofs[0].Seal)
	require.Equal(t, common.Hash{0xcc}.Bytes(), []byte(proofs[0].Journal))
}

func TestShutdownDropsQueuedTasks(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	sub := &fakeSubmitter{}
	resolver := newFakeResolver()
	cfg := defaultConfig()
	cfg.MaxPreflights = 1
	s := newTestScheduler(t, cfg, backend, sub, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	s.Sync(ctx, classifier.Result{Disputes: []types.Dispute{dispute(1), dispute(4)}})

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.active == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	close(backend.gate)
	s.Wait()

	require.Empty(t, resolver.resolvedSubjects())
	require.Empty(t, sub.submitted())
}
