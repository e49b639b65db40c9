// Package tracker ingests sequencing proposals observed on the settlement
// chain and maintains the proposal forest the dispute classifier reads.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/types"
)

var ErrMalformedProposal = errors.New("malformed proposal")

// StaleChecker gates ingestion on the active deployment epoch.
type StaleChecker interface {
	IsStale(epoch uint64) bool
}

// CanonicalOracle exposes the local rollup node's view of the canonical
// state commitment at an L2 height. It decides which side of a fork the
// agent believes.
type CanonicalOracle interface {
	CanonicalDigest(ctx context.Context, height uint64) (common.Hash, error)
}

type EventKind uint8

const (
	EventNew EventKind = iota
	EventConflictDetected
	EventAlreadyKnown
	EventRejectedStaleDeployment
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventConflictDetected:
		return "conflict-detected"
	case EventAlreadyKnown:
		return "already-known"
	case EventRejectedStaleDeployment:
		return "rejected-stale-deployment"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ProposalEvent is the outcome of ingesting one raw proposal.
type ProposalEvent struct {
	Kind     EventKind
	Proposal common.Hash
	// ConflictsWith is the incumbent proposal id when Kind is
	// EventConflictDetected.
	ConflictsWith common.Hash
}

// RawProposal is a proposal as read off the settlement chain, before any
// validation.
type RawProposal struct {
	ID              common.Hash
	Parent          common.Hash
	StartHeight     uint64
	EndHeight       uint64
	Digest          common.Hash
	Proposer        common.Address
	SubmissionBlock uint64
	Epoch           uint64
}

// Snapshot is a stable copy of the forest handed to the classifier. Children
// lists preserve settlement-chain inclusion order.
type Snapshot struct {
	Proposals map[common.Hash]types.Proposal
	Children  map[common.Hash][]common.Hash
}

// Tracker owns the proposal forest. All mutation happens here, in response
// to ingestion, reconciliation, or task resolution; every other component
// reads snapshots.
type Tracker struct {
	log   log.Logger
	stale StaleChecker

	mu        sync.RWMutex
	proposals map[common.Hash]*types.Proposal
	children  map[common.Hash][]common.Hash
	order     []common.Hash
}

func New(logger log.Logger, stale StaleChecker) *Tracker {
	return &Tracker{
		log:       logger,
		stale:     stale,
		proposals: make(map[common.Hash]*types.Proposal),
		children:  make(map[common.Hash][]common.Hash),
	}
}

// Ingest validates and records one raw proposal. Raw proposals must be fed
// in settlement-chain inclusion order: the first digest seen for a height
// range under a parent is the incumbent, and later conflicting digests are
// challengers. Malformed proposals yield ErrMalformedProposal and leave the
// forest untouched.
func (t *Tracker) Ingest(raw RawProposal) (ProposalEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if raw.ID == (common.Hash{}) || raw.Digest == (common.Hash{}) || raw.EndHeight < raw.StartHeight {
		return ProposalEvent{}, fmt.Errorf("%w: id %v digest %v heights %d-%d",
			ErrMalformedProposal, raw.ID, raw.Digest, raw.StartHeight, raw.EndHeight)
	}
	if existing, ok := t.proposals[raw.ID]; ok {
		if existing.Digest != raw.Digest {
			return ProposalEvent{}, fmt.Errorf("%w: id %v re-observed with digest %v, have %v",
				ErrMalformedProposal, raw.ID, raw.Digest, existing.Digest)
		}
		return ProposalEvent{Kind: EventAlreadyKnown, Proposal: raw.ID}, nil
	}
	if t.stale.IsStale(raw.Epoch) {
		t.log.Info("Rejected proposal from stale deployment", "proposal", raw.ID, "epoch", raw.Epoch)
		return ProposalEvent{Kind: EventRejectedStaleDeployment, Proposal: raw.ID}, nil
	}

	p := &types.Proposal{
		ID:              raw.ID,
		Parent:          raw.Parent,
		StartHeight:     raw.StartHeight,
		EndHeight:       raw.EndHeight,
		Digest:          raw.Digest,
		Proposer:        raw.Proposer,
		SubmissionBlock: raw.SubmissionBlock,
		Status:          types.StatusPending,
		Epoch:           raw.Epoch,
	}
	t.proposals[p.ID] = p
	t.children[p.Parent] = append(t.children[p.Parent], p.ID)
	t.order = append(t.order, p.ID)

	// The incumbent is the earliest conflicting sibling in inclusion order.
	for _, sibID := range t.children[p.Parent] {
		sib := t.proposals[sibID]
		if sib.ConflictsWith(p) {
			t.log.Warn("Conflicting proposal observed",
				"proposal", p.ID, "incumbent", sib.ID, "heights", fmt.Sprintf("%d-%d", p.StartHeight, p.EndHeight))
			return ProposalEvent{Kind: EventConflictDetected, Proposal: p.ID, ConflictsWith: sib.ID}, nil
		}
	}
	t.log.Debug("New proposal", "proposal", p.ID, "parent", p.Parent, "endHeight", p.EndHeight)
	return ProposalEvent{Kind: EventNew, Proposal: p.ID}, nil
}

// Reconcile promotes pending proposals of the active epoch to canonical or
// contested by comparing their digest against the local node's view. Oracle
// failures abort the pass and propagate for caller backoff; proposals
// reconciled before the failure keep their new status. The oracle is queried
// outside the lock: a slow rollup node must not block liveness checks from
// in-flight proving tasks.
func (t *Tracker) Reconcile(ctx context.Context, oracle CanonicalOracle) error {
	type pendingProposal struct {
		id        common.Hash
		endHeight uint64
		digest    common.Hash
	}
	t.mu.RLock()
	pending := make([]pendingProposal, 0, len(t.order))
	for _, id := range t.order {
		p := t.proposals[id]
		if p.Status != types.StatusPending || t.stale.IsStale(p.Epoch) {
			continue
		}
		pending = append(pending, pendingProposal{id: p.ID, endHeight: p.EndHeight, digest: p.Digest})
	}
	t.mu.RUnlock()

	for _, pp := range pending {
		digest, err := oracle.CanonicalDigest(ctx, pp.endHeight)
		if err != nil {
			return fmt.Errorf("failed to read canonical digest at height %d: %w", pp.endHeight, err)
		}
		next := types.StatusContested
		if digest == pp.digest {
			next = types.StatusCanonical
		}
		t.mu.Lock()
		// The proposal may have settled or been abandoned while unlocked.
		if p, ok := t.proposals[pp.id]; ok && p.Status == types.StatusPending {
			t.transition(p, next)
		}
		t.mu.Unlock()
	}
	return nil
}

// ResolveSubject applies a confirmed proof submission. A validity proof
// settles the fast-forwarded proposal as proven-valid; a fault proof settles
// the non-canonical side of the dispute as proven-fault.
func (t *Tracker) ResolveSubject(subject types.Subject, kind types.ProofKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case types.KindValidity:
		if subject.FastForward == nil {
			return
		}
		if p, ok := t.proposals[subject.FastForward.Proposal]; ok {
			t.transition(p, types.StatusProvenValid)
		}
	case types.KindFault:
		if subject.Dispute == nil {
			return
		}
		incumbent, iok := t.proposals[subject.Dispute.Incumbent]
		challenger, cok := t.proposals[subject.Dispute.Challenger]
		if !iok || !cok {
			return
		}
		// The proof faults whichever side contradicts the local view.
		faulty := challenger
		if challenger.Status == types.StatusCanonical {
			faulty = incumbent
		}
		t.transition(faulty, types.StatusProvenFault)
	}
}

// SubjectLive reports whether a proving task's subject still needs a proof.
// Stale epochs and externally settled proposals make a subject dead.
func (t *Tracker) SubjectLive(subject types.Subject) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stale.IsStale(subject.Epoch) {
		return false
	}
	switch {
	case subject.Dispute != nil:
		incumbent, iok := t.proposals[subject.Dispute.Incumbent]
		challenger, cok := t.proposals[subject.Dispute.Challenger]
		return iok && cok && !incumbent.Status.Terminal() && !challenger.Status.Terminal()
	case subject.FastForward != nil:
		p, ok := t.proposals[subject.FastForward.Proposal]
		return ok && p.Status == types.StatusCanonical
	default:
		return false
	}
}

// AbandonEpoch abandons every non-terminal proposal of the given epoch.
// Abandonment is deliberately loud so operators can observe it.
func (t *Tracker) AbandonEpoch(epoch uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	abandoned := 0
	for _, id := range t.order {
		p := t.proposals[id]
		if p.Epoch != epoch || p.Status.Terminal() {
			continue
		}
		t.transition(p, types.StatusAbandoned)
		abandoned++
	}
	if abandoned > 0 {
		t.log.Info("Abandoned proposals of stale deployment", "epoch", epoch, "count", abandoned)
	}
	return abandoned
}

// Snapshot copies the forest for lock-free reads by the classifier.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		Proposals: make(map[common.Hash]types.Proposal, len(t.proposals)),
		Children:  make(map[common.Hash][]common.Hash, len(t.children)),
	}
	for id, p := range t.proposals {
		snap.Proposals[id] = *p
	}
	for parent, kids := range t.children {
		snap.Children[parent] = append([]common.Hash(nil), kids...)
	}
	return snap
}

// Proposal returns a copy of the proposal with the given id.
func (t *Tracker) Proposal(id common.Hash) (types.Proposal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.proposals[id]
	if !ok {
		return types.Proposal{}, false
	}
	return *p, true
}

func (t *Tracker) transition(p *types.Proposal, next types.ProposalStatus) {
	if !p.Status.CanTransitionTo(next) {
		t.log.Error("Refusing non-monotone status transition",
			"proposal", p.ID, "from", p.Status, "to", next)
		return
	}
	t.log.Info("Proposal status changed", "proposal", p.ID, "from", p.Status, "to", next)
	p.Status = next
}
