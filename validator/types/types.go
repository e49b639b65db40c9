// Package types holds the data model shared by the validator components:
// contract deployments, sequencing proposals, disputes between conflicting
// proposals, and the proving tasks that settle them.
package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrWitnessTooLarge is returned by Prove when the assembled witness exceeds
// the configured maximum. Witness size is determined by chain data, not by
// the caller, so this is a hard reject and must never be retried.
var ErrWitnessTooLarge = errors.New("witness exceeds maximum size")

// ErrStaleDeployment marks work that references a deployment epoch which is
// no longer active.
var ErrStaleDeployment = errors.New("stale deployment epoch")

// Deployment identifies one epoch of the on-chain game contract. Exactly one
// deployment is active for the lifetime of the agent.
type Deployment struct {
	Epoch           uint64
	GameImpl        common.Address
	ActivationBlock uint64
	ActivationTime  uint64
	Active          bool
}

type ProposalStatus uint8

const (
	StatusPending ProposalStatus = iota
	StatusCanonical
	StatusContested
	StatusProvenValid
	StatusProvenFault
	StatusAbandoned
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCanonical:
		return "canonical"
	case StatusContested:
		return "contested"
	case StatusProvenValid:
		return "proven-valid"
	case StatusProvenFault:
		return "proven-fault"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	return s == StatusProvenValid || s == StatusProvenFault || s == StatusAbandoned
}

// CanTransitionTo enforces the monotone status lattice
// pending -> {canonical, contested} -> {proven-valid, proven-fault, abandoned}.
func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusPending:
		return true
	case StatusCanonical, StatusContested:
		return next.Terminal()
	default:
		return false
	}
}

// Proposal is one sequencing proposal observed on the settlement chain.
// Proposals form a forest rooted at finalized checkpoints; a zero Parent
// marks a root. Only the tracker mutates proposals.
type Proposal struct {
	ID              common.Hash
	Parent          common.Hash
	StartHeight     uint64
	EndHeight       uint64
	Digest          common.Hash
	Proposer        common.Address
	SubmissionBlock uint64
	Status          ProposalStatus
	Epoch           uint64
}

// Overlaps reports whether the two proposals commit to overlapping L2 height
// ranges.
func (p *Proposal) Overlaps(o *Proposal) bool {
	return p.StartHeight <= o.EndHeight && o.StartHeight <= p.EndHeight
}

// ConflictsWith reports whether o contradicts p: same parent, overlapping
// height range, different state commitment.
func (p *Proposal) ConflictsWith(o *Proposal) bool {
	return p.Parent == o.Parent && p.ID != o.ID && p.Overlaps(o) && p.Digest != o.Digest
}

type ProofKind uint8

const (
	KindFault ProofKind = iota
	KindValidity
)

func (k ProofKind) String() string {
	if k == KindFault {
		return "fault"
	}
	return "validity"
}

// Dispute pairs a conflicting incumbent and challenger proposal. The
// incumbent is always the earlier submission on the settlement chain.
type Dispute struct {
	ID             common.Hash
	Incumbent      common.Hash
	Challenger     common.Hash
	AncestorHeight uint64
	Epoch          uint64
}

// DisputeID derives a stable identifier for the unordered pair. The operands
// are ordered incumbent-first, so the same fork always yields the same id.
func DisputeID(incumbent, challenger common.Hash) common.Hash {
	return crypto.Keccak256Hash(incumbent[:], challenger[:])
}

func (d Dispute) Subject() SubjectID {
	return SubjectID{Kind: KindFault, Key: d.ID}
}

// FastForwardCandidate marks a canonical proposal eligible for a proactive
// validity proof.
type FastForwardCandidate struct {
	Proposal common.Hash
	Epoch    uint64
}

func (c FastForwardCandidate) Subject() SubjectID {
	return SubjectID{Kind: KindValidity, Key: c.Proposal}
}

// SubjectID uniquely identifies what a proving task is about: a dispute (by
// dispute id) or a fast-forward candidate (by proposal id).
type SubjectID struct {
	Kind ProofKind
	Key  common.Hash
}

func (s SubjectID) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Key.TerminalString())
}

// Subject carries everything a backend needs to assemble a witness for a
// proving task. Exactly one of Dispute / FastForward is set, matching ID.Kind.
type Subject struct {
	ID          SubjectID
	Epoch       uint64
	Dispute     *Dispute
	FastForward *FastForwardCandidate
}

type TaskStage uint8

const (
	StageQueued TaskStage = iota
	StagePreflighting
	StageWitnessReady
	StageProving
	StageProofReady
	StageSubmitting
	StageDone
	StageFailed
)

func (s TaskStage) String() string {
	switch s {
	case StageQueued:
		return "queued"
	case StagePreflighting:
		return "preflighting"
	case StageWitnessReady:
		return "witness-ready"
	case StageProving:
		return "proving"
	case StageProofReady:
		return "proof-ready"
	case StageSubmitting:
		return "submitting"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s TaskStage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

type TxOutcome uint8

const (
	OutcomeConfirmed TxOutcome = iota
	OutcomeTimedOut
	OutcomeReverted
	OutcomeFeeTooLow
)

func (o TxOutcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeReverted:
		return "reverted"
	case OutcomeFeeTooLow:
		return "fee-too-low"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Witness is the preflight output: the serialized execution trace inputs the
// prover consumes. Witnesses reach gigabytes, so they live on disk and are
// referenced by path. Digest keys the proof cache.
type Witness struct {
	Subject SubjectID
	Path    string
	Size    uint64
	Digest  common.Hash
}

// Proof is a succinct proof ready for on-chain submission. An empty Seal
// marks an unsealed proof produced under derivation-proof skip, accepted
// only by test deployments.
type Proof struct {
	Subject SubjectID
	Kind    ProofKind
	Seal    hexutil.Bytes
	Journal hexutil.Bytes
}
