package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestStatusLattice(t *testing.T) {
	terminal := []ProposalStatus{StatusProvenValid, StatusProvenFault, StatusAbandoned}

	t.Run("PendingReachesEverything", func(t *testing.T) {
		for _, next := range []ProposalStatus{StatusCanonical, StatusContested, StatusProvenValid, StatusProvenFault, StatusAbandoned} {
			require.True(t, StatusPending.CanTransitionTo(next), "pending -> %v", next)
		}
	})

	t.Run("PromotedOnlyReachesTerminal", func(t *testing.T) {
		for _, from := range []ProposalStatus{StatusCanonical, StatusContested} {
			require.False(t, from.CanTransitionTo(StatusPending))
			for _, next := range terminal {
				require.True(t, from.CanTransitionTo(next), "%v -> %v", from, next)
			}
		}
		require.False(t, StatusCanonical.CanTransitionTo(StatusContested))
		require.False(t, StatusContested.CanTransitionTo(StatusCanonical))
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		all := []ProposalStatus{StatusPending, StatusCanonical, StatusContested, StatusProvenValid, StatusProvenFault, StatusAbandoned}
		for _, from := range terminal {
			require.True(t, from.Terminal())
			for _, next := range all {
				require.False(t, from.CanTransitionTo(next), "%v -> %v", from, next)
			}
		}
	})

	t.Run("SelfTransitionRejected", func(t *testing.T) {
		require.False(t, StatusPending.CanTransitionTo(StatusPending))
	})
}

func TestConflictsWith(t *testing.T) {
	parent := common.Hash{0xaa}
	base := Proposal{
		ID:          common.Hash{1},
		Parent:      parent,
		StartHeight: 100,
		EndHeight:   200,
		Digest:      common.Hash{0xd1},
	}

	t.Run("SameRangeDifferentDigest", func(t *testing.T) {
		other := base
		other.ID = common.Hash{2}
		other.Digest = common.Hash{0xd2}
		require.True(t, base.ConflictsWith(&other))
		require.True(t, other.ConflictsWith(&base))
	})

	t.Run("AgreeingSiblingsDoNotConflict", func(t *testing.T) {
		other := base
		other.ID = common.Hash{2}
		require.False(t, base.ConflictsWith(&other))
	})

	t.Run("DisjointRangesDoNotConflict", func(t *testing.T) {
		other := base
		other.ID = common.Hash{2}
		other.StartHeight = 201
		other.EndHeight = 300
		other.Digest = common.Hash{0xd2}
		require.False(t, base.ConflictsWith(&other))
	})

	t.Run("DifferentParentsDoNotConflict", func(t *testing.T) {
		other := base
		other.ID = common.Hash{2}
		other.Parent = common.Hash{0xbb}
		other.Digest = common.Hash{0xd2}
		require.False(t, base.ConflictsWith(&other))
	})

	t.Run("PartialOverlapConflicts", func(t *testing.T) {
		other := base
		other.ID = common.Hash{2}
		other.StartHeight = 150
		other.EndHeight = 250
		other.Digest = common.Hash{0xd2}
		require.True(t, base.ConflictsWith(&other))
	})

	t.Run("NeverConflictsWithItself", func(t *testing.T) {
		require.False(t, base.ConflictsWith(&base))
	})
}

func TestDisputeID(t *testing.T) {
	a, b := common.Hash{1}, common.Hash{2}
	require.Equal(t, DisputeID(a, b), DisputeID(a, b))
	// Operands are ordered incumbent-first by the caller, so swapping the
	// roles yields a different id.
	require.NotEqual(t, DisputeID(a, b), DisputeID(b, a))
	require.NotEqual(t, DisputeID(a, b), common.Hash{})
}

func TestSubjectIDs(t *testing.T) {
	d := Dispute{ID: DisputeID(common.Hash{1}, common.Hash{2})}
	require.Equal(t, KindFault, d.Subject().Kind)
	require.Equal(t, d.ID, d.Subject().Key)

	c := FastForwardCandidate{Proposal: common.Hash{3}}
	require.Equal(t, KindValidity, c.Subject().Kind)
	require.Equal(t, c.Proposal, c.Subject().Key)

	require.NotEqual(t, d.Subject(), c.Subject())
}
