// Package classifier derives, from a proposal-forest snapshot, the minimal
// set of disputes and fast-forward candidates that require a proof.
package classifier

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/risc0/kailua-validator/validator/tracker"
	"github.com/risc0/kailua-validator/validator/types"
)

// Result is the classifier output for one scheduling cycle.
type Result struct {
	Disputes    []types.Dispute
	FastForward []types.FastForwardCandidate
}

// Classify is a pure function of the snapshot. Disputes arise between leaf
// proposals sharing a parent with overlapping height ranges and different
// digests, once at least one side is no longer pending. With more than two
// conflicting siblings, disputes are generated pairwise against the
// incumbent only: settlement is always incumbent-vs-challenger, never
// challenger-vs-challenger. Canonical proposals at or below ffTarget become
// fast-forward candidates; ffTarget zero disables fast-forwarding.
func Classify(snap tracker.Snapshot, ffTarget uint64) Result {
	var result Result
	seen := make(map[common.Hash]struct{})

	for _, kids := range snap.Children {
		for i, incumbentID := range kids {
			incumbent := snap.Proposals[incumbentID]
			if incumbent.Status.Terminal() || len(snap.Children[incumbentID]) > 0 {
				continue
			}
			for _, challengerID := range kids[i+1:] {
				challenger := snap.Proposals[challengerID]
				if challenger.Status.Terminal() || len(snap.Children[challengerID]) > 0 {
					continue
				}
				if !incumbent.ConflictsWith(&challenger) {
					continue
				}
				if incumbent.Status == types.StatusPending && challenger.Status == types.StatusPending {
					continue
				}
				// The challenger may itself be the incumbent of a later
				// sibling, but it only ever disputes the earliest conflicting
				// proposal in its fork.
				if disputesEarlierSibling(snap, kids[:i], &challenger) {
					continue
				}
				id := types.DisputeID(incumbentID, challengerID)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				result.Disputes = append(result.Disputes, types.Dispute{
					ID:             id,
					Incumbent:      incumbentID,
					Challenger:     challengerID,
					AncestorHeight: ancestorHeight(snap, incumbent.Parent, incumbent.StartHeight),
					Epoch:          incumbent.Epoch,
				})
			}
		}
	}

	if ffTarget > 0 {
		for _, p := range snap.Proposals {
			if p.Status != types.StatusCanonical || p.EndHeight > ffTarget {
				continue
			}
			if hasConflict(snap, &p) {
				continue
			}
			result.FastForward = append(result.FastForward, types.FastForwardCandidate{
				Proposal: p.ID,
				Epoch:    p.Epoch,
			})
		}
	}
	return result
}

// disputesEarlierSibling reports whether the challenger already conflicts
// with a sibling submitted before the would-be incumbent.
func disputesEarlierSibling(snap tracker.Snapshot, earlier []common.Hash, challenger *types.Proposal) bool {
	for _, id := range earlier {
		sib := snap.Proposals[id]
		if !sib.Status.Terminal() && sib.ConflictsWith(challenger) {
			return true
		}
	}
	return false
}

func hasConflict(snap tracker.Snapshot, p *types.Proposal) bool {
	for _, sibID := range snap.Children[p.Parent] {
		sib := snap.Proposals[sibID]
		if !sib.Status.Terminal() && sib.ConflictsWith(p) {
			return true
		}
	}
	return false
}

// ancestorHeight is the height of the common ancestor: the parent's end
// height, or the fork's start boundary for checkpoint-rooted proposals.
func ancestorHeight(snap tracker.Snapshot, parent common.Hash, startHeight uint64) uint64 {
	if p, ok := snap.Proposals[parent]; ok {
		return p.EndHeight
	}
	if startHeight == 0 {
		return 0
	}
	return startHeight - 1
}
