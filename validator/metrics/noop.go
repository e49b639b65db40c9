package metrics

import (
	txmetrics "github.com/ethereum-optimism/optimism/op-service/txmgr/metrics"

	"github.com/risc0/kailua-validator/validator/types"
)

type noopMetrics struct {
	txmetrics.NoopTxMetrics
}

// NoopMetrics discards all recordings. Used in tests and when metrics are
// disabled.
var NoopMetrics Metricer = &noopMetrics{}

func (*noopMetrics) RecordInfo(string)                               {}
func (*noopMetrics) RecordUp()                                       {}
func (*noopMetrics) RecordProposalEvent(string)                      {}
func (*noopMetrics) RecordDisputes(int)                              {}
func (*noopMetrics) RecordFastForwardCandidates(int)                 {}
func (*noopMetrics) RecordTaskStage(types.ProofKind, types.TaskStage) {}
func (*noopMetrics) RecordTaskRetry(types.ProofKind)                 {}
func (*noopMetrics) RecordTaskFailure(types.ProofKind, string)       {}
func (*noopMetrics) RecordSubmission(types.TxOutcome)                {}
