package submitter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum-optimism/optimism/op-service/txmgr"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/risc0/kailua-validator/validator/types"
)

var (
	testGame   = common.Address{0x6a}
	testSender = common.Address{0x5e}
)

type sendResult struct {
	receipt *gethtypes.Receipt
	err     error
}

type fakeSender struct {
	mu         sync.Mutex
	candidates []txmgr.TxCandidate
	results    []sendResult
	// blockUntilCtxDone simulates a stuck transaction: Send only returns when
	// the per-attempt timeout fires.
	blockUntilCtxDone int
}

func (f *fakeSender) Send(ctx context.Context, candidate txmgr.TxCandidate) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	f.candidates = append(f.candidates, candidate)
	block := f.blockUntilCtxDone > 0
	if block {
		f.blockUntilCtxDone--
	}
	var res sendResult
	if !block {
		if len(f.results) == 0 {
			f.mu.Unlock()
			return nil, errors.New("no result configured")
		}
		res = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return res.receipt, res.err
}

func (f *fakeSender) From() common.Address {
	return testSender
}

func (f *fakeSender) sent() []txmgr.TxCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]txmgr.TxCandidate(nil), f.candidates...)
}

type fakeEstimator struct {
	gas uint64
	err error
}

func (f *fakeEstimator) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, f.err
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []types.TxOutcome
}

func (m *recordingMetrics) RecordSubmission(outcome types.TxOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func testProof() types.Proof {
	return types.Proof{
		Subject: types.SubjectID{Kind: types.KindFault, Key: common.Hash{1}},
		Kind:    types.KindFault,
		Seal:    []byte{0x5e, 0xa1},
		Journal: []byte{0x10, 0x02},
	}
}

func successReceipt() *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      common.Hash{0xff},
		BlockNumber: big.NewInt(42),
	}
}

func newTestSubmitter(t *testing.T, cfg Config, txs TxSender, gas GasEstimator) (*Submitter, *recordingMetrics) {
	m := &recordingMetrics{}
	if cfg.GameContract == (common.Address{}) {
		cfg.GameContract = testGame
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return New(testlog.Logger(t, log.LvlDebug), m, cfg, txs, gas, nil), m
}

func TestSubmitConfirmed(t *testing.T) {
	sender := &fakeSender{results: []sendResult{{receipt: successReceipt()}}}
	s, m := newTestSubmitter(t, Config{GasPremiumPct: 25}, sender, &fakeEstimator{gas: 1000})

	outcome, err := s.Submit(context.Background(), testProof())
	require.NoError(t, err)
	require.Equal(t, types.OutcomeConfirmed, outcome)
	require.Equal(t, []types.TxOutcome{types.OutcomeConfirmed}, m.outcomes)

	sent := sender.sent()
	require.Len(t, sent, 1)
	require.Equal(t, testGame, *sent[0].To)
	require.Equal(t, uint64(1250), sent[0].GasLimit)

	// Calldata is seal || journal || payout, defaulting to the sender.
	proof := testProof()
	want := append(append(append([]byte(nil), proof.Seal...), proof.Journal...), testSender.Bytes()...)
	require.Equal(t, want, sent[0].TxData)
}

func TestSubmitPayoutRecipient(t *testing.T) {
	sender := &fakeSender{results: []sendResult{{receipt: successReceipt()}}}
	payout := common.Address{0x9a}
	s, _ := newTestSubmitter(t, Config{PayoutRecipient: payout}, sender, &fakeEstimator{gas: 1000})

	_, err := s.Submit(context.Background(), testProof())
	require.NoError(t, err)
	sent := sender.sent()
	require.Len(t, sent, 1)
	require.Equal(t, payout.Bytes(), sent[0].TxData[len(sent[0].TxData)-common.AddressLength:])
}

func TestSubmitTimeoutRebroadcasts(t *testing.T) {
	sender := &fakeSender{
		blockUntilCtxDone: 1,
		results:           []sendResult{{receipt: successReceipt()}},
	}
	s, m := newTestSubmitter(t, Config{Timeout: 50 * time.Millisecond}, sender, &fakeEstimator{gas: 1000})

	outcome, err := s.Submit(context.Background(), testProof())
	require.NoError(t, err)
	require.Equal(t, types.OutcomeConfirmed, outcome)
	require.Len(t, sender.sent(), 2)
	require.Equal(t, []types.TxOutcome{types.OutcomeTimedOut, types.OutcomeConfirmed}, m.outcomes)
}

func TestSubmitRevertIsTerminal(t *testing.T) {
	t.Run("EstimationRevert", func(t *testing.T) {
		sender := &fakeSender{}
		s, m := newTestSubmitter(t, Config{}, sender, &fakeEstimator{err: errors.New("execution reverted: bad proof")})

		outcome, err := s.Submit(context.Background(), testProof())
		require.Error(t, err)
		require.Equal(t, types.OutcomeReverted, outcome)
		require.Empty(t, sender.sent())
		require.Equal(t, []types.TxOutcome{types.OutcomeReverted}, m.outcomes)
	})

	t.Run("ReceiptRevert", func(t *testing.T) {
		sender := &fakeSender{results: []sendResult{{receipt: &gethtypes.Receipt{
			Status: gethtypes.ReceiptStatusFailed,
			TxHash: common.Hash{0xfe},
		}}}}
		s, _ := newTestSubmitter(t, Config{}, sender, &fakeEstimator{gas: 1000})

		outcome, err := s.Submit(context.Background(), testProof())
		require.Error(t, err)
		require.Equal(t, types.OutcomeReverted, outcome)
		require.Len(t, sender.sent(), 1)
	})

	t.Run("SendRevert", func(t *testing.T) {
		sender := &fakeSender{results: []sendResult{{err: errors.New("execution reverted")}}}
		s, _ := newTestSubmitter(t, Config{}, sender, &fakeEstimator{gas: 1000})

		outcome, err := s.Submit(context.Background(), testProof())
		require.Error(t, err)
		require.Equal(t, types.OutcomeReverted, outcome)
		require.Len(t, sender.sent(), 1)
	})
}

func TestSubmitTransientCompetition(t *testing.T) {
	t.Run("OneRebroadcast", func(t *testing.T) {
		sender := &fakeSender{results: []sendResult{
			{err: errors.New("replacement transaction underpriced")},
			{receipt: successReceipt()},
		}}
		s, _ := newTestSubmitter(t, Config{}, sender, &fakeEstimator{gas: 1000})

		outcome, err := s.Submit(context.Background(), testProof())
		require.NoError(t, err)
		require.Equal(t, types.OutcomeConfirmed, outcome)
		require.Len(t, sender.sent(), 2)
	})

	t.Run("SecondCompetitionLossIsTerminal", func(t *testing.T) {
		sender := &fakeSender{results: []sendResult{
			{err: errors.New("nonce too low")},
			{err: errors.New("transaction underpriced")},
		}}
		s, _ := newTestSubmitter(t, Config{}, sender, &fakeEstimator{gas: 1000})

		outcome, err := s.Submit(context.Background(), testProof())
		require.Error(t, err)
		require.Equal(t, types.OutcomeFeeTooLow, outcome)
		require.Len(t, sender.sent(), 2)
	})
}

func TestSubmitEmptyJournalRejected(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestSubmitter(t, Config{}, sender, &fakeEstimator{gas: 1000})

	proof := testProof()
	proof.Journal = nil
	_, err := s.Submit(context.Background(), proof)
	require.Error(t, err)
	require.Empty(t, sender.sent())
}

func TestApplyPremium(t *testing.T) {
	require.Equal(t, uint64(1250), applyPremium(1000, 25))
	require.Equal(t, uint64(1000), applyPremium(1000, 0))
	require.Equal(t, uint64(1), applyPremium(1, 25))
	// Rounds down and survives intermediate products above 64 bits.
	require.Equal(t, uint64(1), applyPremium(1, 50))
	require.Equal(t, uint64(5764607523034234880), applyPremium(1<<62, 25))
}
