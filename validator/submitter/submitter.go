// Package submitter publishes completed proofs on the settlement chain. It
// exclusively owns the operator wallet's nonce sequence: concurrent proving
// tasks are serialized through it even though their proofs were computed in
// parallel.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum-optimism/optimism/op-service/txmgr"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/risc0/kailua-validator/validator/types"
)

// TxSender broadcasts a candidate transaction and waits for its receipt.
// Satisfied by txmgr.SimpleTxManager.
type TxSender interface {
	Send(ctx context.Context, candidate txmgr.TxCandidate) (*gethtypes.Receipt, error)
	From() common.Address
}

// GasEstimator estimates execution gas. Satisfied by ethclient.Client.
type GasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Encoder packs a proof into game-contract calldata. The real encoding lives
// with the contract bindings collaborator; the default implementation packs
// the raw seal and journal.
type Encoder interface {
	Encode(proof types.Proof, payoutRecipient common.Address) ([]byte, error)
}

type Metrics interface {
	RecordSubmission(outcome types.TxOutcome)
}

type Config struct {
	// GameContract is the active deployment's game implementation.
	GameContract common.Address
	// PayoutRecipient receives proving rewards. Zero defaults to the sender.
	PayoutRecipient common.Address
	// Timeout bounds one broadcast-to-confirmation round; on expiry fees are
	// re-estimated and the transaction rebroadcast.
	Timeout time.Duration
	// GasPremiumPct inflates the estimated execution gas before broadcast.
	GasPremiumPct uint64
	// MaxAttempts bounds rebroadcasts per submission.
	MaxAttempts int
}

type Submitter struct {
	log     log.Logger
	metrics Metrics
	cfg     Config
	txs     TxSender
	gas     GasEstimator
	enc     Encoder

	// mu serializes submissions: one wallet, one nonce sequence.
	mu sync.Mutex
}

func New(logger log.Logger, m Metrics, cfg Config, txs TxSender, gas GasEstimator, enc Encoder) *Submitter {
	if enc == nil {
		enc = rawEncoder{}
	}
	return &Submitter{log: logger, metrics: m, cfg: cfg, txs: txs, gas: gas, enc: enc}
}

// Submit publishes the proof and waits for on-chain confirmation. Timeouts
// re-estimate fees and rebroadcast up to the attempt bound; reverts are
// terminal unless the failure indicates transient nonce/fee competition, in
// which case exactly one rebroadcast with fresh estimation is attempted.
func (s *Submitter) Submit(ctx context.Context, proof types.Proof) (types.TxOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payout := s.cfg.PayoutRecipient
	if payout == (common.Address{}) {
		payout = s.txs.From()
	}
	data, err := s.enc.Encode(proof, payout)
	if err != nil {
		return types.OutcomeReverted, fmt.Errorf("failed to encode submission for %v: %w", proof.Subject, err)
	}
	to := s.cfg.GameContract

	var lastOutcome types.TxOutcome
	var lastErr error
	transientRetried := false
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		gasLimit, err := s.estimate(ctx, data)
		if err != nil {
			if isRevert(err) {
				s.metrics.RecordSubmission(types.OutcomeReverted)
				return types.OutcomeReverted, fmt.Errorf("submission for %v reverts: %w", proof.Subject, err)
			}
			return types.OutcomeTimedOut, fmt.Errorf("failed to estimate gas for %v: %w", proof.Subject, err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		receipt, err := s.txs.Send(sendCtx, txmgr.TxCandidate{
			TxData:   data,
			To:       &to,
			GasLimit: gasLimit,
		})
		cancel()

		switch {
		case err == nil && receipt.Status == gethtypes.ReceiptStatusSuccessful:
			s.metrics.RecordSubmission(types.OutcomeConfirmed)
			s.log.Info("Proof submission confirmed",
				"subject", proof.Subject, "tx", receipt.TxHash, "block", receipt.BlockNumber, "attempt", attempt)
			return types.OutcomeConfirmed, nil

		case err == nil:
			// On-chain revert. The revert reason collaborator is the game
			// contract; without it, no receipt revert is treated as transient.
			s.metrics.RecordSubmission(types.OutcomeReverted)
			return types.OutcomeReverted, fmt.Errorf("submission for %v reverted in tx %v", proof.Subject, receipt.TxHash)

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			lastOutcome, lastErr = types.OutcomeTimedOut, err
			s.metrics.RecordSubmission(types.OutcomeTimedOut)
			s.log.Warn("Proof submission timed out, re-estimating and rebroadcasting",
				"subject", proof.Subject, "attempt", attempt, "timeout", s.cfg.Timeout)

		case ctx.Err() != nil:
			return types.OutcomeTimedOut, ctx.Err()

		case isFeeOrNonceCompetition(err):
			if transientRetried {
				s.metrics.RecordSubmission(types.OutcomeFeeTooLow)
				return types.OutcomeFeeTooLow, fmt.Errorf("submission for %v lost fee competition: %w", proof.Subject, err)
			}
			transientRetried = true
			lastOutcome, lastErr = types.OutcomeFeeTooLow, err
			s.metrics.RecordSubmission(types.OutcomeFeeTooLow)
			s.log.Warn("Transient competition on submission, rebroadcasting once",
				"subject", proof.Subject, "err", err)

		case isRevert(err):
			s.metrics.RecordSubmission(types.OutcomeReverted)
			return types.OutcomeReverted, fmt.Errorf("submission for %v reverts: %w", proof.Subject, err)

		default:
			lastOutcome, lastErr = types.OutcomeTimedOut, err
			s.log.Warn("Proof submission failed, rebroadcasting",
				"subject", proof.Subject, "attempt", attempt, "err", err)
		}
	}
	return lastOutcome, fmt.Errorf("submission attempts exhausted for %v: %w", proof.Subject, lastErr)
}

// estimate reads the current execution gas estimate and inflates it by the
// configured premium, as headroom against gas-price volatility between
// estimation and inclusion.
func (s *Submitter) estimate(ctx context.Context, data []byte) (uint64, error) {
	to := s.cfg.GameContract
	from := s.txs.From()
	gas, err := retry.Do(ctx, 3, retry.Exponential(), func() (uint64, error) {
		return s.gas.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &to,
			Data: data,
		})
	})
	if err != nil {
		return 0, err
	}
	return applyPremium(gas, s.cfg.GasPremiumPct), nil
}

func applyPremium(gas, premiumPct uint64) uint64 {
	g := uint256.NewInt(gas)
	g.Mul(g, uint256.NewInt(100+premiumPct))
	g.Div(g, uint256.NewInt(100))
	return g.Uint64()
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

func isFeeOrNonceCompetition(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"nonce too low",
		"replacement transaction underpriced",
		"transaction underpriced",
		"already known",
		"fee cap",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rawEncoder packs seal, journal, and payout recipient without ABI framing.
type rawEncoder struct{}

func (rawEncoder) Encode(proof types.Proof, payoutRecipient common.Address) ([]byte, error) {
	if len(proof.Journal) == 0 {
		return nil, fmt.Errorf("proof for %v has no journal", proof.Subject)
	}
	data := make([]byte, 0, len(proof.Seal)+len(proof.Journal)+common.AddressLength)
	data = append(data, proof.Seal...)
	data = append(data, proof.Journal...)
	data = append(data, payoutRecipient.Bytes()...)
	return data, nil
}
