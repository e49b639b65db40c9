// Package source holds the settlement-chain and rollup-node collaborators:
// proposal discovery from game-contract logs, the local node's canonical
// view, and deployment discovery from the game factory. All reads are
// wrapped in bounded retries so transient RPC failures stay invisible to the
// engine.
package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum-optimism/optimism/op-service/dial"
	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum-optimism/optimism/op-service/sources"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/tracker"
	"github.com/risc0/kailua-validator/validator/types"
)

const rpcAttempts = 3

// ProposalSubmitted(bytes32 id, bytes32 parent, bytes32 digest, uint64 startHeight, uint64 endHeight, address proposer)
const proposalSubmittedSignature = "ProposalSubmitted(bytes32,bytes32,bytes32,uint64,uint64,address)"

var proposalSubmittedTopic = crypto.Keccak256Hash([]byte(proposalSubmittedSignature))

type Client struct {
	log     log.Logger
	l1      *ethclient.Client
	rollup  *sources.RollupClient
	factory common.Address
}

// Dial connects the settlement-chain and rollup-node endpoints. factory is
// the game factory used for deployment discovery.
func Dial(ctx context.Context, logger log.Logger, ethRPCURL, opNodeURL string, factory common.Address) (*Client, error) {
	l1, err := dial.DialEthClientWithTimeout(ctx, dial.DefaultDialTimeout, logger, ethRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial eth rpc %s: %w", ethRPCURL, err)
	}
	rollup, err := dial.DialRollupClientWithTimeout(ctx, dial.DefaultDialTimeout, logger, opNodeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial op-node rpc %s: %w", opNodeURL, err)
	}
	return &Client{log: logger, l1: l1, rollup: rollup, factory: factory}, nil
}

// L1 exposes the settlement-chain client for gas estimation.
func (c *Client) L1() *ethclient.Client {
	return c.l1
}

// CanonicalDigest returns the local rollup node's output root at an L2
// height. Implements tracker.CanonicalOracle.
func (c *Client) CanonicalDigest(ctx context.Context, height uint64) (common.Hash, error) {
	output, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() (common.Hash, error) {
		res, err := c.rollup.OutputAtBlock(ctx, height)
		if err != nil {
			return common.Hash{}, err
		}
		return common.Hash(res.OutputRoot), nil
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("output at block %d: %w", height, err)
	}
	return output, nil
}

// FetchProposals reads proposal-submission logs from the game contract over
// [fromBlock, head], in inclusion order, and returns the next block to poll
// from. Unparseable logs are skipped and logged; they never block the rest
// of the batch.
func (c *Client) FetchProposals(ctx context.Context, gameImpl common.Address, fromBlock, epoch uint64) ([]tracker.RawProposal, uint64, error) {
	head, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() (uint64, error) {
		return c.l1.BlockNumber(ctx)
	})
	if err != nil {
		return nil, fromBlock, fmt.Errorf("failed to read settlement head: %w", err)
	}
	if head < fromBlock {
		return nil, fromBlock, nil
	}

	logs, err := retry.Do(ctx, rpcAttempts, retry.Exponential(), func() ([]gethLog, error) {
		raw, err := c.l1.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{gameImpl},
			Topics:    [][]common.Hash{{proposalSubmittedTopic}},
		})
		if err != nil {
			return nil, err
		}
		out := make([]gethLog, len(raw))
		for i, l := range raw {
			out[i] = gethLog{Topics: l.Topics, Data: l.Data, BlockNumber: l.BlockNumber}
		}
		return out, nil
	})
	if err != nil {
		return nil, fromBlock, fmt.Errorf("failed to filter proposal logs %d-%d: %w", fromBlock, head, err)
	}

	proposals := make([]tracker.RawProposal, 0, len(logs))
	for _, l := range logs {
		raw, err := parseProposalLog(l, epoch)
		if err != nil {
			c.log.Warn("Skipping unparseable proposal log", "block", l.BlockNumber, "err", err)
			continue
		}
		proposals = append(proposals, raw)
	}
	return proposals, head + 1, nil
}

// gethLog keeps only the log fields the parser needs.
type gethLog struct {
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
}

func parseProposalLog(l gethLog, epoch uint64) (tracker.RawProposal, error) {
	if len(l.Topics) != 4 {
		return tracker.RawProposal{}, fmt.Errorf("expected 4 topics, got %d", len(l.Topics))
	}
	if len(l.Data) != 96 {
		return tracker.RawProposal{}, fmt.Errorf("expected 96 data bytes, got %d", len(l.Data))
	}
	return tracker.RawProposal{
		ID:              l.Topics[1],
		Parent:          l.Topics[2],
		Digest:          l.Topics[3],
		StartHeight:     binary.BigEndian.Uint64(l.Data[24:32]),
		EndHeight:       binary.BigEndian.Uint64(l.Data[56:64]),
		Proposer:        common.BytesToAddress(l.Data[76:96]),
		SubmissionBlock: l.BlockNumber,
		Epoch:           epoch,
	}, nil
}

// LatestDeployment resolves the game factory's active deployment.
// Implements registry.DeploymentSource.
func (c *Client) LatestDeployment(ctx context.Context) (types.Deployment, error) {
	impl, err := c.callAddress(ctx, c.factory, "activeGameImplementation()")
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to read active game implementation: %w", err)
	}
	return c.DeploymentByImpl(ctx, impl)
}

// DeploymentByImpl reads the deployment record for an explicit game
// implementation.
func (c *Client) DeploymentByImpl(ctx context.Context, impl common.Address) (types.Deployment, error) {
	epoch, err := c.callUint64(ctx, c.factory, "gameEpoch(address)", impl)
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to read epoch of %v: %w", impl, err)
	}
	activation, err := c.callUint64(ctx, c.factory, "gameActivationBlock(address)", impl)
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to read activation block of %v: %w", impl, err)
	}
	activationTime, err := c.callUint64(ctx, c.factory, "gameActivationTime(address)", impl)
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to read activation time of %v: %w", impl, err)
	}
	active, err := c.callUint64(ctx, c.factory, "isGameActive(address)", impl)
	if err != nil {
		return types.Deployment{}, fmt.Errorf("failed to read active flag of %v: %w", impl, err)
	}
	return types.Deployment{
		Epoch:           epoch,
		GameImpl:        impl,
		ActivationBlock: activation,
		ActivationTime:  activationTime,
		Active:          active != 0,
	}, nil
}

// call performs a raw eth_call with a 4-byte selector and optional
// address argument, without ABI machinery.
func (c *Client) call(ctx context.Context, to common.Address, sig string, args ...common.Address) ([]byte, error) {
	data := crypto.Keccak256([]byte(sig))[:4]
	for _, arg := range args {
		word := make([]byte, 32)
		copy(word[12:], arg.Bytes())
		data = append(data, word...)
	}
	return retry.Do(ctx, rpcAttempts, retry.Exponential(), func() ([]byte, error) {
		return c.l1.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
}

func (c *Client) callAddress(ctx context.Context, to common.Address, sig string, args ...common.Address) (common.Address, error) {
	out, err := c.call(ctx, to, sig, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("short call result for %s: %d bytes", sig, len(out))
	}
	return common.BytesToAddress(out[12:32]), nil
}

func (c *Client) callUint64(ctx context.Context, to common.Address, sig string, args ...common.Address) (uint64, error) {
	out, err := c.call(ctx, to, sig, args...)
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("short call result for %s: %d bytes", sig, len(out))
	}
	return binary.BigEndian.Uint64(out[24:32]), nil
}
