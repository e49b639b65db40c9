// Package flags defines the validate command's CLI surface. Every flag is
// mirrored to a KAILUA_VALIDATOR_* environment variable.
package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/txmgr"
)

const EnvVarPrefix = "KAILUA_VALIDATOR"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	EthRPCFlag = &cli.StringFlag{
		Name:    "eth-rpc-url",
		Usage:   "HTTP provider URL for the settlement chain",
		EnvVars: prefixEnvVars("ETH_RPC_URL"),
	}
	BeaconRPCFlag = &cli.StringFlag{
		Name:    "beacon-rpc-url",
		Usage:   "Address of the beacon chain API endpoint, used by the host for blob data",
		EnvVars: prefixEnvVars("BEACON_RPC_URL"),
	}
	OpGethFlag = &cli.StringFlag{
		Name:    "op-geth-url",
		Usage:   "HTTP provider URL for the L2 execution engine",
		EnvVars: prefixEnvVars("OP_GETH_URL"),
	}
	OpNodeFlag = &cli.StringFlag{
		Name:    "op-node-url",
		Usage:   "HTTP provider URL for the L2 rollup node",
		EnvVars: prefixEnvVars("OP_NODE_URL"),
	}
	KailuaHostFlag = &cli.PathFlag{
		Name:    "kailua-host",
		Usage:   "Path to the kailua-host proof-computation binary",
		EnvVars: prefixEnvVars("KAILUA_HOST"),
	}
	GameFactoryFlag = &cli.StringFlag{
		Name:    "game-factory-address",
		Usage:   "Address of the game factory contract used for deployment discovery",
		EnvVars: prefixEnvVars("GAME_FACTORY_ADDRESS"),
	}
	GameImplFlag = &cli.StringFlag{
		Name:    "kailua-game-implementation",
		Usage:   "Pin the agent to an explicit game implementation instead of discovering the latest deployment",
		EnvVars: prefixEnvVars("KAILUA_GAME_IMPLEMENTATION"),
	}
	ValidatorKeyFlag = &cli.StringFlag{
		Name:    "validator-key",
		Usage:   "Hex-encoded private key of the operator wallet. Alternatively configure the txmgr signer flags for remote signing",
		EnvVars: prefixEnvVars("VALIDATOR_KEY"),
	}
	PayoutRecipientFlag = &cli.StringFlag{
		Name:    "payout-recipient-address",
		Usage:   "Address receiving proving rewards. Defaults to the operator wallet",
		EnvVars: prefixEnvVars("PAYOUT_RECIPIENT_ADDRESS"),
	}
	TxnTimeoutFlag = &cli.DurationFlag{
		Name:    "txn-timeout",
		Usage:   "Time to wait for transaction confirmation before re-estimating fees and rebroadcasting",
		Value:   2 * time.Minute,
		EnvVars: prefixEnvVars("TXN_TIMEOUT"),
	}
	ExecGasPremiumFlag = &cli.Uint64Flag{
		Name:    "exec-gas-premium",
		Usage:   "Percentage premium applied to the estimated execution gas before broadcast",
		Value:   25,
		EnvVars: prefixEnvVars("EXEC_GAS_PREMIUM"),
	}
	FastForwardTargetFlag = &cli.Uint64Flag{
		Name:    "fast-forward-target",
		Usage:   "Prove validity of canonical proposals up to this L2 height. 0 disables, max uint64 fast-forwards indefinitely",
		Value:   0,
		EnvVars: prefixEnvVars("FAST_FORWARD_TARGET"),
	}
	DataDirFlag = &cli.PathFlag{
		Name:    "data-dir",
		Usage:   "Directory for witness files and the proof cache",
		Value:   "kailua-validator-data",
		EnvVars: prefixEnvVars("DATA_DIR"),
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:    "poll-interval",
		Usage:   "How often to poll the settlement chain for new proposals",
		Value:   12 * time.Second,
		EnvVars: prefixEnvVars("POLL_INTERVAL"),
	}
	MaxTaskRetriesFlag = &cli.IntFlag{
		Name:    "max-task-retries",
		Usage:   "How many times a failed proving task is retried before it is reported and dropped",
		Value:   3,
		EnvVars: prefixEnvVars("MAX_TASK_RETRIES"),
	}
	MaxTxnAttemptsFlag = &cli.IntFlag{
		Name:    "max-txn-attempts",
		Usage:   "How many times a proof transaction is broadcast before the submission is reported failed",
		Value:   5,
		EnvVars: prefixEnvVars("MAX_TXN_ATTEMPTS"),
	}
	CPUProfileFlag = &cli.BoolFlag{
		Name:    "pprof.cpu",
		Usage:   "Capture a CPU profile for the lifetime of the process",
		EnvVars: prefixEnvVars("PPROF_CPU"),
	}
)

var requiredFlags = []cli.Flag{
	EthRPCFlag,
	BeaconRPCFlag,
	OpGethFlag,
	OpNodeFlag,
	KailuaHostFlag,
	GameFactoryFlag,
}

var optionalFlags = []cli.Flag{
	GameImplFlag,
	ValidatorKeyFlag,
	PayoutRecipientFlag,
	TxnTimeoutFlag,
	ExecGasPremiumFlag,
	FastForwardTargetFlag,
	DataDirFlag,
	PollIntervalFlag,
	MaxTaskRetriesFlag,
	MaxTxnAttemptsFlag,
	CPUProfileFlag,
}

// Flags contains the full list of flags for the validate command.
var Flags []cli.Flag

func init() {
	Flags = append(Flags, requiredFlags...)
	Flags = append(Flags, optionalFlags...)
	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)
	Flags = append(Flags, opmetrics.CLIFlags(EnvVarPrefix)...)
	Flags = append(Flags, txmgr.CLIFlagsWithDefaults(EnvVarPrefix, txmgr.DefaultChallengerFlagValues)...)
}

// CheckRequired rejects a startup with missing required flags.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
