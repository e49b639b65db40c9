package validator

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/txmgr"

	"github.com/risc0/kailua-validator/validator/flags"
)

// Tuning holds the environment-only knobs that size the proving pipeline.
type Tuning struct {
	NumConcurrentHosts      int64  `envconfig:"NUM_CONCURRENT_HOSTS" default:"1"`
	NumConcurrentPreflights int64  `envconfig:"NUM_CONCURRENT_PREFLIGHTS" default:"4"`
	NumConcurrentProofs     int64  `envconfig:"NUM_CONCURRENT_PROOFS" default:"1"`
	SegmentLimit            int    `envconfig:"SEGMENT_LIMIT" default:"21"`
	MaxWitnessSize          uint64 `envconfig:"MAX_WITNESS_SIZE" default:"2684354560"`
	SkipDerivationProof     bool   `envconfig:"SKIP_DERIVATION_PROOF" default:"false"`
	ProverAPIURL            string `envconfig:"PROVER_API_URL"`
	ProverAPIKey            string `envconfig:"PROVER_API_KEY"`
}

func (t Tuning) Check() error {
	if t.NumConcurrentHosts < 1 {
		return fmt.Errorf("NUM_CONCURRENT_HOSTS must be positive, got %d", t.NumConcurrentHosts)
	}
	if t.NumConcurrentPreflights < 1 {
		return fmt.Errorf("NUM_CONCURRENT_PREFLIGHTS must be positive, got %d", t.NumConcurrentPreflights)
	}
	if t.NumConcurrentProofs < 1 {
		return fmt.Errorf("NUM_CONCURRENT_PROOFS must be positive, got %d", t.NumConcurrentProofs)
	}
	if t.SegmentLimit < 1 {
		return fmt.Errorf("SEGMENT_LIMIT must be positive, got %d", t.SegmentLimit)
	}
	if t.MaxWitnessSize == 0 {
		return fmt.Errorf("MAX_WITNESS_SIZE must be positive")
	}
	return nil
}

// Config is the fully resolved validate-command configuration. An invalid
// Config is a fatal startup error; nothing here is reloaded at runtime.
type Config struct {
	EthRPCURL    string
	BeaconRPCURL string
	OpGethURL    string
	OpNodeURL    string

	KailuaHost      string
	GameFactory     common.Address
	GameImpl        common.Address // optional deployment pin
	PayoutRecipient common.Address

	TxnTimeout        time.Duration
	ExecGasPremium    uint64
	FastForwardTarget uint64
	DataDir           string
	PollInterval      time.Duration
	MaxTaskRetries    int
	MaxTxnAttempts    int
	CPUProfile        bool

	Tuning        Tuning
	TxMgrConfig   txmgr.CLIConfig
	MetricsConfig opmetrics.CLIConfig
}

func (c *Config) Check() error {
	if c.EthRPCURL == "" || c.BeaconRPCURL == "" || c.OpGethURL == "" || c.OpNodeURL == "" {
		return fmt.Errorf("all of eth-rpc-url, beacon-rpc-url, op-geth-url and op-node-url must be set")
	}
	if c.KailuaHost == "" {
		return fmt.Errorf("kailua-host binary path must be set")
	}
	if c.GameFactory == (common.Address{}) {
		return fmt.Errorf("game-factory-address must be set")
	}
	if c.TxnTimeout <= 0 {
		return fmt.Errorf("txn-timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.MaxTaskRetries < 1 {
		return fmt.Errorf("max-task-retries must be positive")
	}
	if c.MaxTxnAttempts < 1 {
		return fmt.Errorf("max-txn-attempts must be positive")
	}
	if err := c.Tuning.Check(); err != nil {
		return err
	}
	if err := c.TxMgrConfig.Check(); err != nil {
		return fmt.Errorf("txmgr config invalid: %w", err)
	}
	return nil
}

// NewConfigFromCLI resolves the configuration from CLI flags, their env-var
// mirrors, and the environment-only tuning knobs.
func NewConfigFromCLI(ctx *cli.Context) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, err
	}

	gameFactory, err := parseAddress(ctx.String(flags.GameFactoryFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid game-factory-address: %w", err)
	}
	var gameImpl common.Address
	if ctx.IsSet(flags.GameImplFlag.Name) {
		gameImpl, err = parseAddress(ctx.String(flags.GameImplFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid kailua-game-implementation: %w", err)
		}
	}
	var payout common.Address
	if ctx.IsSet(flags.PayoutRecipientFlag.Name) {
		payout, err = parseAddress(ctx.String(flags.PayoutRecipientFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid payout-recipient-address: %w", err)
		}
	}

	var tuning Tuning
	if err := envconfig.Process("", &tuning); err != nil {
		return nil, fmt.Errorf("invalid tuning environment: %w", err)
	}

	txMgrConfig := txmgr.ReadCLIConfig(ctx)
	txMgrConfig.L1RPCURL = ctx.String(flags.EthRPCFlag.Name)
	if ctx.IsSet(flags.ValidatorKeyFlag.Name) {
		txMgrConfig.PrivateKey = ctx.String(flags.ValidatorKeyFlag.Name)
	}

	cfg := &Config{
		EthRPCURL:         ctx.String(flags.EthRPCFlag.Name),
		BeaconRPCURL:      ctx.String(flags.BeaconRPCFlag.Name),
		OpGethURL:         ctx.String(flags.OpGethFlag.Name),
		OpNodeURL:         ctx.String(flags.OpNodeFlag.Name),
		KailuaHost:        ctx.Path(flags.KailuaHostFlag.Name),
		GameFactory:       gameFactory,
		GameImpl:          gameImpl,
		PayoutRecipient:   payout,
		TxnTimeout:        ctx.Duration(flags.TxnTimeoutFlag.Name),
		ExecGasPremium:    ctx.Uint64(flags.ExecGasPremiumFlag.Name),
		FastForwardTarget: ctx.Uint64(flags.FastForwardTargetFlag.Name),
		DataDir:           ctx.Path(flags.DataDirFlag.Name),
		PollInterval:      ctx.Duration(flags.PollIntervalFlag.Name),
		MaxTaskRetries:    ctx.Int(flags.MaxTaskRetriesFlag.Name),
		MaxTxnAttempts:    ctx.Int(flags.MaxTxnAttemptsFlag.Name),
		CPUProfile:        ctx.Bool(flags.CPUProfileFlag.Name),
		Tuning:            tuning,
		TxMgrConfig:       txMgrConfig,
		MetricsConfig:     opmetrics.ReadCLIConfig(ctx),
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}
