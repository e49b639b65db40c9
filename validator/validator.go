// Package validator wires the dispute-detection and proof-orchestration
// engine into a long-running service: proposal polling, classification,
// proving, and submission.
package validator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/txmgr"

	"github.com/risc0/kailua-validator/validator/backend"
	"github.com/risc0/kailua-validator/validator/classifier"
	"github.com/risc0/kailua-validator/validator/metrics"
	"github.com/risc0/kailua-validator/validator/registry"
	"github.com/risc0/kailua-validator/validator/scheduler"
	"github.com/risc0/kailua-validator/validator/source"
	"github.com/risc0/kailua-validator/validator/submitter"
	"github.com/risc0/kailua-validator/validator/tracker"
)

// Main is the validate command's lifecycle action. Configuration errors
// returned here abort startup with a non-zero exit; everything after Start
// is absorbed and retried.
func Main(version string) cliapp.LifecycleAction {
	return func(cliCtx *cli.Context, _ context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		cfg, err := NewConfigFromCLI(cliCtx)
		if err != nil {
			return nil, err
		}
		logger := oplog.NewLogger(oplog.AppOut(cliCtx), oplog.ReadCLIConfig(cliCtx))
		oplog.SetGlobalLogHandler(logger.GetHandler())
		logger.Info("Starting kailua-validator", "version", version)
		return NewValidator(cliCtx.Context, logger, metrics.NewMetrics(), cfg, version)
	}
}

// Validator is the long-running agent.
type Validator struct {
	log     log.Logger
	cfg     *Config
	metrics *metrics.Metrics
	version string

	source    *source.Client
	registry  *registry.Registry
	tracker   *tracker.Tracker
	scheduler *scheduler.Scheduler
	store     *backend.Store

	metricsSrv *httputil.HTTPServer
	profiler   interface{ Stop() }

	fromBlock uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewValidator dials the collaborators, resolves the active deployment, and
// assembles the pipeline. Any error here is fatal.
func NewValidator(ctx context.Context, logger log.Logger, m *metrics.Metrics, cfg *Config, version string) (*Validator, error) {
	src, err := source.Dial(ctx, logger, cfg.EthRPCURL, cfg.OpNodeURL, cfg.GameFactory)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Resolve(ctx, logger, src, cfg.GameImpl)
	if err != nil {
		return nil, err
	}
	trk := tracker.New(logger, reg)

	store, err := backend.NewStore(logger, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof store: %w", err)
	}
	bk, err := backend.New(logger, backend.Config{
		HostBinary:     cfg.KailuaHost,
		EthRPCURL:      cfg.EthRPCURL,
		BeaconRPCURL:   cfg.BeaconRPCURL,
		OpGethURL:      cfg.OpGethURL,
		OpNodeURL:      cfg.OpNodeURL,
		DataDir:        cfg.DataDir,
		SegmentLimit:   cfg.Tuning.SegmentLimit,
		MaxWitnessSize: cfg.Tuning.MaxWitnessSize,
		MaxHosts:       cfg.Tuning.NumConcurrentHosts,
		ProverAPIURL:   cfg.Tuning.ProverAPIURL,
		ProverAPIKey:   cfg.Tuning.ProverAPIKey,
	}, store)
	if err != nil {
		return nil, err
	}

	txMgr, err := txmgr.NewSimpleTxManager("kailua-validator", logger, m, cfg.TxMgrConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction manager: %w", err)
	}
	sub := submitter.New(logger, m, submitter.Config{
		GameContract:    reg.ActiveDeployment().GameImpl,
		PayoutRecipient: cfg.PayoutRecipient,
		Timeout:         cfg.TxnTimeout,
		GasPremiumPct:   cfg.ExecGasPremium,
		MaxAttempts:     cfg.MaxTxnAttempts,
	}, txMgr, src.L1(), nil)

	sched := scheduler.New(logger, m, scheduler.Config{
		MaxPreflights:       cfg.Tuning.NumConcurrentPreflights,
		MaxProofs:           cfg.Tuning.NumConcurrentProofs,
		MaxAttempts:         cfg.MaxTaskRetries,
		SkipDerivationProof: cfg.Tuning.SkipDerivationProof,
	}, bk, sub, trk)

	return &Validator{
		log:       logger,
		cfg:       cfg,
		metrics:   m,
		version:   version,
		source:    src,
		registry:  reg,
		tracker:   trk,
		scheduler: sched,
		store:     store,
		fromBlock: reg.ActiveDeployment().ActivationBlock,
	}, nil
}

func (v *Validator) Start(ctx context.Context) error {
	if v.cfg.CPUProfile {
		v.profiler = profile.Start(profile.NoShutdownHook, profile.CPUProfile)
	}
	if v.cfg.MetricsConfig.Enabled {
		srv, err := opmetrics.StartServer(v.metrics.Registry(), v.cfg.MetricsConfig.ListenAddr, v.cfg.MetricsConfig.ListenPort)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		v.metricsSrv = srv
		v.log.Info("Started metrics server", "addr", srv.Addr())
	}
	v.metrics.RecordInfo(v.version)
	v.metrics.RecordUp()

	loopCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.wg.Add(1)
	go v.loop(loopCtx)
	v.log.Info("Validator started",
		"epoch", v.registry.ActiveDeployment().Epoch,
		"gameImpl", v.registry.ActiveDeployment().GameImpl,
		"fastForwardTarget", v.cfg.FastForwardTarget)
	return nil
}

func (v *Validator) Stop(ctx context.Context) error {
	v.log.Info("Stopping validator")
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()
	v.scheduler.Wait()
	v.store.Close()
	if v.metricsSrv != nil {
		if err := v.metricsSrv.Stop(ctx); err != nil {
			v.log.Error("Failed to stop metrics server", "err", err)
		}
	}
	if v.profiler != nil {
		v.profiler.Stop()
	}
	v.stopped.Store(true)
	v.log.Info("Validator stopped")
	return nil
}

func (v *Validator) Stopped() bool {
	return v.stopped.Load()
}

func (v *Validator) loop(ctx context.Context) {
	defer v.wg.Done()
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cycle is one scheduling round: refresh the deployment view, pull new
// proposals, reconcile statuses, classify, and sync the scheduler. Every
// failure in here is transient by construction; the next tick retries.
func (v *Validator) cycle(ctx context.Context) {
	dep := v.registry.ActiveDeployment()

	superseded, err := v.registry.Refresh(ctx)
	if err != nil {
		v.log.Warn("Deployment refresh failed, retrying next cycle", "err", err)
		return
	}
	if superseded {
		v.tracker.AbandonEpoch(dep.Epoch)
	}
	if v.registry.Superseded() {
		// Stale deployments are abandoned, not migrated. The agent idles
		// until an operator restarts it against the new deployment.
		return
	}

	raws, next, err := v.source.FetchProposals(ctx, dep.GameImpl, v.fromBlock, dep.Epoch)
	if err != nil {
		v.log.Warn("Proposal fetch failed, retrying next cycle", "err", err)
		return
	}
	for _, raw := range raws {
		event, err := v.tracker.Ingest(raw)
		if err != nil {
			v.log.Warn("Rejected proposal", "proposal", raw.ID, "err", err)
			continue
		}
		v.metrics.RecordProposalEvent(event.Kind.String())
	}
	v.fromBlock = next

	if err := v.tracker.Reconcile(ctx, v.source); err != nil {
		v.log.Warn("Proposal reconciliation incomplete, retrying next cycle", "err", err)
		return
	}

	result := classifier.Classify(v.tracker.Snapshot(), v.cfg.FastForwardTarget)
	v.metrics.RecordDisputes(len(result.Disputes))
	v.metrics.RecordFastForwardCandidates(len(result.FastForward))
	v.scheduler.Sync(ctx, result)
}
