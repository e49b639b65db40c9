// Package registry resolves the active game-contract deployment at startup
// and answers staleness checks for the rest of the agent.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/types"
)

// DeploymentSource reads deployment records from the settlement chain.
type DeploymentSource interface {
	// LatestDeployment returns the most recent deployment published by the
	// game factory.
	LatestDeployment(ctx context.Context) (types.Deployment, error)
	// DeploymentByImpl resolves the deployment for an explicitly pinned game
	// implementation address.
	DeploymentByImpl(ctx context.Context, impl common.Address) (types.Deployment, error)
}

// Registry holds the single active deployment. The deployment itself is
// immutable for the lifetime of the agent; only the observed latest epoch
// advances, via Refresh. A new on-chain deployment makes every epoch stale,
// including the active one, and requires an agent restart to adopt.
type Registry struct {
	log         log.Logger
	source      DeploymentSource
	active      types.Deployment
	latestEpoch atomic.Uint64
}

// Resolve discovers the active deployment, either the latest on-chain record
// or the one pinned by impl (non-zero address). Failure here is fatal: the
// agent cannot act without a deployment.
func Resolve(ctx context.Context, logger log.Logger, source DeploymentSource, impl common.Address) (*Registry, error) {
	var dep types.Deployment
	var err error
	if impl != (common.Address{}) {
		dep, err = source.DeploymentByImpl(ctx, impl)
	} else {
		dep, err = source.LatestDeployment(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active deployment: %w", err)
	}
	if !dep.Active {
		return nil, fmt.Errorf("deployment %v (epoch %d) is not active", dep.GameImpl, dep.Epoch)
	}
	logger.Info("Resolved active deployment",
		"epoch", dep.Epoch, "gameImpl", dep.GameImpl, "activationBlock", dep.ActivationBlock)
	r := &Registry{log: logger, source: source, active: dep}
	r.latestEpoch.Store(dep.Epoch)
	return r, nil
}

// ActiveDeployment returns the deployment resolved at startup.
func (r *Registry) ActiveDeployment() types.Deployment {
	return r.active
}

// IsStale reports whether entities referencing epoch must be abandoned.
// Every epoch other than the active one is stale, and once the active
// deployment has been superseded on-chain the active epoch is stale too.
func (r *Registry) IsStale(epoch uint64) bool {
	return epoch != r.active.Epoch || r.Superseded()
}

// Superseded reports whether a newer deployment has been observed on-chain.
func (r *Registry) Superseded() bool {
	return r.latestEpoch.Load() != r.active.Epoch
}

// Refresh re-reads the latest on-chain epoch. Returns true on the refresh
// that first observes a supersession.
func (r *Registry) Refresh(ctx context.Context) (bool, error) {
	latest, err := r.source.LatestDeployment(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh deployment: %w", err)
	}
	prev := r.latestEpoch.Swap(latest.Epoch)
	if latest.Epoch != r.active.Epoch && prev == r.active.Epoch {
		r.log.Info("Active deployment superseded, abandoning in-flight work",
			"activeEpoch", r.active.Epoch, "latestEpoch", latest.Epoch, "gameImpl", latest.GameImpl)
		return true, nil
	}
	return false, nil
}
