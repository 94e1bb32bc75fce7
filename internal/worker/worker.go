// Package worker drives provisioning in the background: each pass selects
// eligible portfolios, claims their state machines one at a time and
// advances them as far as they will go.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"provline/internal/claims"
	"provline/internal/engine"
	"provline/internal/fsm"
)

const ActorID = "worker"

type Worker struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *log.Logger
}

func New(e engine.Engine) Worker {
	interval := 60 * time.Second
	if e.Config != nil && e.Config.Worker.IntervalSeconds > 0 {
		interval = time.Duration(e.Config.Worker.IntervalSeconds) * time.Second
	}
	return Worker{Engine: e, Interval: interval}
}

func (w Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run executes passes until ctx is cancelled.
func (w Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger().Printf("worker: pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass and returns how many portfolios advanced.
// A portfolio another worker holds a claim on is skipped, not an error.
func (w Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.Engine.Now().UTC().Format(time.RFC3339)
	ids, err := w.Engine.Repo.PendingProvisioning(ctx, now)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, portfolioID := range ids {
		ok, err := w.provision(ctx, portfolioID)
		if err != nil {
			w.logger().Printf("worker: portfolio %s: %v", portfolioID, err)
			continue
		}
		if ok {
			advanced++
		}
	}
	if _, err := w.Engine.ProvisionPendingApplications(ctx, ActorID); err != nil {
		w.logger().Printf("worker: applications: %v", err)
	}
	return advanced, nil
}

// provision claims one portfolio's state machine and advances it until it
// stops making progress: a terminal state, a failure, or a transient error
// that leaves the state unchanged for a later pass.
func (w Worker) provision(ctx context.Context, portfolioID string) (bool, error) {
	sm, err := w.Engine.GetOrCreateStateMachine(ctx, portfolioID)
	if err != nil {
		return false, err
	}
	hold, err := w.Engine.Claims.Claim(ctx, "portfolio_state_machines", sm.ID, w.Engine.ClaimTTL())
	if err != nil {
		if errors.Is(err, claims.ErrClaimFailed) {
			return false, nil
		}
		return false, err
	}
	defer func() {
		if rerr := hold.Release(ctx); rerr != nil {
			w.logger().Printf("worker: portfolio %s: release claim: %v", portfolioID, rerr)
		}
	}()

	progressed := false
	for {
		prev := sm.State
		sm, err = w.Engine.Advance(ctx, portfolioID, ActorID)
		if err != nil {
			// State handling is already persisted; transient errors
			// just end the pass for this portfolio.
			w.logger().Printf("worker: portfolio %s stage error: %v", portfolioID, err)
			return progressed, nil
		}
		if sm.State == prev {
			return progressed, nil
		}
		progressed = true
		if !fsm.Ready(fsm.State(sm.State)) {
			return progressed, nil
		}
	}
}
