// Package supervisor owns the run's single shared cancellation token
// (spec.md §5: "one shared cancellation token per run, derived tokens
// per item") and translates a finished run's report into the exit
// condition the CLI surfaces.
package supervisor

import (
	"context"
	"sync"

	"github.com/stratum-dmt/stratum/internal/executor"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/report"
)

// Outcome classifies a finished run for the CLI's exit code (spec.md
// §6): 0 for OutcomeSuccess, 1 for OutcomeFailed, 130 for
// OutcomeCancelled.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "success"
	}
}

// ExitCode maps an Outcome to the process exit code spec.md §6 names.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCancelled:
		return 130
	case OutcomeFailed:
		return 1
	default:
		return 0
	}
}

// Supervisor wraps one Executor run with a trippable cancellation
// token so the CLI's signal handler can request a graceful shutdown
// without reaching into pipeline internals.
type Supervisor struct {
	exec *executor.Executor

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

// New builds a Supervisor over an Executor.
func New(exec *executor.Executor) *Supervisor {
	return &Supervisor{exec: exec}
}

// Shutdown trips the run's cancellation token. Safe to call multiple
// times or before Run has started (the token is created lazily by
// Run and armed immediately if Shutdown already fired).
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes p under a derived, cancellable context and classifies
// the result into an Outcome plus the run's report.
func (s *Supervisor) Run(ctx context.Context, p plan.MigrationPlan) (*report.Report, Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	alreadyCancelled := s.cancelled
	s.mu.Unlock()
	if alreadyCancelled {
		cancel()
	}
	defer cancel()

	rep, err := s.exec.Run(runCtx, p)
	if err == nil {
		return rep, OutcomeSuccess, nil
	}
	if runCtx.Err() != nil {
		return rep, OutcomeCancelled, err
	}
	return rep, OutcomeFailed, err
}
