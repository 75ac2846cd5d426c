// Package app wires configuration, stores, services, and the periodic
// sweepers into one application. Nil stores default to the in-memory
// implementation.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/services/accuracy"
	assignmentsvc "github.com/synapse-platform/annotation-core/internal/app/services/assignment"
	consensussvc "github.com/synapse-platform/annotation-core/internal/app/services/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/services/costs"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/services/experts"
	"github.com/synapse-platform/annotation-core/internal/app/services/outboxworker"
	"github.com/synapse-platform/annotation-core/internal/app/services/probes"
	"github.com/synapse-platform/annotation-core/internal/app/services/projectbilling"
	"github.com/synapse-platform/annotation-core/internal/app/services/workflow"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
	"github.com/synapse-platform/annotation-core/internal/config"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Annotators  storage.AnnotatorStore
	Experts     storage.ExpertStore
	Projects    storage.ProjectStore
	Assignments storage.AssignmentStore
	Submissions storage.SubmissionStore
	Consensus   storage.ConsensusStore
	Goldens     storage.GoldenStore
	Billing     storage.BillingStore
	Outbox      storage.OutboxStore
}

func (s *Stores) applyDefaults(mem *memory.Store) {
	if s == nil || mem == nil {
		return
	}
	if s.Annotators == nil {
		s.Annotators = mem
	}
	if s.Experts == nil {
		s.Experts = mem
	}
	if s.Projects == nil {
		s.Projects = mem
	}
	if s.Assignments == nil {
		s.Assignments = mem
	}
	if s.Submissions == nil {
		s.Submissions = mem
	}
	if s.Consensus == nil {
		s.Consensus = mem
	}
	if s.Goldens == nil {
		s.Goldens = mem
	}
	if s.Billing == nil {
		s.Billing = mem
	}
	if s.Outbox == nil {
		s.Outbox = mem
	}
}

// Application owns the service graph and the sweeper schedule.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	stores Stores

	Assignment *assignmentsvc.Service
	Accuracy   *accuracy.Service
	Probes     *probes.Service
	Consensus  *consensussvc.Service
	Experts    *experts.Service
	Escrow     *escrow.Service
	Billing    *projectbilling.Service
	Workflow   *workflow.Service
	Outbox     *outboxworker.Worker

	cron *cron.Cron
}

// New wires the application. A nil logger falls back to the config logging
// section; nil stores use a shared in-memory store.
func New(cfg *config.Config, stores Stores, log *logger.Logger) *Application {
	if log == nil {
		log = logger.New(cfg.Logging)
	}
	stores.applyDefaults(memory.New())

	estimator := costs.NewEstimator()
	randomizer := core.NewRandomizer(time.Now().UnixNano())

	escrowSvc := escrow.New(stores.Annotators, stores.Assignments, stores.Billing, stores.Projects, estimator, log)
	accuracySvc := accuracy.New(stores.Annotators, stores.Goldens, stores.Outbox, log)
	probesSvc := probes.New(stores.Goldens, stores.Assignments, accuracySvc, randomizer, log)
	assignmentSvc := assignmentsvc.New(stores.Annotators, stores.Projects, stores.Assignments, log)
	consensusSvc := consensussvc.New(stores.Submissions, stores.Assignments, stores.Consensus, escrowSvc, randomizer, log)
	expertsSvc := experts.New(stores.Experts, stores.Consensus, stores.Submissions, stores.Assignments, stores.Projects, escrowSvc, randomizer, log)
	billingSvc := projectbilling.New(stores.Projects, stores.Submissions, stores.Billing, stores.Outbox, estimator, log)

	consensusSvc.SetReviewCreator(expertsSvc)
	expertsSvc.SetBillingDebitor(billingSvc)

	workflowSvc := workflow.New(stores.Submissions, stores.Assignments, stores.Projects,
		probesSvc, escrowSvc, consensusSvc, billingSvc, assignmentSvc, log)

	outboxWorker := outboxworker.New(stores.Outbox, nil, cfg.OutboxRatePerSecond, cfg.OutboxMaxAttempts, log)

	return &Application{
		cfg:        cfg,
		log:        log,
		stores:     stores,
		Assignment: assignmentSvc,
		Accuracy:   accuracySvc,
		Probes:     probesSvc,
		Consensus:  consensusSvc,
		Experts:    expertsSvc,
		Escrow:     escrowSvc,
		Billing:    billingSvc,
		Workflow:   workflowSvc,
		Outbox:     outboxWorker,
	}
}

// StartSweepers schedules the periodic workers: stale assignments, expert
// timeouts, billing lifecycle, consensus retries, outbox delivery, and the
// daily accuracy snapshot.
func (a *Application) StartSweepers(ctx context.Context) error {
	a.cron = cron.New()

	entries := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"stale_assignments", a.cfg.StaleAssignmentInterval, func(ctx context.Context) {
			if _, err := a.Assignment.SweepStaleAssignments(ctx); err != nil {
				a.log.WithError(err).Error("stale assignment sweep failed")
			}
		}},
		{"expert_timeouts", a.cfg.ExpertTimeoutInterval, func(ctx context.Context) {
			if _, err := a.Experts.SweepTimeouts(ctx); err != nil {
				a.log.WithError(err).Error("expert timeout sweep failed")
			}
		}},
		{"lifecycle", a.cfg.LifecycleInterval, func(ctx context.Context) {
			if _, err := a.Billing.SweepLifecycle(ctx); err != nil {
				a.log.WithError(err).Error("lifecycle sweep failed")
			}
		}},
		{"consensus_retry", a.cfg.ConsensusRetryInterval, func(ctx context.Context) {
			if _, err := a.Consensus.SweepStale(ctx); err != nil {
				a.log.WithError(err).Error("stale consensus sweep failed")
			}
		}},
		{"outbox", a.cfg.OutboxInterval, func(ctx context.Context) {
			if _, _, err := a.Outbox.DrainOnce(ctx); err != nil {
				a.log.WithError(err).Error("outbox drain failed")
			}
		}},
		{"daily_accuracy_snapshot", 24 * time.Hour, func(ctx context.Context) {
			a.snapshotAllAnnotators(ctx)
		}},
	}

	for _, entry := range entries {
		entry := entry
		spec := fmt.Sprintf("@every %s", entry.interval)
		if _, err := a.cron.AddFunc(spec, func() {
			started := time.Now()
			entry.run(ctx)
			metrics.SweepDuration.WithLabelValues(entry.name).Observe(time.Since(started).Seconds())
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", entry.name, err)
		}
	}

	a.cron.Start()
	a.log.Info("sweepers started")
	return nil
}

// Stop halts the sweeper schedule.
func (a *Application) Stop() {
	if a.cron != nil {
		ctx := a.cron.Stop()
		<-ctx.Done()
	}
	a.log.Info("application stopped")
}

func (a *Application) snapshotAllAnnotators(ctx context.Context) {
	profiles, err := a.stores.Annotators.ListAnnotators(ctx)
	if err != nil {
		a.log.WithError(err).Error("could not list annotators for snapshot")
		return
	}
	for _, prof := range profiles {
		if err := a.Accuracy.SnapshotDailyAccuracy(ctx, prof.ID); err != nil {
			a.log.WithError(err).WithField("annotator_id", prof.ID).
				Error("daily accuracy snapshot failed; continuing")
		}
	}
}

// The operation facade below mirrors the narrow surface request handlers
// consume.

// AssignProject distributes a project's under-filled tasks.
func (a *Application) AssignProject(ctx context.Context, projectID string) (assignmentsvc.Result, error) {
	return a.Assignment.AssignProject(ctx, projectID)
}

// OnAnnotationSubmitted drives the submission pipeline.
func (a *Application) OnAnnotationSubmitted(ctx context.Context, submissionID string) error {
	return a.Workflow.OnAnnotationSubmitted(ctx, submissionID)
}

// ConsolidateTask runs consolidation for one task.
func (a *Application) ConsolidateTask(ctx context.Context, taskID string) (consensussvc.Outcome, error) {
	return a.Consensus.ConsolidateTask(ctx, taskID)
}

// AssignExpertIfNeeded routes a consensus to an expert.
func (a *Application) AssignExpertIfNeeded(ctx context.Context, consensusID string, force bool) (experts.AssignResult, error) {
	return a.Experts.AssignIfNeeded(ctx, consensusID, force)
}

// ExpertReviewSubmitted applies an expert decision.
func (a *Application) ExpertReviewSubmitted(ctx context.Context, reviewID, decision string, corrected json.RawMessage) error {
	return a.Experts.SubmitReview(ctx, reviewID, decision, corrected)
}

// ReleaseFinalOnExport charges an export and releases final payments.
func (a *Application) ReleaseFinalOnExport(ctx context.Context, projectID string, taskIDs []string, annotationsExported int) (workflow.ExportResult, error) {
	return a.Workflow.ReleaseFinalOnExport(ctx, projectID, taskIDs, annotationsExported)
}

// EstimateCost is the pure estimate entry point.
func (a *Application) EstimateCost(params costs.Params) costs.Breakdown {
	return a.Billing.EstimateCost(params)
}

// CalculateDeposit estimates a project's deposit.
func (a *Application) CalculateDeposit(ctx context.Context, projectID string, overrides *costs.Params) (costs.Breakdown, error) {
	return a.Billing.CalculateDeposit(ctx, projectID, overrides)
}

// CollectDeposit debits the deposit and publishes the project.
func (a *Application) CollectDeposit(ctx context.Context, projectID string, overrides *costs.Params) (decimal.Decimal, error) {
	pb, err := a.Billing.CollectDeposit(ctx, projectID, overrides)
	if err != nil {
		return decimal.Zero, err
	}
	return pb.DepositPaid, nil
}

// RefundDeposit closes out a project deposit.
func (a *Application) RefundDeposit(ctx context.Context, projectID, reason string) (decimal.Decimal, error) {
	return a.Billing.RefundDeposit(ctx, projectID, reason)
}

// SweepLifecycle runs the billing lifecycle sweep once.
func (a *Application) SweepLifecycle(ctx context.Context) (projectbilling.LifecycleCounters, error) {
	return a.Billing.SweepLifecycle(ctx)
}

// SweepExpertTimeouts runs the expert timeout sweep once.
func (a *Application) SweepExpertTimeouts(ctx context.Context) (experts.TimeoutCounters, error) {
	return a.Experts.SweepTimeouts(ctx)
}

// SweepStaleAssignments runs the stale assignment sweep once.
func (a *Application) SweepStaleAssignments(ctx context.Context) (int, error) {
	return a.Assignment.SweepStaleAssignments(ctx)
}

// SnapshotDailyAccuracy records one annotator's daily snapshot.
func (a *Application) SnapshotDailyAccuracy(ctx context.Context, annotatorID string) error {
	return a.Accuracy.SnapshotDailyAccuracy(ctx, annotatorID)
}
