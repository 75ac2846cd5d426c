// Package workflow coordinates the submission path across the probe engine,
// escrow pipeline, billing, and consolidation: probes are filtered first and
// bypass payment entirely; ordinary submissions release escrow stage one and
// trigger consolidation once the overlap is reached.
package workflow

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	assignmentsvc "github.com/synapse-platform/annotation-core/internal/app/services/assignment"
	consensussvc "github.com/synapse-platform/annotation-core/internal/app/services/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/services/probes"
	"github.com/synapse-platform/annotation-core/internal/app/services/projectbilling"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
)

// Service is the submission-path coordinator.
type Service struct {
	submissions storage.SubmissionStore
	assignments storage.AssignmentStore
	projects    storage.ProjectStore

	probes     *probes.Service
	escrow     *escrow.Service
	consensus  *consensussvc.Service
	billing    *projectbilling.Service
	assignment *assignmentsvc.Service

	log *logger.Logger
}

// New constructs the workflow coordinator.
func New(
	submissions storage.SubmissionStore,
	assignments storage.AssignmentStore,
	projects storage.ProjectStore,
	probesSvc *probes.Service,
	escrowSvc *escrow.Service,
	consensusSvc *consensussvc.Service,
	billingSvc *projectbilling.Service,
	assignmentSvc *assignmentsvc.Service,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	return &Service{
		submissions: submissions,
		assignments: assignments,
		projects:    projects,
		probes:      probesSvc,
		escrow:      escrowSvc,
		consensus:   consensusSvc,
		billing:     billingSvc,
		assignment:  assignmentSvc,
		log:         log,
	}
}

// OnAnnotationSubmitted drives the submission pipeline for one submission:
// the probe branch first (probes bypass escrow and consolidation), then
// escrow stage one, billing accrual, and the consolidation readiness check.
func (s *Service) OnAnnotationSubmitted(ctx context.Context, submissionID string) error {
	sub, err := s.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}

	handled, eval, err := s.probes.EvaluateSubmission(ctx, sub)
	if err != nil {
		return err
	}
	if handled {
		s.log.WithField("submission_id", sub.ID).
			WithField("passed", eval.Passed).
			Debug("probe submission absorbed")
		return nil
	}

	asg, err := s.assignments.GetAssignmentByPair(ctx, sub.AuthorID, sub.TaskID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return err
		}
		// Unassigned submissions earn nothing and, having no completed
		// assignment, do not add to the overlap count; the task's
		// consolidation check still runs.
		s.log.WithField("submission_id", sub.ID).
			Warn("submission without assignment; no payment released")
		return s.checkConsolidation(ctx, sub.TaskID)
	}

	asg.SubmissionID = sub.ID
	if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
		return err
	}

	if _, err := s.escrow.ReleaseImmediate(ctx, asg.ID, sub.Result); err != nil {
		return err
	}

	if err := s.billing.OnSubmission(ctx, sub.TaskID); err != nil {
		s.log.WithError(err).WithField("task_id", sub.TaskID).
			Warn("billing accrual failed; submission pipeline continues")
	}

	return s.checkConsolidation(ctx, sub.TaskID)
}

// checkConsolidation triggers consolidation once the completed, non-probe
// annotation count reaches the required overlap.
func (s *Service) checkConsolidation(ctx context.Context, taskID string) error {
	subs, err := s.submissions.ListSubmissionsByTask(ctx, taskID)
	if err != nil {
		return err
	}

	count := 0
	for _, sub := range subs {
		if sub.GroundTruth {
			continue
		}
		asg, err := s.assignments.GetAssignmentByPair(ctx, sub.AuthorID, taskID)
		if err != nil || asg.IsProbe || asg.Status != assignment.StatusCompleted {
			continue
		}
		count++
	}

	if count < project.RequiredOverlap {
		return nil
	}
	_, err = s.consensus.ConsolidateTask(ctx, taskID)
	return err
}

// QueueItem mirrors the probe engine's queue entries.
type QueueItem = probes.QueueItem

// QueueForAnnotator builds an annotator's ordered work queue for a project
// with probes blended in, creating assignment rows for the injected probes
// so they are indistinguishable downstream.
func (s *Service) QueueForAnnotator(ctx context.Context, annotatorID, projectID string) ([]QueueItem, error) {
	open, err := s.assignments.ListAssignmentsByAnnotator(ctx, annotatorID,
		[]string{assignment.StatusAssigned, assignment.StatusInProgress})
	if err != nil {
		return nil, err
	}

	var tasks []project.Task
	for _, asg := range open {
		if asg.ProjectID != projectID || asg.IsProbe {
			continue
		}
		task, err := s.projects.GetTask(ctx, asg.TaskID)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}

	queue, err := s.probes.InjectProbes(ctx, annotatorID, projectID, tasks)
	if err != nil {
		return nil, err
	}

	for _, item := range queue {
		if !item.IsProbe {
			continue
		}
		if _, err := s.assignments.CreateAssignment(ctx, assignment.Assignment{
			AnnotatorID: annotatorID,
			TaskID:      item.Task.ID,
			ProjectID:   projectID,
			Status:      assignment.StatusAssigned,
			IsProbe:     true,
		}); err != nil {
			s.log.WithError(err).WithField("task_id", item.Task.ID).
				Warn("could not create probe assignment row")
		}
	}
	return queue, nil
}

// ExportResult reports one export release.
type ExportResult struct {
	Count         int
	TotalReleased decimal.Decimal
	Charge        projectbilling.ExportCharge
}

// ReleaseFinalOnExport charges the export and releases the final escrow
// stage for every eligible assignment of the exported tasks.
func (s *Service) ReleaseFinalOnExport(ctx context.Context, projectID string, taskIDs []string, annotationsExported int) (ExportResult, error) {
	charge, err := s.billing.ChargeExport(ctx, projectID, len(taskIDs), annotationsExported)
	if err != nil {
		return ExportResult{}, err
	}

	count, total, err := s.escrow.ReleaseFinalOnExport(ctx, projectID, taskIDs)
	if err != nil {
		return ExportResult{}, err
	}
	return ExportResult{Count: count, TotalReleased: total, Charge: charge}, nil
}
