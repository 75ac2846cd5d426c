// Package storage defines the persistence interfaces of the coordination
// core. Aggregates own their collections; cross-aggregate references are
// id-only.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
)

// AnnotatorStore persists annotator profiles, trust records, warnings, and
// accuracy snapshots.
type AnnotatorStore interface {
	CreateAnnotator(ctx context.Context, p annotator.Profile) (annotator.Profile, error)
	UpdateAnnotator(ctx context.Context, p annotator.Profile) (annotator.Profile, error)
	GetAnnotator(ctx context.Context, id string) (annotator.Profile, error)
	ListAnnotators(ctx context.Context) ([]annotator.Profile, error)

	GetTrustRecord(ctx context.Context, annotatorID string) (annotator.TrustRecord, error)
	SaveTrustRecord(ctx context.Context, rec annotator.TrustRecord) (annotator.TrustRecord, error)

	CreateWarning(ctx context.Context, w annotator.Warning) (annotator.Warning, error)
	UpdateWarning(ctx context.Context, w annotator.Warning) (annotator.Warning, error)
	GetWarning(ctx context.Context, id string) (annotator.Warning, error)
	ListWarnings(ctx context.Context, annotatorID string) ([]annotator.Warning, error)

	CreateAccuracySnapshot(ctx context.Context, s annotator.AccuracySnapshot) (annotator.AccuracySnapshot, error)
	ListAccuracySnapshots(ctx context.Context, annotatorID string, limit int) ([]annotator.AccuracySnapshot, error)
}

// ExpertStore persists expert profiles and review tasks.
type ExpertStore interface {
	CreateExpert(ctx context.Context, p expert.Profile) (expert.Profile, error)
	UpdateExpert(ctx context.Context, p expert.Profile) (expert.Profile, error)
	GetExpert(ctx context.Context, id string) (expert.Profile, error)
	ListExperts(ctx context.Context) ([]expert.Profile, error)

	CreateReview(ctx context.Context, r expert.Review) (expert.Review, error)
	UpdateReview(ctx context.Context, r expert.Review) (expert.Review, error)
	GetReview(ctx context.Context, id string) (expert.Review, error)
	ListReviewsByExpert(ctx context.Context, expertID string, statuses []string) ([]expert.Review, error)
	ListReviewsByTask(ctx context.Context, taskID string) ([]expert.Review, error)
	ListOpenReviewsOlderThan(ctx context.Context, cutoff time.Time) ([]expert.Review, error)
}

// ProjectStore persists projects and tasks.
type ProjectStore interface {
	CreateProject(ctx context.Context, p project.Project) (project.Project, error)
	UpdateProject(ctx context.Context, p project.Project) (project.Project, error)
	GetProject(ctx context.Context, id string) (project.Project, error)
	ListProjects(ctx context.Context, organizationID string) ([]project.Project, error)

	CreateTask(ctx context.Context, t project.Task) (project.Task, error)
	UpdateTask(ctx context.Context, t project.Task) (project.Task, error)
	GetTask(ctx context.Context, id string) (project.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]project.Task, error)
	// ListUnderFilledTasks returns tasks with fewer live assignments than the
	// required overlap, in creation order.
	ListUnderFilledTasks(ctx context.Context, projectID string, overlap int) ([]project.Task, error)
}

// AssignmentStore persists annotator-task assignments. (annotator, task) is
// unique.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a assignment.Assignment) (assignment.Assignment, error)
	UpdateAssignment(ctx context.Context, a assignment.Assignment) (assignment.Assignment, error)
	GetAssignment(ctx context.Context, id string) (assignment.Assignment, error)
	GetAssignmentByPair(ctx context.Context, annotatorID, taskID string) (assignment.Assignment, error)
	ListAssignmentsByTask(ctx context.Context, taskID string) ([]assignment.Assignment, error)
	ListAssignmentsByAnnotator(ctx context.Context, annotatorID string, statuses []string) ([]assignment.Assignment, error)
	ListAssignmentsByProject(ctx context.Context, projectID string) ([]assignment.Assignment, error)
	// CountActiveAssignments re-reads live assignment counts to tolerate
	// concurrent mutations.
	CountActiveAssignments(ctx context.Context, annotatorID string) (int, error)
	CountCompletedSince(ctx context.Context, annotatorID, projectID string, since time.Time) (int, error)
	// ListStaleAssignments returns assignments in assigned state older than
	// assignedBefore or in-progress older than startedBefore.
	ListStaleAssignments(ctx context.Context, assignedBefore, startedBefore time.Time) ([]assignment.Assignment, error)
	// ListReleasable returns completed assignments with the consensus stage
	// released and the review stage still held, optionally filtered by task.
	ListReleasable(ctx context.Context, projectID string, taskIDs []string) ([]assignment.Assignment, error)
}

// SubmissionStore persists annotation submissions. At most one non-cancelled
// submission exists per (task, author).
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s annotation.Submission) (annotation.Submission, error)
	UpdateSubmission(ctx context.Context, s annotation.Submission) (annotation.Submission, error)
	GetSubmission(ctx context.Context, id string) (annotation.Submission, error)
	ListSubmissionsByTask(ctx context.Context, taskID string) ([]annotation.Submission, error)
	// ClearGroundTruth unsets the ground-truth flag on all of a task's
	// submissions before a new ground truth is written.
	ClearGroundTruth(ctx context.Context, taskID string) error
}

// ConsensusStore persists consensus records and their agreement artifacts.
type ConsensusStore interface {
	CreateConsensus(ctx context.Context, c consensus.Consensus) (consensus.Consensus, error)
	UpdateConsensus(ctx context.Context, c consensus.Consensus) (consensus.Consensus, error)
	GetConsensus(ctx context.Context, id string) (consensus.Consensus, error)
	GetConsensusByTask(ctx context.Context, taskID string) (consensus.Consensus, error)
	// ListStaleConsensus returns in-consensus records older than the cutoff
	// so the sweeper can retry abandoned consolidations.
	ListStaleConsensus(ctx context.Context, cutoff time.Time) ([]consensus.Consensus, error)
	ListConsensusByStatus(ctx context.Context, status string, limit int) ([]consensus.Consensus, error)

	CreatePairwiseAgreement(ctx context.Context, a consensus.PairwiseAgreement) (consensus.PairwiseAgreement, error)
	ListPairwiseAgreements(ctx context.Context, consensusID string) ([]consensus.PairwiseAgreement, error)

	CreateQualityScore(ctx context.Context, q consensus.QualityScore) (consensus.QualityScore, error)
	ListQualityScores(ctx context.Context, consensusID string) ([]consensus.QualityScore, error)
}

// GoldenStore persists golden tasks and probe assignments. Probe creation is
// atomic per (annotator, golden).
type GoldenStore interface {
	CreateGolden(ctx context.Context, g golden.Task) (golden.Task, error)
	UpdateGolden(ctx context.Context, g golden.Task) (golden.Task, error)
	GetGolden(ctx context.Context, id string) (golden.Task, error)
	ListGoldens(ctx context.Context, projectID string) ([]golden.Task, error)
	// ListUnseenGoldens returns injectable goldens the annotator has never
	// been served, up to limit.
	ListUnseenGoldens(ctx context.Context, projectID, annotatorID string, limit int) ([]golden.Task, error)

	CreateProbeAssignment(ctx context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error)
	UpdateProbeAssignment(ctx context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error)
	GetProbeAssignment(ctx context.Context, id string) (golden.ProbeAssignment, error)
	// GetPendingProbeByTask resolves the pending probe for an author on the
	// hidden task row of a golden, if one exists.
	GetPendingProbeByTask(ctx context.Context, annotatorID, taskID string) (golden.ProbeAssignment, error)
	// ListEvaluatedProbes returns evaluated probes newest first.
	ListEvaluatedProbes(ctx context.Context, annotatorID string, limit int) ([]golden.ProbeAssignment, error)
	GetLastEvaluatedProbe(ctx context.Context, annotatorID, projectID string) (golden.ProbeAssignment, error)
}

// BillingStore persists organization credit accounts, project billing, and
// the append-only ledgers.
type BillingStore interface {
	GetOrCreateOrganizationBilling(ctx context.Context, organizationID string) (billing.OrganizationBilling, error)
	UpdateOrganizationBilling(ctx context.Context, b billing.OrganizationBilling) (billing.OrganizationBilling, error)

	CreateCreditTransaction(ctx context.Context, tx billing.CreditTransaction) (billing.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, organizationID string, limit int) ([]billing.CreditTransaction, error)

	CreateProjectBilling(ctx context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error)
	UpdateProjectBilling(ctx context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error)
	GetProjectBilling(ctx context.Context, projectID string) (billing.ProjectBilling, error)
	ListProjectBillings(ctx context.Context) ([]billing.ProjectBilling, error)

	CreateSecurityDeposit(ctx context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error)
	UpdateSecurityDeposit(ctx context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error)
	GetHeldSecurityDeposit(ctx context.Context, projectID string) (billing.SecurityDeposit, error)

	CreateEarningsTransaction(ctx context.Context, tx billing.EarningsTransaction) (billing.EarningsTransaction, error)
	ListEarningsTransactions(ctx context.Context, annotatorID string, limit int) ([]billing.EarningsTransaction, error)

	CreateExportRecord(ctx context.Context, r billing.ExportRecord) (billing.ExportRecord, error)
	ListExportRecords(ctx context.Context, projectID string, limit int) ([]billing.ExportRecord, error)
}

// OutboxStore persists notification intents for the delivery worker.
type OutboxStore interface {
	EnqueueNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error)
	UpdateNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error)
	ListPendingNotifications(ctx context.Context, limit int) ([]outbox.Notification, error)
}

// NotFoundError is returned by stores when a row does not exist so services
// can distinguish absence from failure.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " " + e.ID + " not found"
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
