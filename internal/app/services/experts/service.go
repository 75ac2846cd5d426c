// Package experts routes contested consolidations to expert reviewers by
// workload, recovers stale reviews, and applies expert decisions to the
// consensus, escrow, and billing pipelines.
package experts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	consensusdomain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
)

const (
	// ReviewTimeout is how long a review may sit open before the sweeper
	// inspects it.
	ReviewTimeout = 48 * time.Hour
	// InactivityThreshold marks an expert inactive when they have not been
	// seen for this long.
	InactivityThreshold = 7 * 24 * time.Hour
	// LowAgreementRouteRate is the probability a low-agreement consensus is
	// routed when the batch routine runs independently of consolidation.
	LowAgreementRouteRate = 0.30
	// AlwaysRouteThreshold routes every consensus at or above it.
	AlwaysRouteThreshold = 70.0
	// AccuracyPenaltyFloor: contributors scoring below it on the corrected
	// ground truth receive the rejection penalty.
	AccuracyPenaltyFloor = 70.0
)

// BillingDebitor charges the owning organization for a finalized annotation.
// Implemented by the project billing service.
type BillingDebitor interface {
	DebitFinalizedAnnotation(ctx context.Context, taskID string, result json.RawMessage) error
}

// AssignResult reports the outcome of a routing attempt.
type AssignResult struct {
	Assigned bool
	ReviewID string
	ExpertID string
	Reason   string
}

// Service is the expert router.
type Service struct {
	experts     storage.ExpertStore
	consensuses storage.ConsensusStore
	submissions storage.SubmissionStore
	assignments storage.AssignmentStore
	projects    storage.ProjectStore
	escrow      *escrow.Service
	billing     BillingDebitor
	rand        core.Randomizer
	log         *logger.Logger
	now         func() time.Time
}

// New constructs the expert router. The billing debitor may be attached
// later via SetBillingDebitor.
func New(
	experts storage.ExpertStore,
	consensuses storage.ConsensusStore,
	submissions storage.SubmissionStore,
	assignments storage.AssignmentStore,
	projects storage.ProjectStore,
	escrowSvc *escrow.Service,
	rand core.Randomizer,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("experts")
	}
	return &Service{
		experts:     experts,
		consensuses: consensuses,
		submissions: submissions,
		assignments: assignments,
		projects:    projects,
		escrow:      escrowSvc,
		rand:        rand,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetBillingDebitor attaches the project billing service.
func (s *Service) SetBillingDebitor(b BillingDebitor) {
	s.billing = b
}

// eligibleExperts returns active experts with capacity, sorted by workload
// ascending, filtered by the project's expertise requirement when set.
func (s *Service) eligibleExperts(ctx context.Context, projectID string) ([]expert.Profile, error) {
	all, err := s.experts.ListExperts(ctx)
	if err != nil {
		return nil, err
	}

	var category, specialization string
	var required bool
	if projectID != "" {
		if proj, err := s.projects.GetProject(ctx, projectID); err == nil {
			required = proj.ExpertiseRequired
			category = proj.ExpertiseCategory
			specialization = proj.ExpertiseSpecialization
		}
	}

	var eligible []expert.Profile
	for _, e := range all {
		if !e.Active || !e.AcceptingReviews || e.AvailableCapacity() <= 0 {
			continue
		}
		if required && !e.HasExpertise(category, specialization) {
			continue
		}
		eligible = append(eligible, e)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Workload < eligible[j].Workload
	})
	return eligible, nil
}

// shouldRoute decides whether a consensus goes to an expert when invoked by
// batch routines. High agreement always routes; low agreement routes with a
// fixed probability.
func (s *Service) shouldRoute(agreement float64) (bool, string) {
	if agreement >= AlwaysRouteThreshold {
		return true, expert.ReasonHighAgreement
	}
	if s.rand.Float64() < LowAgreementRouteRate {
		return true, expert.ReasonRandomSample
	}
	return false, "skipped"
}

// AssignIfNeeded routes a consensus to the least-loaded eligible expert.
// force bypasses the agreement gate.
func (s *Service) AssignIfNeeded(ctx context.Context, consensusID string, force bool) (AssignResult, error) {
	cons, err := s.consensuses.GetConsensus(ctx, consensusID)
	if err != nil {
		return AssignResult{}, err
	}

	// A task carries at most one open review.
	open, err := s.openReviewForTask(ctx, cons.TaskID)
	if err != nil {
		return AssignResult{}, err
	}
	if open != nil {
		return AssignResult{Assigned: false, ReviewID: open.ID, ExpertID: open.ExpertID, Reason: "already_assigned"}, nil
	}

	reason := expert.ReasonForced
	if !force {
		var route bool
		route, reason = s.shouldRoute(cons.AverageAgreement)
		if !route {
			return AssignResult{Assigned: false, Reason: reason}, nil
		}
	}

	return s.assign(ctx, cons, reason, core.Round2(100-cons.AverageAgreement))
}

// CreateReviewForConsensus is the consolidation engine's entry point: the
// decision to review has already been made.
func (s *Service) CreateReviewForConsensus(ctx context.Context, cons consensusdomain.Consensus, reason string, disagreement float64) error {
	open, err := s.openReviewForTask(ctx, cons.TaskID)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}
	_, err = s.assign(ctx, cons, reason, disagreement)
	return err
}

func (s *Service) assign(ctx context.Context, cons consensusdomain.Consensus, reason string, disagreement float64) (AssignResult, error) {
	task, err := s.taskProject(ctx, cons.TaskID)
	if err != nil {
		return AssignResult{}, err
	}

	eligible, err := s.eligibleExperts(ctx, task)
	if err != nil {
		return AssignResult{}, err
	}
	if len(eligible) == 0 {
		// No capacity anywhere: the caller sees a waiting state, never an
		// error; the batch sweeper retries later.
		s.log.WithField("task_id", cons.TaskID).Warn("no eligible expert; review held")
		return AssignResult{Assigned: false, Reason: "no_experts"}, nil
	}
	chosen := eligible[0]

	review, err := s.experts.CreateReview(ctx, expert.Review{
		ExpertID:          chosen.ID,
		TaskID:            cons.TaskID,
		ConsensusID:       cons.ID,
		ProjectID:         task,
		Status:            expert.ReviewPending,
		Reason:            reason,
		DisagreementScore: disagreement,
		AssignedAt:        s.now(),
	})
	if err != nil {
		return AssignResult{}, err
	}

	chosen.Workload++
	if _, err := s.experts.UpdateExpert(ctx, chosen); err != nil {
		return AssignResult{}, err
	}

	if cons.Status != consensusdomain.StatusReviewRequired {
		cons.Status = consensusdomain.StatusReviewRequired
		if _, err := s.consensuses.UpdateConsensus(ctx, cons); err != nil {
			return AssignResult{}, err
		}
	}

	s.log.WithField("task_id", cons.TaskID).
		WithField("expert_id", chosen.ID).
		WithField("reason", reason).
		Info("review assigned to expert")
	return AssignResult{Assigned: true, ReviewID: review.ID, ExpertID: chosen.ID, Reason: reason}, nil
}

func (s *Service) taskProject(ctx context.Context, taskID string) (string, error) {
	task, err := s.projects.GetTask(ctx, taskID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return task.ProjectID, nil
}

func (s *Service) openReviewForTask(ctx context.Context, taskID string) (*expert.Review, error) {
	reviews, err := s.experts.ListReviewsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, r := range reviews {
		if r.Status == expert.ReviewPending || r.Status == expert.ReviewInReview {
			return &r, nil
		}
	}
	return nil, nil
}

// BatchAssignPending routes review-required consensuses that lost their
// expert, up to the limit.
func (s *Service) BatchAssignPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.consensuses.ListConsensusByStatus(ctx, consensusdomain.StatusReviewRequired, limit)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, cons := range pending {
		res, err := s.AssignIfNeeded(ctx, cons.ID, true)
		if err != nil {
			s.log.WithError(err).WithField("consensus_id", cons.ID).
				Error("batch assignment failed; continuing")
			continue
		}
		if res.Assigned {
			assigned++
		}
	}
	return assigned, nil
}

// SubmitReview applies an expert decision: finalize the consensus (keeping
// or replacing the consolidated result), run escrow stages, and debit the
// organization for the finalized annotation.
func (s *Service) SubmitReview(ctx context.Context, reviewID, decision string, corrected json.RawMessage) error {
	review, err := s.experts.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if review.Status == expert.ReviewCompleted {
		return nil
	}

	switch decision {
	case expert.DecisionApprove, expert.DecisionReject, expert.DecisionCorrect:
	default:
		return fmt.Errorf("unknown review decision %q", decision)
	}
	if decision != expert.DecisionApprove && len(corrected) == 0 {
		return fmt.Errorf("decision %q requires a corrected result", decision)
	}

	cons, err := s.consensuses.GetConsensus(ctx, review.ConsensusID)
	if err != nil {
		return err
	}

	finalResult := cons.ConsolidatedResult
	if len(corrected) > 0 {
		finalResult = corrected
	}

	now := s.now()
	cons.ConsolidatedResult = finalResult
	cons.Status = consensusdomain.StatusFinalized
	cons.FinalizedAt = now
	if cons, err = s.consensuses.UpdateConsensus(ctx, cons); err != nil {
		return err
	}

	review.Status = expert.ReviewCompleted
	review.Decision = decision
	review.CorrectedResult = corrected
	review.CompletedAt = now
	if _, err := s.experts.UpdateReview(ctx, review); err != nil {
		return err
	}

	if err := s.writeGroundTruth(ctx, cons); err != nil {
		return err
	}
	if err := s.settleContributors(ctx, cons, decision); err != nil {
		return err
	}
	s.decrementWorkload(ctx, review.ExpertID)

	if s.billing != nil {
		if err := s.billing.DebitFinalizedAnnotation(ctx, cons.TaskID, finalResult); err != nil {
			// Billing failures defer; the annotation is already finalized.
			s.log.WithError(err).WithField("task_id", cons.TaskID).
				Warn("billing debit deferred after expert decision")
		}
	}

	s.log.WithField("review_id", review.ID).
		WithField("task_id", cons.TaskID).
		WithField("decision", decision).
		Info("expert review applied")
	return nil
}

func (s *Service) writeGroundTruth(ctx context.Context, cons consensusdomain.Consensus) error {
	if err := s.submissions.ClearGroundTruth(ctx, cons.TaskID); err != nil {
		return err
	}

	subs, err := s.submissions.ListSubmissionsByTask(ctx, cons.TaskID)
	if err != nil {
		return err
	}
	author := ""
	projectID := ""
	if len(subs) > 0 {
		author = subs[0].AuthorID
		projectID = subs[0].ProjectID
	}

	_, err = s.submissions.CreateSubmission(ctx, annotation.Submission{
		TaskID:      cons.TaskID,
		ProjectID:   projectID,
		AuthorID:    author,
		Result:      cons.ConsolidatedResult,
		GroundTruth: true,
	})
	return err
}

// settleContributors records ground-truth accuracy for every contributor and
// runs the remaining escrow stages. Rejections additionally penalize
// contributors whose submissions fall below the accuracy floor.
func (s *Service) settleContributors(ctx context.Context, cons consensusdomain.Consensus, decision string) error {
	asgs, err := s.assignments.ListAssignmentsByTask(ctx, cons.TaskID)
	if err != nil {
		return err
	}

	for _, asg := range asgs {
		if asg.Status != assignment.StatusCompleted || asg.IsProbe {
			continue
		}

		sub, err := s.submissions.GetSubmission(ctx, asg.SubmissionID)
		if err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Warn("contributor submission missing; skipping settlement")
			continue
		}

		score, err := s.escrow.RecordAccuracy(ctx, asg.ID, sub.Result, cons.ConsolidatedResult)
		if err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Error("accuracy recording failed; continuing settlement")
			continue
		}

		if _, err := s.escrow.ReleaseConsensus(ctx, asg.ID); err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Error("consensus stage release failed; continuing settlement")
			continue
		}
		if _, err := s.escrow.ReleaseReview(ctx, asg.ID); err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Error("review stage release failed; continuing settlement")
			continue
		}

		if decision == expert.DecisionReject && score < AccuracyPenaltyFloor {
			if _, err := s.escrow.ApplyRejectionPenalty(ctx, asg.ID, "expert rejection"); err != nil {
				s.log.WithError(err).WithField("assignment_id", asg.ID).
					Error("rejection penalty failed; continuing settlement")
			}
		}
	}
	return nil
}

func (s *Service) decrementWorkload(ctx context.Context, expertID string) {
	e, err := s.experts.GetExpert(ctx, expertID)
	if err != nil {
		return
	}
	if e.Workload > 0 {
		e.Workload--
	}
	e.LastActiveAt = s.now()
	if _, err := s.experts.UpdateExpert(ctx, e); err != nil {
		s.log.WithError(err).WithField("expert_id", expertID).
			Warn("could not update expert workload")
	}
}

// TimeoutCounters reports one timeout sweep.
type TimeoutCounters struct {
	Extended       int
	Released       int
	MarkedInactive int
}

// SweepTimeouts inspects open reviews older than the timeout. Experts who
// have been active since assignment get an extension; long-inactive experts
// are deactivated and all their reviews reassigned; otherwise just the one
// review is released and reassigned.
func (s *Service) SweepTimeouts(ctx context.Context) (TimeoutCounters, error) {
	var counters TimeoutCounters

	overdue, err := s.experts.ListOpenReviewsOlderThan(ctx, s.now().Add(-ReviewTimeout))
	if err != nil {
		return counters, err
	}

	for _, review := range overdue {
		e, err := s.experts.GetExpert(ctx, review.ExpertID)
		if err != nil {
			continue
		}

		if !e.LastActiveAt.IsZero() && e.LastActiveAt.After(review.AssignedAt) {
			review.AssignedAt = s.now()
			if _, err := s.experts.UpdateReview(ctx, review); err == nil {
				counters.Extended++
			}
			continue
		}

		if e.LastActiveAt.IsZero() || e.LastActiveAt.Before(s.now().Add(-InactivityThreshold)) {
			s.markInactive(ctx, e)
			released, _ := s.releaseAllOpenReviews(ctx, e.ID)
			counters.Released += released
			counters.MarkedInactive++
			continue
		}

		if s.releaseReview(ctx, review) {
			counters.Released++
		}
	}

	return counters, nil
}

func (s *Service) markInactive(ctx context.Context, e expert.Profile) {
	e.AcceptingReviews = false
	if _, err := s.experts.UpdateExpert(ctx, e); err != nil {
		s.log.WithError(err).WithField("expert_id", e.ID).
			Warn("could not mark expert inactive")
		return
	}
	s.log.WithField("expert_id", e.ID).Warn("expert marked inactive after prolonged absence")
}

func (s *Service) releaseAllOpenReviews(ctx context.Context, expertID string) (int, error) {
	open, err := s.experts.ListReviewsByExpert(ctx, expertID, []string{expert.ReviewPending, expert.ReviewInReview})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, review := range open {
		if s.releaseReview(ctx, review) {
			released++
		}
	}
	return released, nil
}

// releaseReview expires a review, returns the expert's capacity, and hands
// the consensus to the next eligible expert.
func (s *Service) releaseReview(ctx context.Context, review expert.Review) bool {
	review.Status = expert.ReviewExpired
	if _, err := s.experts.UpdateReview(ctx, review); err != nil {
		return false
	}
	s.decrementExpertOnly(ctx, review.ExpertID)

	cons, err := s.consensuses.GetConsensus(ctx, review.ConsensusID)
	if err == nil {
		if _, err := s.AssignIfNeeded(ctx, cons.ID, true); err != nil {
			s.log.WithError(err).WithField("consensus_id", cons.ID).
				Warn("could not reassign released review")
		}
	}
	return true
}

func (s *Service) decrementExpertOnly(ctx context.Context, expertID string) {
	e, err := s.experts.GetExpert(ctx, expertID)
	if err != nil {
		return
	}
	if e.Workload > 0 {
		e.Workload--
	}
	if _, err := s.experts.UpdateExpert(ctx, e); err != nil {
		s.log.WithError(err).WithField("expert_id", expertID).
			Warn("could not release expert workload")
	}
}

// ReactivateExpert restores an inactive expert on activity and immediately
// tries to hand them pending reviews.
func (s *Service) ReactivateExpert(ctx context.Context, expertID string) error {
	e, err := s.experts.GetExpert(ctx, expertID)
	if err != nil {
		return err
	}

	wasInactive := !e.AcceptingReviews
	e.AcceptingReviews = true
	e.LastActiveAt = s.now()
	if _, err := s.experts.UpdateExpert(ctx, e); err != nil {
		return err
	}

	if wasInactive {
		if _, err := s.BatchAssignPending(ctx, 10); err != nil {
			s.log.WithError(err).Warn("could not assign pending reviews on reactivation")
		}
	}
	return nil
}
