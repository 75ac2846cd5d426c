// Package consensus drives the consolidation of redundant annotations:
// pairwise agreement, merged result, per-annotator quality, and the
// auto-finalize versus expert-review decision.
package consensus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/comparator"
	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	domain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

const (
	// AutoFinalizeThreshold is the average pairwise agreement required to
	// reach consensus without an expert.
	AutoFinalizeThreshold = 70.0
	// RandomSampleRate sends this fraction of high-agreement tasks to an
	// expert anyway as a quality audit.
	RandomSampleRate = 0.05
	// StaleAfter is how long an in-consensus record may sit before the
	// sweeper retries it.
	StaleAfter = 5 * time.Minute
)

// ReviewCreator routes a consensus to an expert. Implemented by the expert
// router; kept as a small interface to keep the dependency one-way.
type ReviewCreator interface {
	CreateReviewForConsensus(ctx context.Context, cons domain.Consensus, reason string, disagreement float64) error
}

// Outcome is the result of one consolidation run.
type Outcome struct {
	Status string
	Avg    float64
	Min    float64
	Max    float64
	Method string
}

// Service is the consolidation engine.
type Service struct {
	submissions storage.SubmissionStore
	assignments storage.AssignmentStore
	consensuses storage.ConsensusStore
	escrow      *escrow.Service
	reviews     ReviewCreator
	rand        core.Randomizer
	log         *logger.Logger
}

// New constructs the consolidation engine. The review creator is attached
// afterwards via SetReviewCreator during application wiring.
func New(
	submissions storage.SubmissionStore,
	assignments storage.AssignmentStore,
	consensuses storage.ConsensusStore,
	escrowSvc *escrow.Service,
	rand core.Randomizer,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("consensus")
	}
	return &Service{
		submissions: submissions,
		assignments: assignments,
		consensuses: consensuses,
		escrow:      escrowSvc,
		rand:        rand,
		log:         log,
	}
}

// SetReviewCreator attaches the expert router.
func (s *Service) SetReviewCreator(rc ReviewCreator) {
	s.reviews = rc
}

type contribution struct {
	submission annotation.Submission
	assignment assignment.Assignment
	pairTotals float64
	pairCount  int
}

// ConsolidateTask runs consolidation for a task once its completed,
// non-cancelled, non-probe annotation count reaches the required overlap.
// Repeated calls while the record is already decided return the stored
// outcome.
func (s *Service) ConsolidateTask(ctx context.Context, taskID string) (Outcome, error) {
	cons, err := s.consensuses.GetConsensusByTask(ctx, taskID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return Outcome{}, err
		}
		cons, err = s.consensuses.CreateConsensus(ctx, domain.Consensus{
			TaskID:              taskID,
			RequiredAnnotations: project.RequiredOverlap,
		})
		if err != nil {
			return Outcome{}, err
		}
	}

	switch cons.Status {
	case domain.StatusFinalized, domain.StatusReached, domain.StatusReviewRequired:
		return outcomeOf(cons), nil
	}

	contributions, err := s.loadContributions(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}

	cons.CurrentAnnotations = len(contributions)
	if len(contributions) < cons.RequiredAnnotations {
		// Single-annotator projects short-circuit on the first submission.
		if cons.RequiredAnnotations <= 1 && len(contributions) == 1 {
			return s.finalizeSingle(ctx, cons, contributions[0])
		}
		cons, err = s.consensuses.UpdateConsensus(ctx, cons)
		return outcomeOf(cons), err
	}

	cons.Status = domain.StatusInConsensus
	if cons, err = s.consensuses.UpdateConsensus(ctx, cons); err != nil {
		return Outcome{}, err
	}

	outcome, err := s.consolidate(ctx, &cons, contributions)
	if err != nil {
		// Any pipeline failure routes to expert review rather than losing
		// the task.
		s.log.WithError(err).WithField("task_id", taskID).
			Error("consolidation failed; routing to expert review")
		cons.Status = domain.StatusReviewRequired
		if cons, uerr := s.consensuses.UpdateConsensus(ctx, cons); uerr == nil {
			s.routeToReview(ctx, cons, expert.ReasonError, 0)
		}
		metrics.ConsolidationsRun.WithLabelValues("error").Inc()
		return Outcome{Status: domain.StatusReviewRequired}, nil
	}
	return outcome, nil
}

// loadContributions pairs each completed non-probe submission with its
// assignment.
func (s *Service) loadContributions(ctx context.Context, taskID string) ([]*contribution, error) {
	subs, err := s.submissions.ListSubmissionsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var contributions []*contribution
	for _, sub := range subs {
		if sub.GroundTruth {
			continue
		}
		asg, err := s.assignments.GetAssignmentByPair(ctx, sub.AuthorID, taskID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if asg.IsProbe || asg.Status != assignment.StatusCompleted {
			continue
		}
		contributions = append(contributions, &contribution{submission: sub, assignment: asg})
	}
	return contributions, nil
}

func (s *Service) finalizeSingle(ctx context.Context, cons domain.Consensus, c *contribution) (Outcome, error) {
	now := time.Now().UTC()
	cons.Status = domain.StatusFinalized
	cons.ConsolidatedResult = c.submission.Result
	cons.ConsolidationMethod = domain.MethodSingleAnnotator
	cons.AverageAgreement = 100
	cons.MinAgreement = 100
	cons.MaxAgreement = 100
	cons.ReachedAt = now
	cons.FinalizedAt = now

	cons, err := s.consensuses.UpdateConsensus(ctx, cons)
	if err != nil {
		return Outcome{}, err
	}

	if _, err := s.consensuses.CreateQualityScore(ctx, domain.QualityScore{
		ConsensusID:   cons.ID,
		AssignmentID:  c.assignment.ID,
		AnnotatorID:   c.assignment.AnnotatorID,
		Quality:       100,
		PeerAgreement: 100,
	}); err != nil {
		return Outcome{}, err
	}

	metrics.ConsolidationsRun.WithLabelValues("single_annotator").Inc()
	return outcomeOf(cons), nil
}

func (s *Service) consolidate(ctx context.Context, cons *domain.Consensus, contributions []*contribution) (Outcome, error) {
	annotationType := comparator.Detect(contributions[0].submission.Result)

	// Pairwise agreement matrix.
	var scores []float64
	for i := 0; i < len(contributions); i++ {
		for j := i + 1; j < len(contributions); j++ {
			score := comparator.CompareAs(annotationType,
				contributions[i].submission.Result,
				contributions[j].submission.Result)

			if _, err := s.consensuses.CreatePairwiseAgreement(ctx, domain.PairwiseAgreement{
				ConsensusID:    cons.ID,
				AnnotatorA:     contributions[i].assignment.AnnotatorID,
				AnnotatorB:     contributions[j].assignment.AnnotatorID,
				Overall:        score.Overall,
				IoU:            score.IoU,
				LabelMatch:     score.LabelMatch,
				PositionMatch:  score.PositionMatch,
				AnnotationType: string(annotationType),
			}); err != nil {
				return Outcome{}, err
			}

			scores = append(scores, score.Overall)
			contributions[i].pairTotals += score.Overall
			contributions[i].pairCount++
			contributions[j].pairTotals += score.Overall
			contributions[j].pairCount++
		}
	}

	avg, minScore, maxScore := summarize(scores)
	cons.AverageAgreement = core.Round2(avg)
	cons.MinAgreement = core.Round2(minScore)
	cons.MaxAgreement = core.Round2(maxScore)

	// Merge and per-annotator quality.
	results := make([]json.RawMessage, 0, len(contributions))
	for _, c := range contributions {
		results = append(results, c.submission.Result)
	}
	merged, _, method := comparator.Consolidate(results)
	cons.ConsolidatedResult = merged
	cons.ConsolidationMethod = method

	for _, c := range contributions {
		quality := comparator.CompareAs(annotationType, c.submission.Result, merged).Overall
		peer := 0.0
		if c.pairCount > 0 {
			peer = c.pairTotals / float64(c.pairCount)
		}

		if _, err := s.consensuses.CreateQualityScore(ctx, domain.QualityScore{
			ConsensusID:   cons.ID,
			AssignmentID:  c.assignment.ID,
			AnnotatorID:   c.assignment.AnnotatorID,
			Quality:       core.Round2(quality),
			PeerAgreement: core.Round2(peer),
		}); err != nil {
			return Outcome{}, err
		}

		c.assignment.QualityScore = core.Round2(quality)
		c.assignment.ConsensusAgreement = core.Round2(peer)
		if _, err := s.assignments.UpdateAssignment(ctx, c.assignment); err != nil {
			return Outcome{}, err
		}
	}

	// Decision.
	if cons.AverageAgreement >= AutoFinalizeThreshold {
		cons.Status = domain.StatusReached
		cons.ReachedAt = time.Now().UTC()

		if s.rand.Float64() < RandomSampleRate {
			cons.Status = domain.StatusReviewRequired
			updated, err := s.consensuses.UpdateConsensus(ctx, *cons)
			if err != nil {
				return Outcome{}, err
			}
			*cons = updated
			s.releaseConsensusStage(ctx, contributions)
			s.routeToReview(ctx, *cons, expert.ReasonRandomSample, core.Round2(100-cons.AverageAgreement))
			metrics.ConsolidationsRun.WithLabelValues("random_sample").Inc()
			return outcomeOf(*cons), nil
		}

		if err := s.finalizeWithGroundTruth(ctx, cons, contributions[0]); err != nil {
			return Outcome{}, err
		}
		s.releaseConsensusStage(ctx, contributions)
		metrics.ConsolidationsRun.WithLabelValues("finalized").Inc()
		return outcomeOf(*cons), nil
	}

	cons.Status = domain.StatusReviewRequired
	updated, err := s.consensuses.UpdateConsensus(ctx, *cons)
	if err != nil {
		return Outcome{}, err
	}
	*cons = updated
	s.routeToReview(ctx, *cons, expert.ReasonDisagreement, core.Round2(100-cons.AverageAgreement))
	metrics.ConsolidationsRun.WithLabelValues("review_required").Inc()
	return outcomeOf(*cons), nil
}

// finalizeWithGroundTruth stamps the consensus finalized and writes the
// consolidated result back as a ground-truth submission attributed to the
// first contributor.
func (s *Service) finalizeWithGroundTruth(ctx context.Context, cons *domain.Consensus, first *contribution) error {
	now := time.Now().UTC()
	cons.Status = domain.StatusFinalized
	cons.FinalizedAt = now

	updated, err := s.consensuses.UpdateConsensus(ctx, *cons)
	if err != nil {
		return err
	}
	*cons = updated

	if err := s.submissions.ClearGroundTruth(ctx, cons.TaskID); err != nil {
		return err
	}
	_, err = s.submissions.CreateSubmission(ctx, annotation.Submission{
		TaskID:      cons.TaskID,
		ProjectID:   first.submission.ProjectID,
		AuthorID:    first.submission.AuthorID,
		Result:      cons.ConsolidatedResult,
		GroundTruth: true,
	})
	return err
}

// releaseConsensusStage releases escrow stage two for every contributor.
// Per-item failures are logged and the batch continues.
func (s *Service) releaseConsensusStage(ctx context.Context, contributions []*contribution) {
	for _, c := range contributions {
		if _, err := s.escrow.ReleaseConsensus(ctx, c.assignment.ID); err != nil {
			s.log.WithError(err).
				WithField("assignment_id", c.assignment.ID).
				Error("consensus stage release failed; continuing")
		}
	}
}

func (s *Service) routeToReview(ctx context.Context, cons domain.Consensus, reason string, disagreement float64) {
	if s.reviews == nil {
		s.log.WithField("consensus_id", cons.ID).Warn("no review creator attached; review pending")
		return
	}
	if err := s.reviews.CreateReviewForConsensus(ctx, cons, reason, disagreement); err != nil {
		s.log.WithError(err).WithField("consensus_id", cons.ID).
			Error("could not create expert review")
	}
}

// SweepStale re-runs consolidation for records stuck in-consensus, e.g.
// after a worker died mid-run.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	stale, err := s.consensuses.ListStaleConsensus(ctx, time.Now().UTC().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, cons := range stale {
		cons.Status = domain.StatusPending
		if _, err := s.consensuses.UpdateConsensus(ctx, cons); err != nil {
			s.log.WithError(err).WithField("consensus_id", cons.ID).
				Error("could not reset stale consensus; continuing sweep")
			continue
		}
		if _, err := s.ConsolidateTask(ctx, cons.TaskID); err != nil {
			s.log.WithError(err).WithField("task_id", cons.TaskID).
				Error("stale consolidation retry failed")
			continue
		}
		retried++
	}
	return retried, nil
}

func outcomeOf(cons domain.Consensus) Outcome {
	return Outcome{
		Status: cons.Status,
		Avg:    cons.AverageAgreement,
		Min:    cons.MinAgreement,
		Max:    cons.MaxAgreement,
		Method: cons.ConsolidationMethod,
	}
}

func summarize(scores []float64) (avg, minScore, maxScore float64) {
	if len(scores) == 0 {
		return 0, 0, 0
	}
	minScore, maxScore = scores[0], scores[0]
	total := 0.0
	for _, s := range scores {
		total += s
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	return total / float64(len(scores)), minScore, maxScore
}
