package escrow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/synapse-platform/annotation-core/internal/app/comparator"
	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
)

// accuracyEMAAlpha weights the newest ground-truth score in the moving
// average.
const accuracyEMAAlpha = 0.3

// Accuracy classification thresholds and their payment multipliers.
var accuracyMultipliers = map[string]decimal.Decimal{
	assignment.AccuracyExcellent:  decimal.RequireFromString("1.20"),
	assignment.AccuracyGood:       decimal.RequireFromString("1.10"),
	assignment.AccuracyAcceptable: decimal.RequireFromString("1.00"),
	assignment.AccuracyPoor:       decimal.RequireFromString("0.90"),
	assignment.AccuracyVeryPoor:   decimal.RequireFromString("0.70"),
}

func classifyAccuracy(score float64) string {
	switch {
	case score >= 95:
		return assignment.AccuracyExcellent
	case score >= 85:
		return assignment.AccuracyGood
	case score >= 70:
		return assignment.AccuracyAcceptable
	case score >= 50:
		return assignment.AccuracyPoor
	default:
		return assignment.AccuracyVeryPoor
	}
}

// RecordAccuracy compares an annotator's submission to the finalized ground
// truth, classifies it, and stores the resulting multiplier on the
// assignment. Stages not yet released pick the multiplier up. The trust
// record's EMA accuracy and bounded history are updated as well.
func (s *Service) RecordAccuracy(ctx context.Context, assignmentID string, submitted, groundTruth json.RawMessage) (float64, error) {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return 0, err
	}

	score := comparator.Compare(submitted, groundTruth).Overall
	level := classifyAccuracy(score)

	asg.GroundTruthAccuracy = core.Round2(score)
	asg.AccuracyLevel = level
	asg.AccuracyMultiplier = accuracyMultipliers[level]
	if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
		return 0, err
	}

	trust, err := s.trustRecord(ctx, asg.AnnotatorID)
	if err != nil {
		return 0, err
	}

	if trust.GroundTruthEvaluations == 0 {
		trust.AccuracyScore = score
	} else {
		trust.AccuracyScore = accuracyEMAAlpha*score + (1-accuracyEMAAlpha)*trust.AccuracyScore
	}
	trust.AccuracyScore = core.Round2(trust.AccuracyScore)
	trust.GroundTruthEvaluations++
	trust.AccuracyHistory = append(trust.AccuracyHistory, score)
	if len(trust.AccuracyHistory) > annotator.AccuracyHistoryLimit {
		trust.AccuracyHistory = trust.AccuracyHistory[len(trust.AccuracyHistory)-annotator.AccuracyHistoryLimit:]
	}

	trust = promoteIfEligible(trust)
	if _, err := s.annotators.SaveTrustRecord(ctx, trust); err != nil {
		return 0, err
	}

	s.log.WithField("assignment_id", asg.ID).
		WithField("annotator_id", asg.AnnotatorID).
		WithField("accuracy", asg.GroundTruthAccuracy).
		WithField("level", level).
		Info("ground-truth accuracy recorded")
	return score, nil
}

func (s *Service) updateTrustAfterConsensus(ctx context.Context, asg assignment.Assignment) error {
	trust, err := s.trustRecord(ctx, asg.AnnotatorID)
	if err != nil {
		return err
	}
	trust.TasksCompleted++
	trust = promoteIfEligible(trust)
	_, err = s.annotators.SaveTrustRecord(ctx, trust)
	return err
}

// promoteIfEligible applies the highest level whose task, accuracy, and
// probe-pass thresholds all hold. Levels never regress here.
func promoteIfEligible(trust annotator.TrustRecord) annotator.TrustRecord {
	for i := len(annotator.LevelOrder) - 1; i >= 0; i-- {
		level := annotator.LevelOrder[i]
		th := annotator.LevelThresholds[level]
		if trust.TasksCompleted >= th.Tasks &&
			trust.AccuracyScore >= th.Accuracy &&
			trust.ProbePassRate >= th.ProbePassRate {
			if annotator.LevelRank(level) > annotator.LevelRank(trust.Level) {
				trust.Level = level
				trust.Multiplier = annotator.LevelMultipliers[level]
			}
			break
		}
	}
	return trust
}

// AddFraudFlag increments the annotator's fraud flags; three flags suspend
// the annotator from new assignments.
func (s *Service) AddFraudFlag(ctx context.Context, annotatorID, reason string) error {
	trust, err := s.trustRecord(ctx, annotatorID)
	if err != nil {
		return err
	}
	trust.FraudFlags++
	if trust.FraudFlags >= 3 && !trust.Suspended {
		trust.Suspended = true
		trust.CanReceiveAssignments = false
		trust.SuspensionReason = fmt.Sprintf("multiple fraud flags: %s", reason)
		s.log.WithField("annotator_id", annotatorID).
			WithField("fraud_flags", trust.FraudFlags).
			Warn("annotator suspended after repeated fraud flags")
	}
	_, err = s.annotators.SaveTrustRecord(ctx, trust)
	return err
}

// ApplyRejectionPenalty debits half of the review tier from the annotator's
// available balance after an expert rejection and raises a fraud flag.
func (s *Service) ApplyRejectionPenalty(ctx context.Context, assignmentID, notes string) (decimal.Decimal, error) {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return decimal.Zero, err
	}

	penalty := asg.ReviewPayment.Mul(decimal.RequireFromString("0.5")).Round(2)

	prof, err := s.annotators.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return decimal.Zero, err
	}
	prof.AvailableBalance = prof.AvailableBalance.Sub(penalty)
	if prof.AvailableBalance.IsNegative() {
		penalty = penalty.Add(prof.AvailableBalance)
		prof.AvailableBalance = decimal.Zero
	}
	if _, err := s.annotators.UpdateAnnotator(ctx, prof); err != nil {
		return decimal.Zero, err
	}

	if _, err := s.billingRepo.CreateEarningsTransaction(ctx, billing.EarningsTransaction{
		AnnotatorID:  asg.AnnotatorID,
		Type:         billing.EarningsTxPenalty,
		Amount:       penalty.Neg(),
		BalanceAfter: prof.AvailableBalance,
		AssignmentID: asg.ID,
		Description:  fmt.Sprintf("Review penalty for task %s", asg.TaskID),
	}); err != nil {
		return decimal.Zero, err
	}

	if err := s.AddFraudFlag(ctx, asg.AnnotatorID, fmt.Sprintf("failed review: %s", notes)); err != nil {
		return decimal.Zero, err
	}

	s.log.WithField("assignment_id", asg.ID).
		WithField("annotator_id", asg.AnnotatorID).
		WithField("penalty", penalty.String()).
		Info("review rejection penalty applied")
	return penalty, nil
}
