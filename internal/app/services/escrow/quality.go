package escrow

import (
	"context"
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// minTimeSeconds is the floor below which a submission looks suspicious.
const minTimeSeconds = 5

// qualityScore blends time, completeness, and consensus agreement when it is
// known. Without consensus data the first two carry the full weight.
func (s *Service) qualityScore(asg assignment.Assignment, result json.RawMessage) float64 {
	timeScore := timeScore(asg.TimeSpentSeconds)
	completeness := completenessScore(result)

	if asg.ConsensusAgreement > 0 {
		return timeScore*0.2 + completeness*0.3 + asg.ConsensusAgreement*0.5
	}
	return (timeScore*0.2 + completeness*0.3) * 2
}

func timeScore(seconds int) float64 {
	if seconds == 0 {
		return 50 // No timing data.
	}
	if seconds < minTimeSeconds {
		return math.Max(0, 30-float64(minTimeSeconds-seconds)*5)
	}
	maxReasonable := minTimeSeconds * 10
	if seconds <= maxReasonable {
		return 100
	}
	return math.Max(70, 100-float64(seconds-maxReasonable)/60)
}

func completenessScore(result json.RawMessage) float64 {
	parsed := gjson.ParseBytes(result)
	var items []gjson.Result
	if parsed.IsArray() {
		items = parsed.Array()
	} else if parsed.IsObject() {
		items = []gjson.Result{parsed}
	}
	if len(items) == 0 {
		return 0
	}

	complete := 0
	for _, item := range items {
		if item.Get("value").Exists() || item.Get("type").Exists() {
			complete++
		}
	}
	return float64(complete) / float64(len(items)) * 100
}

func (s *Service) accuracyMultiplier(asg assignment.Assignment) decimal.Decimal {
	if asg.AccuracyMultiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return asg.AccuracyMultiplier
}

func (s *Service) trustRecord(ctx context.Context, annotatorID string) (annotator.TrustRecord, error) {
	rec, err := s.annotators.GetTrustRecord(ctx, annotatorID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return annotator.TrustRecord{}, err
		}
		rec = annotator.NewTrustRecord(annotatorID)
		if rec, err = s.annotators.SaveTrustRecord(ctx, rec); err != nil {
			return annotator.TrustRecord{}, err
		}
	}
	return rec, nil
}

func (s *Service) appendLedger(ctx context.Context, asg assignment.Assignment, stage string, amount, balanceAfter decimal.Decimal, description string) error {
	_, err := s.billingRepo.CreateEarningsTransaction(ctx, billing.EarningsTransaction{
		AnnotatorID:  asg.AnnotatorID,
		Type:         billing.EarningsTxEarning,
		Stage:        stage,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		AssignmentID: asg.ID,
		Description:  description,
	})
	return err
}
