// Package accuracy maintains dual probe-accuracy tracking (lifetime running
// mean and rolling window) and drives the tiered warning ladder.
package accuracy

import (
	"context"
	"fmt"
	"time"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

const (
	// RollingWindow is the number of recent evaluated probes included in the
	// rolling mean.
	RollingWindow = 50
	// MinProbesForWarning gates the warning ladder until enough probes exist.
	MinProbesForWarning = 5

	thresholdHealthy = 80
	thresholdSoft    = 70
	thresholdFormal  = 60
	thresholdFinal   = 50
)

// Warning cooldowns by the level of the most recent warning.
var cooldowns = map[string]time.Duration{
	annotator.WarningSoft:   7 * 24 * time.Hour,
	annotator.WarningFormal: 14 * 24 * time.Hour,
	annotator.WarningFinal:  7 * 24 * time.Hour,
}

// Service tracks accuracy and issues warnings.
type Service struct {
	annotators storage.AnnotatorStore
	goldens    storage.GoldenStore
	outbox     storage.OutboxStore
	log        *logger.Logger
	now        func() time.Time
}

// New constructs the accuracy tracker.
func New(annotators storage.AnnotatorStore, goldens storage.GoldenStore, outboxStore storage.OutboxStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accuracy")
	}
	return &Service{
		annotators: annotators,
		goldens:    goldens,
		outbox:     outboxStore,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Result reports the updated metrics after recording one evaluation.
type Result struct {
	LifetimeAccuracy float64
	RollingAccuracy  float64
	TotalEvaluated   int
	WarningIssued    bool
	WarningLevel     string
}

// RecordEvaluation folds a freshly evaluated probe score into the lifetime
// and rolling accuracies and runs the warning check. The probe row must
// already be persisted; the rolling mean reads the latest window back.
func (s *Service) RecordEvaluation(ctx context.Context, annotatorID string, score float64, passed bool) (Result, error) {
	prof, err := s.annotators.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return Result{}, err
	}

	// Lifetime: incremental running mean over all evaluated probes.
	count := prof.ProbesEvaluated
	lifetime := score
	if count > 0 {
		lifetime = (prof.LifetimeAccuracy*float64(count) + score) / float64(count+1)
	}
	prof.LifetimeAccuracy = core.Round2(lifetime)
	prof.ProbesEvaluated = count + 1
	if prof, err = s.annotators.UpdateAnnotator(ctx, prof); err != nil {
		return Result{}, err
	}

	rolling, err := s.rollingAccuracy(ctx, annotatorID)
	if err != nil {
		return Result{}, err
	}

	trust, err := s.trustRecord(ctx, annotatorID)
	if err != nil {
		return Result{}, err
	}
	trust.RollingAccuracy = rolling
	trust.ProbesTotal++
	if passed {
		trust.ProbesPassed++
	}
	trust.ProbePassRate = core.Round2(float64(trust.ProbesPassed) / float64(trust.ProbesTotal) * 100)
	if trust, err = s.annotators.SaveTrustRecord(ctx, trust); err != nil {
		return Result{}, err
	}

	s.log.WithField("annotator_id", annotatorID).
		WithField("lifetime", prof.LifetimeAccuracy).
		WithField("rolling", rolling).
		Info("probe accuracy recorded")

	warning, err := s.checkAndWarn(ctx, prof, trust)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		LifetimeAccuracy: prof.LifetimeAccuracy,
		RollingAccuracy:  rolling,
		TotalEvaluated:   prof.ProbesEvaluated,
	}
	if warning != nil {
		result.WarningIssued = true
		result.WarningLevel = warning.Level
	}
	return result, nil
}

// rollingAccuracy averages the most recent evaluated probe scores, up to the
// window size.
func (s *Service) rollingAccuracy(ctx context.Context, annotatorID string) (float64, error) {
	recent, err := s.goldens.ListEvaluatedProbes(ctx, annotatorID, RollingWindow)
	if err != nil {
		return 0, err
	}
	if len(recent) == 0 {
		return 0, nil
	}
	total := 0.0
	for _, p := range recent {
		total += p.Score
	}
	return core.Round2(total / float64(len(recent))), nil
}

func warningLevel(rolling float64) string {
	switch {
	case rolling >= thresholdHealthy:
		return annotator.WarningHealthy
	case rolling >= thresholdSoft:
		return annotator.WarningSoft
	case rolling >= thresholdFormal:
		return annotator.WarningFormal
	case rolling >= thresholdFinal:
		return annotator.WarningFinal
	default:
		return annotator.WarningSuspension
	}
}

func (s *Service) checkAndWarn(ctx context.Context, prof annotator.Profile, trust annotator.TrustRecord) (*annotator.Warning, error) {
	if prof.ProbesEvaluated < MinProbesForWarning {
		return nil, nil
	}

	level := warningLevel(trust.RollingAccuracy)
	if level == annotator.WarningHealthy {
		s.checkRecovery(prof, trust)
		return nil, nil
	}

	existing, err := s.annotators.ListWarnings(ctx, prof.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		last := existing[0]
		if annotator.WarningSeverity(level) <= annotator.WarningSeverity(last.Level) {
			cooldown, ok := cooldowns[last.Level]
			if !ok || s.now().Sub(last.CreatedAt) < cooldown {
				return nil, nil
			}
		}
	}

	return s.issueWarning(ctx, prof, trust, level)
}

func (s *Service) issueWarning(ctx context.Context, prof annotator.Profile, trust annotator.TrustRecord, level string) (*annotator.Warning, error) {
	warning, err := s.annotators.CreateWarning(ctx, annotator.Warning{
		AnnotatorID:     prof.ID,
		Level:           level,
		RollingAccuracy: trust.RollingAccuracy,
		Message:         fmt.Sprintf("Rolling accuracy dropped to %.1f%%", trust.RollingAccuracy),
	})
	if err != nil {
		return nil, err
	}

	if level == annotator.WarningSuspension {
		trust.CanReceiveAssignments = false
		trust.Suspended = true
		trust.SuspensionReason = warning.Message
		if _, err := s.annotators.SaveTrustRecord(ctx, trust); err != nil {
			return nil, err
		}
		s.log.WithField("annotator_id", prof.ID).
			WithField("rolling", trust.RollingAccuracy).
			Warn("annotator suspended from assignments")
	}

	kind := outbox.KindWarning
	if level == annotator.WarningSuspension {
		kind = outbox.KindSuspension
	}
	if _, err := s.outbox.EnqueueNotification(ctx, outbox.Notification{
		Kind:      kind,
		Recipient: prof.Email,
		Subject:   warningSubject(level),
		Body:      warning.Message,
	}); err != nil {
		// Notification failures never block the warning itself.
		s.log.WithError(err).WithField("annotator_id", prof.ID).
			Error("failed to enqueue warning notification")
	}

	metrics.WarningsIssued.WithLabelValues(level).Inc()
	s.log.WithField("annotator_id", prof.ID).
		WithField("level", level).
		WithField("rolling", trust.RollingAccuracy).
		Warn("quality warning issued")
	return &warning, nil
}

func warningSubject(level string) string {
	switch level {
	case annotator.WarningSoft:
		return "Quality feedback: opportunities for improvement"
	case annotator.WarningFormal:
		return "Formal warning: quality below standards"
	case annotator.WarningFinal:
		return "Final warning: immediate improvement required"
	case annotator.WarningSuspension:
		return "Account suspended: quality standards not met"
	default:
		return "Quality notice"
	}
}

// checkRecovery logs when a suspended annotator's rolling accuracy returns to
// the healthy range. Suspensions are not lifted automatically.
func (s *Service) checkRecovery(prof annotator.Profile, trust annotator.TrustRecord) {
	if trust.RollingAccuracy >= thresholdHealthy && !trust.CanReceiveAssignments {
		s.log.WithField("annotator_id", prof.ID).
			WithField("rolling", trust.RollingAccuracy).
			Info("recovery detected; manual review required to lift suspension")
	}
}

// AcknowledgeWarning marks a warning acknowledged. Returns false when it was
// already acknowledged.
func (s *Service) AcknowledgeWarning(ctx context.Context, warningID string) (bool, error) {
	w, err := s.annotators.GetWarning(ctx, warningID)
	if err != nil {
		return false, err
	}
	if w.Acknowledged {
		return false, nil
	}
	w.Acknowledged = true
	w.AcknowledgedAt = s.now()
	_, err = s.annotators.UpdateWarning(ctx, w)
	return err == nil, err
}

// SnapshotDailyAccuracy records an idempotent per-day snapshot of the
// annotator's accuracy metrics.
func (s *Service) SnapshotDailyAccuracy(ctx context.Context, annotatorID string) error {
	prof, err := s.annotators.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return err
	}
	trust, err := s.trustRecord(ctx, annotatorID)
	if err != nil {
		return err
	}

	_, err = s.annotators.CreateAccuracySnapshot(ctx, annotator.AccuracySnapshot{
		AnnotatorID:      annotatorID,
		Date:             s.now().Format("2006-01-02"),
		LifetimeAccuracy: prof.LifetimeAccuracy,
		RollingAccuracy:  trust.RollingAccuracy,
		ProbesEvaluated:  prof.ProbesEvaluated,
	})
	return err
}

// Trend classifies the direction of recent snapshots.
func (s *Service) Trend(ctx context.Context, annotatorID string, window int) (string, error) {
	snaps, err := s.annotators.ListAccuracySnapshots(ctx, annotatorID, window)
	if err != nil {
		return "", err
	}
	if len(snaps) < 2 {
		return "stable", nil
	}
	// Snapshots arrive newest first.
	newest := snaps[0].RollingAccuracy
	oldest := snaps[len(snaps)-1].RollingAccuracy
	switch {
	case newest > oldest+5:
		return "improving", nil
	case newest < oldest-5:
		return "declining", nil
	default:
		return "stable", nil
	}
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
