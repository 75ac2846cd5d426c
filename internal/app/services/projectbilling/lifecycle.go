package projectbilling

import (
	"context"
	"fmt"

	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
)

// LifecycleCounters reports one lifecycle sweep.
type LifecycleCounters struct {
	Dormant   int
	Warning   int
	Grace     int
	Deleted   int
	Recovered int
}

// SweepLifecycle walks every billed project and applies the lifecycle rules:
// idle projects go dormant, under-funded ones warn, exhausted credits start
// the grace countdown, and an expired grace period deletes the project and
// forfeits the remaining deposit. Per-project failures are logged and the
// sweep continues.
func (s *Service) SweepLifecycle(ctx context.Context) (LifecycleCounters, error) {
	var counters LifecycleCounters

	all, err := s.billingRepo.ListProjectBillings(ctx)
	if err != nil {
		return counters, err
	}

	for _, pb := range all {
		if pb.State == billing.StateDeleted || pb.State == billing.StateCompleted {
			continue
		}
		if err := s.sweepOne(ctx, pb, &counters); err != nil {
			s.log.WithError(err).WithField("project_id", pb.ProjectID).
				Error("lifecycle check failed; continuing sweep")
		}
	}
	return counters, nil
}

func (s *Service) sweepOne(ctx context.Context, pb billing.ProjectBilling, counters *LifecycleCounters) error {
	proj, err := s.projects.GetProject(ctx, pb.ProjectID)
	if err != nil {
		return err
	}
	org, err := s.billingRepo.GetOrCreateOrganizationBilling(ctx, proj.OrganizationID)
	if err != nil {
		return err
	}

	now := s.now()

	// Grace expiry deletes and forfeits.
	if pb.State == billing.StateGrace && !pb.ScheduledDeletionAt.IsZero() && now.After(pb.ScheduledDeletionAt) {
		return s.deleteAndForfeit(ctx, pb, proj.OrganizationID, counters)
	}

	// Exhausted credits start the grace countdown.
	if !org.AvailableCredits.IsPositive() && pb.State != billing.StateGrace {
		pb.State = billing.StateGrace
		pb.StateChangedAt = now
		pb.ScheduledDeletionAt = now.Add(GracePeriod)
		if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
			return err
		}
		counters.Grace++
		s.notify(ctx, outbox.KindProjectGrace, proj.OrganizationID,
			fmt.Sprintf("Project %s entering grace period", proj.Title),
			fmt.Sprintf("Credits exhausted; scheduled deletion at %s", pb.ScheduledDeletionAt.Format("2006-01-02")))
		return nil
	}

	remaining := pb.EstimatedAnnotationCost.Sub(pb.ActualAnnotationCost)

	// Low credits warn.
	if pb.State == billing.StateActive && org.AvailableCredits.LessThan(remaining) {
		pb.State = billing.StateWarning
		pb.StateChangedAt = now
		if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
			return err
		}
		counters.Warning++
		s.notify(ctx, outbox.KindProjectWarning, proj.OrganizationID,
			fmt.Sprintf("Project %s credits low", proj.Title),
			fmt.Sprintf("Available %s below projected remaining cost %s", org.AvailableCredits, remaining))
		return nil
	}

	// Idle projects go dormant.
	if pb.State == billing.StateActive && !pb.LastActivityAt.IsZero() &&
		now.Sub(pb.LastActivityAt) >= DormantAfter {
		pb.State = billing.StateDormant
		pb.StateChangedAt = now
		if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
			return err
		}
		counters.Dormant++
		s.notify(ctx, outbox.KindProjectDormant, proj.OrganizationID,
			fmt.Sprintf("Project %s dormant", proj.Title),
			"No activity for 30 days")
		return nil
	}

	// Recovered credits restore warning/dormant projects.
	if (pb.State == billing.StateWarning || pb.State == billing.StateDormant) &&
		org.AvailableCredits.GreaterThanOrEqual(remaining) {
		if pb.State == billing.StateDormant && now.Sub(pb.LastActivityAt) >= DormantAfter {
			return nil // Still idle; dormancy stands.
		}
		pb.State = billing.StateActive
		pb.StateChangedAt = now
		if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
			return err
		}
		counters.Recovered++
	}
	return nil
}

func (s *Service) deleteAndForfeit(ctx context.Context, pb billing.ProjectBilling, organizationID string, counters *LifecycleCounters) error {
	forfeit := pb.DepositPaid.Sub(pb.DepositRefunded).Sub(pb.CreditsConsumed)

	pb.State = billing.StateDeleted
	pb.StateChangedAt = s.now()
	pb.DepositHeld = false
	if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
		return err
	}

	if dep, err := s.billingRepo.GetHeldSecurityDeposit(ctx, pb.ProjectID); err == nil {
		dep.Forfeited = forfeit
		dep.ForfeitedAt = s.now()
		dep.Status = billing.DepositForfeited
		if _, err := s.billingRepo.UpdateSecurityDeposit(ctx, dep); err != nil {
			return err
		}
	}

	counters.Deleted++
	s.notify(ctx, outbox.KindProjectDeleted, organizationID,
		"Project deleted after grace period",
		fmt.Sprintf("Remaining deposit of %s forfeited", forfeit))
	s.log.WithField("project_id", pb.ProjectID).
		WithField("forfeited", forfeit.String()).
		Warn("project deleted; deposit forfeited")
	return nil
}
