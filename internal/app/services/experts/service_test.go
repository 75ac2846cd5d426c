package experts

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	consensusdomain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

type stubRand struct{ f float64 }

func (s stubRand) Float64() float64            { return s.f }
func (s stubRand) Intn(int) int                { return 0 }
func (s stubRand) Shuffle(int, func(i, j int)) {}

func newService(store *memory.Store, r stubRand) *Service {
	esc := escrow.New(store, store, store, store, nil, nil)
	return New(store, store, store, store, store, esc, r, nil)
}

func seedExperts(t *testing.T, store *memory.Store, workloads ...int) []expert.Profile {
	t.Helper()
	ctx := context.Background()

	profiles := make([]expert.Profile, 0, len(workloads))
	for i, w := range workloads {
		e, err := store.CreateExpert(ctx, expert.Profile{
			Email:            fmt.Sprintf("e%d@example.com", i),
			Active:           true,
			AcceptingReviews: true,
			Workload:         w,
			LastActiveAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("create expert: %v", err)
		}
		profiles = append(profiles, e)
	}
	return profiles
}

func seedConsensus(t *testing.T, store *memory.Store, agreement float64) (consensusdomain.Consensus, project.Task) {
	t.Helper()
	ctx := context.Background()

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "p"})
	task, err := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	cons, err := store.CreateConsensus(ctx, consensusdomain.Consensus{
		TaskID:              task.ID,
		RequiredAnnotations: project.RequiredOverlap,
		Status:              consensusdomain.StatusReviewRequired,
		AverageAgreement:    agreement,
	})
	if err != nil {
		t.Fatalf("create consensus: %v", err)
	}
	return cons, task
}

func TestAssignPicksLeastLoadedExpert(t *testing.T) {
	store := memory.New()
	profiles := seedExperts(t, store, 5, 1, 3)
	cons, _ := seedConsensus(t, store, 90)

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(context.Background(), cons.ID, false)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Assigned {
		t.Fatalf("expected assignment: %+v", res)
	}
	if res.ExpertID != profiles[1].ID {
		t.Fatalf("expected least-loaded expert, got %s", res.ExpertID)
	}
	if res.Reason != expert.ReasonHighAgreement {
		t.Fatalf("unexpected reason: %s", res.Reason)
	}

	updated, _ := store.GetExpert(context.Background(), profiles[1].ID)
	if updated.Workload != 2 {
		t.Fatalf("workload not incremented: %d", updated.Workload)
	}
}

func TestLowAgreementRoutesProbabilistically(t *testing.T) {
	store := memory.New()
	seedExperts(t, store, 0)

	// Random draw above the 30% gate: skipped.
	consA, _ := seedConsensus(t, store, 40)
	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(context.Background(), consA.ID, false)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Assigned || res.Reason != "skipped" {
		t.Fatalf("expected skip, got %+v", res)
	}

	// Draw below the gate: routed.
	consB, _ := seedConsensus(t, store, 40)
	svc = newService(store, stubRand{f: 0.1})
	res, err = svc.AssignIfNeeded(context.Background(), consB.ID, false)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Assigned {
		t.Fatalf("expected routed review, got %+v", res)
	}
}

func TestAssignHoldsWithoutExperts(t *testing.T) {
	store := memory.New()
	cons, _ := seedConsensus(t, store, 90)

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(context.Background(), cons.ID, true)
	if err != nil {
		t.Fatalf("assign must not error on empty pool: %v", err)
	}
	if res.Assigned || res.Reason != "no_experts" {
		t.Fatalf("expected held review, got %+v", res)
	}
}

func TestExpertiseFilter(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Project demands verified radiology expertise.
	proj, _ := store.CreateProject(ctx, project.Project{
		OrganizationID:          "org",
		Title:                   "scans",
		ExpertiseRequired:       true,
		ExpertiseCategory:       "medical",
		ExpertiseSpecialization: "radiology",
	})
	task, _ := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})
	cons, _ := store.CreateConsensus(ctx, consensusdomain.Consensus{
		TaskID:              task.ID,
		RequiredAnnotations: project.RequiredOverlap,
		Status:              consensusdomain.StatusReviewRequired,
		AverageAgreement:    90,
	})

	unqualified, _ := store.CreateExpert(ctx, expert.Profile{
		Email: "general@example.com", Active: true, AcceptingReviews: true,
	})
	qualified, _ := store.CreateExpert(ctx, expert.Profile{
		Email: "rad@example.com", Active: true, AcceptingReviews: true,
		Expertise: []expert.Expertise{{Category: "medical", Specialization: "radiology", Verified: true}},
	})
	_ = unqualified

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(ctx, cons.ID, true)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Assigned || res.ExpertID != qualified.ID {
		t.Fatalf("expected the qualified expert, got %+v", res)
	}
}

func TestSubmitReviewApproveSettlesEscrow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seedExperts(t, store, 0)

	cons, task := seedConsensus(t, store, 60)

	// One contributor with stage one already released.
	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "w@example.com", Status: annotator.StatusApproved})
	asg, _ := store.CreateAssignment(ctx, assignment.Assignment{
		AnnotatorID: prof.ID, TaskID: task.ID, ProjectID: task.ProjectID, TimeSpentSeconds: 30,
	})
	result := json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`)
	sub, _ := store.CreateSubmission(ctx, annotation.Submission{
		TaskID: task.ID, ProjectID: task.ProjectID, AuthorID: prof.ID, Result: result,
	})

	svc := newService(store, stubRand{f: 0.99})
	if _, err := svc.escrow.ReleaseImmediate(ctx, asg.ID, result); err != nil {
		t.Fatalf("stage one: %v", err)
	}
	linked, _ := store.GetAssignment(ctx, asg.ID)
	linked.SubmissionID = sub.ID
	if _, err := store.UpdateAssignment(ctx, linked); err != nil {
		t.Fatalf("link: %v", err)
	}

	cons.ConsolidatedResult = result
	if _, err := store.UpdateConsensus(ctx, cons); err != nil {
		t.Fatalf("update consensus: %v", err)
	}

	res, err := svc.AssignIfNeeded(ctx, cons.ID, true)
	if err != nil || !res.Assigned {
		t.Fatalf("assign: %v %+v", err, res)
	}

	if err := svc.SubmitReview(ctx, res.ReviewID, expert.DecisionApprove, nil); err != nil {
		t.Fatalf("submit review: %v", err)
	}

	finalCons, _ := store.GetConsensus(ctx, cons.ID)
	if finalCons.Status != consensusdomain.StatusFinalized {
		t.Fatalf("consensus not finalized: %s", finalCons.Status)
	}

	settled, _ := store.GetAssignment(ctx, asg.ID)
	if !settled.ConsensusReleased || !settled.ReviewReleased {
		t.Fatalf("escrow stages not settled: %+v", settled)
	}
	if settled.GroundTruthAccuracy != 100 {
		t.Fatalf("ground-truth accuracy not recorded: %v", settled.GroundTruthAccuracy)
	}

	reviewer, _ := store.GetExpert(ctx, res.ExpertID)
	if reviewer.Workload != 0 {
		t.Fatalf("workload not returned: %d", reviewer.Workload)
	}

	// Ground truth submission exists.
	subs, _ := store.ListSubmissionsByTask(ctx, task.ID)
	found := false
	for _, sb := range subs {
		if sb.GroundTruth {
			found = true
		}
	}
	if !found {
		t.Fatal("ground-truth submission missing")
	}
}

func TestSubmitReviewRejectRequiresCorrection(t *testing.T) {
	store := memory.New()
	seedExperts(t, store, 0)
	cons, _ := seedConsensus(t, store, 50)

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(context.Background(), cons.ID, true)
	if err != nil || !res.Assigned {
		t.Fatalf("assign: %v %+v", err, res)
	}

	if err := svc.SubmitReview(context.Background(), res.ReviewID, expert.DecisionReject, nil); err == nil {
		t.Fatal("reject without corrected result must fail")
	}
}

func TestSweepTimeoutsExtendsActiveExpert(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	profiles := seedExperts(t, store, 0)
	cons, _ := seedConsensus(t, store, 90)

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(ctx, cons.ID, true)
	if err != nil || !res.Assigned {
		t.Fatalf("assign: %v %+v", err, res)
	}

	// Age the review past the timeout, with the expert active afterwards.
	review, _ := store.GetReview(ctx, res.ReviewID)
	review.AssignedAt = time.Now().UTC().Add(-72 * time.Hour)
	if _, err := store.UpdateReview(ctx, review); err != nil {
		t.Fatalf("age review: %v", err)
	}
	e, _ := store.GetExpert(ctx, profiles[0].ID)
	e.LastActiveAt = time.Now().UTC().Add(-1 * time.Hour)
	if _, err := store.UpdateExpert(ctx, e); err != nil {
		t.Fatalf("touch expert: %v", err)
	}

	counters, err := svc.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counters.Extended != 1 || counters.Released != 0 {
		t.Fatalf("expected extension: %+v", counters)
	}

	refreshed, _ := store.GetReview(ctx, res.ReviewID)
	if refreshed.Status != expert.ReviewPending {
		t.Fatalf("review should stay open: %s", refreshed.Status)
	}
}

func TestSweepTimeoutsDeactivatesAbsentExpert(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	profiles := seedExperts(t, store, 0, 0)
	cons, _ := seedConsensus(t, store, 90)

	svc := newService(store, stubRand{f: 0.99})
	res, err := svc.AssignIfNeeded(ctx, cons.ID, true)
	if err != nil || !res.Assigned {
		t.Fatalf("assign: %v %+v", err, res)
	}

	// The assigned expert has been gone for nine days and the review is old.
	review, _ := store.GetReview(ctx, res.ReviewID)
	review.AssignedAt = time.Now().UTC().Add(-72 * time.Hour)
	if _, err := store.UpdateReview(ctx, review); err != nil {
		t.Fatalf("age review: %v", err)
	}
	e, _ := store.GetExpert(ctx, res.ExpertID)
	e.LastActiveAt = time.Now().UTC().Add(-9 * 24 * time.Hour)
	if _, err := store.UpdateExpert(ctx, e); err != nil {
		t.Fatalf("age expert: %v", err)
	}

	counters, err := svc.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counters.MarkedInactive != 1 || counters.Released != 1 {
		t.Fatalf("expected deactivation and release: %+v", counters)
	}

	absent, _ := store.GetExpert(ctx, res.ExpertID)
	if absent.AcceptingReviews {
		t.Fatal("absent expert should stop receiving reviews")
	}

	// The review was expired and handed to the other expert.
	expired, _ := store.GetReview(ctx, res.ReviewID)
	if expired.Status != expert.ReviewExpired {
		t.Fatalf("review not expired: %s", expired.Status)
	}
	other := profiles[0].ID
	if other == res.ExpertID {
		other = profiles[1].ID
	}
	reviews, _ := store.ListReviewsByExpert(ctx, other, []string{expert.ReviewPending})
	if len(reviews) != 1 {
		t.Fatalf("review not reassigned: %d", len(reviews))
	}
}

func TestReactivateExpert(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	e, _ := store.CreateExpert(ctx, expert.Profile{
		Email: "back@example.com", Active: true, AcceptingReviews: false,
	})
	seedConsensus(t, store, 90)

	svc := newService(store, stubRand{f: 0.99})
	if err := svc.ReactivateExpert(ctx, e.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	refreshed, _ := store.GetExpert(ctx, e.ID)
	if !refreshed.AcceptingReviews {
		t.Fatal("expert not reactivated")
	}
	// The pending consensus was handed over on reactivation.
	reviews, _ := store.ListReviewsByExpert(ctx, e.ID, []string{expert.ReviewPending})
	if len(reviews) != 1 {
		t.Fatalf("pending review not assigned on reactivation: %d", len(reviews))
	}
}
