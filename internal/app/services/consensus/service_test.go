package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	domain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

type stubRand struct{ f float64 }

func (s stubRand) Float64() float64            { return s.f }
func (s stubRand) Intn(int) int                { return 0 }
func (s stubRand) Shuffle(int, func(i, j int)) {}

type recordedReview struct {
	reason       string
	disagreement float64
	count        int
}

func (r *recordedReview) CreateReviewForConsensus(_ context.Context, _ domain.Consensus, reason string, disagreement float64) error {
	r.reason = reason
	r.disagreement = disagreement
	r.count++
	return nil
}

// seedTask creates a project task with three completed submissions.
func seedTask(t *testing.T, store *memory.Store, esc *escrow.Service, results []string) (project.Task, []assignment.Assignment) {
	t.Helper()
	ctx := context.Background()

	proj, err := store.CreateProject(ctx, project.Project{OrganizationID: "org-1", Title: "p"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var asgs []assignment.Assignment
	for i, result := range results {
		prof, err := store.CreateAnnotator(ctx, annotator.Profile{
			Email:  fmt.Sprintf("c%d@example.com", i),
			Status: annotator.StatusApproved,
		})
		if err != nil {
			t.Fatalf("create annotator: %v", err)
		}
		asg, err := store.CreateAssignment(ctx, assignment.Assignment{
			AnnotatorID:      prof.ID,
			TaskID:           task.ID,
			ProjectID:        proj.ID,
			TimeSpentSeconds: 30,
		})
		if err != nil {
			t.Fatalf("create assignment: %v", err)
		}
		sub, err := store.CreateSubmission(ctx, annotation.Submission{
			TaskID:    task.ID,
			ProjectID: proj.ID,
			AuthorID:  prof.ID,
			Result:    json.RawMessage(result),
		})
		if err != nil {
			t.Fatalf("create submission: %v", err)
		}

		// Stage one marks the assignment completed and links the submission.
		if _, err := esc.ReleaseImmediate(ctx, asg.ID, sub.Result); err != nil {
			t.Fatalf("stage one: %v", err)
		}
		asg, _ = store.GetAssignment(ctx, asg.ID)
		asg.SubmissionID = sub.ID
		if _, err := store.UpdateAssignment(ctx, asg); err != nil {
			t.Fatalf("link submission: %v", err)
		}
		asgs = append(asgs, asg)
	}
	return task, asgs
}

func identicalChoices() []string {
	r := `[{"type":"choices","value":{"choices":["cat"]}}]`
	return []string{r, r, r}
}

func TestConsolidateAutoFinalize(t *testing.T) {
	store := memory.New()
	esc := escrow.New(store, store, store, store, nil, nil)
	svc := New(store, store, store, esc, stubRand{f: 0.99}, nil)
	review := &recordedReview{}
	svc.SetReviewCreator(review)

	task, asgs := seedTask(t, store, esc, identicalChoices())

	outcome, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	if outcome.Status != domain.StatusFinalized {
		t.Fatalf("expected finalized, got %+v", outcome)
	}
	if outcome.Avg != 100 || outcome.Min != 100 || outcome.Max != 100 {
		t.Fatalf("agreement stats wrong: %+v", outcome)
	}
	if review.count != 0 {
		t.Fatal("no expert review expected on auto-finalize")
	}

	// A ground-truth submission now exists, attributed to a contributor.
	subs, _ := store.ListSubmissionsByTask(context.Background(), task.ID)
	groundTruth := 0
	for _, sub := range subs {
		if sub.GroundTruth {
			groundTruth++
			if sub.AuthorID != asgs[0].AnnotatorID {
				t.Fatalf("ground truth attributed to %s", sub.AuthorID)
			}
		}
	}
	if groundTruth != 1 {
		t.Fatalf("expected one ground-truth submission, got %d", groundTruth)
	}

	// Stage two released for all three contributors.
	for _, asg := range asgs {
		updated, _ := store.GetAssignment(context.Background(), asg.ID)
		if !updated.ConsensusReleased {
			t.Fatalf("stage two not released for %s", asg.ID)
		}
	}

	// Pairwise agreements persisted for all three pairs.
	cons, _ := store.GetConsensusByTask(context.Background(), task.ID)
	pairs, _ := store.ListPairwiseAgreements(context.Background(), cons.ID)
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairwise rows, got %d", len(pairs))
	}
	qualities, _ := store.ListQualityScores(context.Background(), cons.ID)
	if len(qualities) != 3 {
		t.Fatalf("expected 3 quality rows, got %d", len(qualities))
	}
}

func TestConsolidateDisagreementRoutesToReview(t *testing.T) {
	store := memory.New()
	esc := escrow.New(store, store, store, store, nil, nil)
	svc := New(store, store, store, esc, stubRand{f: 0.99}, nil)
	review := &recordedReview{}
	svc.SetReviewCreator(review)

	// Three bounding boxes with poor mutual overlap.
	results := []string{
		`[{"type":"rectanglelabels","value":{"x":0,"y":0,"width":10,"height":10,"rectanglelabels":["car"]}}]`,
		`[{"type":"rectanglelabels","value":{"x":5,"y":0,"width":10,"height":10,"rectanglelabels":["car"]}}]`,
		`[{"type":"rectanglelabels","value":{"x":40,"y":40,"width":10,"height":10,"rectanglelabels":["car"]}}]`,
	}
	task, asgs := seedTask(t, store, esc, results)

	outcome, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	if outcome.Status != domain.StatusReviewRequired {
		t.Fatalf("expected review_required, got %+v", outcome)
	}
	if outcome.Avg >= AutoFinalizeThreshold {
		t.Fatalf("average agreement should be low: %+v", outcome)
	}
	if review.count != 1 || review.reason != "disagreement" {
		t.Fatalf("expected disagreement review, got %+v", review)
	}
	wantDisagreement := 100 - outcome.Avg
	if review.disagreement < wantDisagreement-0.01 || review.disagreement > wantDisagreement+0.01 {
		t.Fatalf("disagreement score %v, want %v", review.disagreement, wantDisagreement)
	}

	// Stage two is deferred until the expert decision.
	for _, asg := range asgs {
		updated, _ := store.GetAssignment(context.Background(), asg.ID)
		if updated.ConsensusReleased {
			t.Fatalf("stage two must wait for expert approval: %s", asg.ID)
		}
	}
}

func TestConsolidateRandomSampleRoute(t *testing.T) {
	store := memory.New()
	esc := escrow.New(store, store, store, store, nil, nil)
	// Float64 below the sample rate forces the audit path.
	svc := New(store, store, store, esc, stubRand{f: 0.01}, nil)
	review := &recordedReview{}
	svc.SetReviewCreator(review)

	task, asgs := seedTask(t, store, esc, identicalChoices())

	outcome, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if outcome.Status != domain.StatusReviewRequired {
		t.Fatalf("expected review_required, got %+v", outcome)
	}
	if review.count != 1 || review.reason != "random_sample" {
		t.Fatalf("expected random_sample review, got %+v", review)
	}

	// Consensus was still reached: stage two releases immediately.
	for _, asg := range asgs {
		updated, _ := store.GetAssignment(context.Background(), asg.ID)
		if !updated.ConsensusReleased {
			t.Fatalf("stage two should release on reached consensus: %s", asg.ID)
		}
	}
}

func TestConsolidateWaitsBelowOverlap(t *testing.T) {
	store := memory.New()
	esc := escrow.New(store, store, store, store, nil, nil)
	svc := New(store, store, store, esc, stubRand{f: 0.99}, nil)

	r := `[{"type":"choices","value":{"choices":["cat"]}}]`
	task, _ := seedTask(t, store, esc, []string{r, r})

	outcome, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if outcome.Status != domain.StatusPending {
		t.Fatalf("expected pending below overlap, got %+v", outcome)
	}
}

func TestConsolidateRunsOncePerCount(t *testing.T) {
	store := memory.New()
	esc := escrow.New(store, store, store, store, nil, nil)
	svc := New(store, store, store, esc, stubRand{f: 0.99}, nil)
	review := &recordedReview{}
	svc.SetReviewCreator(review)

	task, _ := seedTask(t, store, esc, identicalChoices())

	first, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("first consolidate: %v", err)
	}
	second, err := svc.ConsolidateTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("second consolidate: %v", err)
	}
	if first.Status != second.Status || first.Avg != second.Avg {
		t.Fatalf("repeat consolidation changed outcome: %+v vs %+v", first, second)
	}

	cons, _ := store.GetConsensusByTask(context.Background(), task.ID)
	pairs, _ := store.ListPairwiseAgreements(context.Background(), cons.ID)
	if len(pairs) != 3 {
		t.Fatalf("pairwise rows duplicated: %d", len(pairs))
	}
}
