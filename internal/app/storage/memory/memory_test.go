package memory

import (
	"context"
	"testing"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

func TestAssignmentPairUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateAssignment(ctx, assignment.Assignment{AnnotatorID: "a1", TaskID: "t1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := store.CreateAssignment(ctx, assignment.Assignment{AnnotatorID: "a1", TaskID: "t1"}); err == nil {
		t.Fatal("duplicate (annotator, task) pair must fail")
	}
	if _, err := store.CreateAssignment(ctx, assignment.Assignment{AnnotatorID: "a2", TaskID: "t1"}); err != nil {
		t.Fatalf("different annotator must pass: %v", err)
	}
}

func TestSubmissionUniquenessRules(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateSubmission(ctx, annotation.Submission{TaskID: "t1", AuthorID: "a1"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := store.CreateSubmission(ctx, annotation.Submission{TaskID: "t1", AuthorID: "a1"}); err == nil {
		t.Fatal("second active submission must fail")
	}
	// Cancelled and ground-truth rows sit outside the rule.
	if _, err := store.CreateSubmission(ctx, annotation.Submission{TaskID: "t1", AuthorID: "a1", Cancelled: true}); err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	if _, err := store.CreateSubmission(ctx, annotation.Submission{TaskID: "t1", AuthorID: "a1", GroundTruth: true}); err != nil {
		t.Fatalf("ground truth: %v", err)
	}
}

func TestProbeUniquenessPerGolden(t *testing.T) {
	store := New()
	ctx := context.Background()

	g, _ := store.CreateGolden(ctx, golden.Task{ProjectID: "p1", TaskID: "gt1", Active: true})
	if _, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{AnnotatorID: "a1", GoldenID: g.ID}); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if _, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{AnnotatorID: "a1", GoldenID: g.ID}); err == nil {
		t.Fatal("double-serving a golden must fail")
	}
}

func TestUnseenGoldensExcludeServed(t *testing.T) {
	store := New()
	ctx := context.Background()

	g1, _ := store.CreateGolden(ctx, golden.Task{ProjectID: "p1", TaskID: "gt1", Active: true})
	g2, _ := store.CreateGolden(ctx, golden.Task{ProjectID: "p1", TaskID: "gt2", Active: true})
	retired, _ := store.CreateGolden(ctx, golden.Task{ProjectID: "p1", TaskID: "gt3", Active: true, Retired: true})
	_ = retired

	if _, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{AnnotatorID: "a1", GoldenID: g1.ID}); err != nil {
		t.Fatalf("probe: %v", err)
	}

	unseen, err := store.ListUnseenGoldens(ctx, "p1", "a1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unseen) != 1 || unseen[0].ID != g2.ID {
		t.Fatalf("unexpected unseen goldens: %+v", unseen)
	}
}

func TestNotFoundErrors(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.GetAnnotator(ctx, "nope"); !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := store.GetTrustRecord(ctx, "nope"); !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := store.GetConsensusByTask(ctx, "nope"); !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	store := New()
	ctx := context.Background()

	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "x@example.com"})
	created := prof.CreatedAt

	prof.Email = "y@example.com"
	updated, err := store.UpdateAnnotator(ctx, prof)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed: %v vs %v", updated.CreatedAt, created)
	}
}
