package app

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	consensusdomain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/costs"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
	"github.com/synapse-platform/annotation-core/internal/config"
	"github.com/synapse-platform/annotation-core/pkg/logger"
)

func newTestApp(t *testing.T) (*Application, *memory.Store) {
	t.Helper()
	t.Setenv("CORE_ENV", "testing")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	store := memory.New()
	application := New(cfg, Stores{
		Annotators:  store,
		Experts:     store,
		Projects:    store,
		Assignments: store,
		Submissions: store,
		Consensus:   store,
		Goldens:     store,
		Billing:     store,
		Outbox:      store,
	}, logger.NewDefault("test"))
	return application, store
}

// TestEndToEndPipeline drives publish -> assign -> submit x3 -> consolidate
// through the operation facade.
func TestEndToEndPipeline(t *testing.T) {
	application, store := newTestApp(t)
	ctx := context.Background()

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "cats"})
	for i := 0; i < 2; i++ {
		if _, err := store.CreateTask(ctx, project.Task{ProjectID: proj.ID}); err != nil {
			t.Fatalf("task: %v", err)
		}
	}

	org, _ := store.GetOrCreateOrganizationBilling(ctx, "org")
	org.AvailableCredits = decimal.NewFromInt(5000)
	if _, err := store.UpdateOrganizationBilling(ctx, org); err != nil {
		t.Fatalf("fund: %v", err)
	}

	collected, err := application.CollectDeposit(ctx, proj.ID, nil)
	if err != nil {
		t.Fatalf("collect deposit: %v", err)
	}
	if !collected.IsPositive() {
		t.Fatalf("deposit: %s", collected)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.CreateAnnotator(ctx, annotator.Profile{
			Email:         fmt.Sprintf("w%d@example.com", i),
			Status:        annotator.StatusApproved,
			AcceptingWork: true,
		}); err != nil {
			t.Fatalf("annotator: %v", err)
		}
	}

	res, err := application.AssignProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.FullyAssigned != 2 || res.AssignmentsCreated != 6 {
		t.Fatalf("unexpected distribution: %+v", res)
	}

	// Everyone submits an identical classification on the first task.
	tasks, _ := store.ListTasks(ctx, proj.ID)
	asgs, _ := store.ListAssignmentsByTask(ctx, tasks[0].ID)
	result := json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`)
	for _, asg := range asgs {
		sub, err := store.CreateSubmission(ctx, annotationSubmission(tasks[0].ID, proj.ID, asg.AnnotatorID, result))
		if err != nil {
			t.Fatalf("submission: %v", err)
		}
		if err := application.OnAnnotationSubmitted(ctx, sub.ID); err != nil {
			t.Fatalf("on submitted: %v", err)
		}
	}

	outcome, err := application.ConsolidateTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	// Either finalized directly or pulled into the 5% audit path.
	if outcome.Status != consensusdomain.StatusFinalized &&
		outcome.Status != consensusdomain.StatusReviewRequired {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Avg != 100 {
		t.Fatalf("agreement should be perfect: %+v", outcome)
	}
}

func annotationSubmission(taskID, projectID, authorID string, result json.RawMessage) annotation.Submission {
	return annotation.Submission{TaskID: taskID, ProjectID: projectID, AuthorID: authorID, Result: result}
}

func TestEstimateIsPure(t *testing.T) {
	application, _ := newTestApp(t)

	p := costs.Params{TaskCount: 100, AnnotationTypes: []string{"rectanglelabels"}, LabelCount: 8, StorageGB: 1}
	first := application.EstimateCost(p)
	second := application.EstimateCost(p)
	if !first.TotalDeposit.Equal(second.TotalDeposit) {
		t.Fatal("estimate must be deterministic")
	}
	if first.TotalDeposit.String() != "3885" {
		t.Fatalf("deposit: %s", first.TotalDeposit)
	}
}

func TestSweepersStartAndStop(t *testing.T) {
	application, _ := newTestApp(t)
	ctx := context.Background()

	if err := application.StartSweepers(ctx); err != nil {
		t.Fatalf("start sweepers: %v", err)
	}
	application.Stop()
}
