package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	consensusdomain "github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/accuracy"
	assignmentsvc "github.com/synapse-platform/annotation-core/internal/app/services/assignment"
	consensussvc "github.com/synapse-platform/annotation-core/internal/app/services/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/services/escrow"
	"github.com/synapse-platform/annotation-core/internal/app/services/probes"
	"github.com/synapse-platform/annotation-core/internal/app/services/projectbilling"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

type fixedRand struct{ f float64 }

func (r fixedRand) Float64() float64            { return r.f }
func (r fixedRand) Intn(int) int                { return 0 }
func (r fixedRand) Shuffle(int, func(i, j int)) {}

func newWorkflow(store *memory.Store, r core.Randomizer) *Service {
	esc := escrow.New(store, store, store, store, nil, nil)
	tracker := accuracy.New(store, store, store, nil)
	probesSvc := probes.New(store, store, tracker, r, nil)
	consensusSvc := consensussvc.New(store, store, store, esc, r, nil)
	billingSvc := projectbilling.New(store, store, store, store, nil, nil)
	assignmentSvc := assignmentsvc.New(store, store, store, nil)
	return New(store, store, store, probesSvc, esc, consensusSvc, billingSvc, assignmentSvc, nil)
}

func TestSubmissionPipelineToConsolidation(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	svc := newWorkflow(store, fixedRand{f: 0.99})

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "p"})
	task, _ := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})

	result := json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`)
	for i := 0; i < 3; i++ {
		prof, _ := store.CreateAnnotator(ctx, annotator.Profile{
			Email: fmt.Sprintf("w%d@example.com", i), Status: annotator.StatusApproved,
		})
		if _, err := store.CreateAssignment(ctx, assignment.Assignment{
			AnnotatorID: prof.ID, TaskID: task.ID, ProjectID: proj.ID, TimeSpentSeconds: 20,
		}); err != nil {
			t.Fatalf("assignment: %v", err)
		}
		sub, err := store.CreateSubmission(ctx, annotation.Submission{
			TaskID: task.ID, ProjectID: proj.ID, AuthorID: prof.ID, Result: result,
		})
		if err != nil {
			t.Fatalf("submission: %v", err)
		}
		if err := svc.OnAnnotationSubmitted(ctx, sub.ID); err != nil {
			t.Fatalf("on submitted: %v", err)
		}
	}

	// After the third submission consolidation finalized the task and
	// released escrow stages one and two for every contributor.
	cons, err := store.GetConsensusByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	if cons.Status != consensusdomain.StatusFinalized {
		t.Fatalf("consensus status: %s", cons.Status)
	}

	asgs, _ := store.ListAssignmentsByTask(ctx, task.ID)
	for _, asg := range asgs {
		if !asg.ImmediateReleased || !asg.ConsensusReleased {
			t.Fatalf("escrow stages missing: %+v", asg)
		}
	}
}

func TestProbeSubmissionBypassesEscrowAndConsensus(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	svc := newWorkflow(store, fixedRand{f: 0.99})

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "p"})
	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "w@example.com", Status: annotator.StatusApproved})

	g, _ := store.CreateGolden(ctx, golden.Task{
		ProjectID: proj.ID,
		TaskID:    "hidden-task-1",
		Reference: json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`),
		Active:    true,
	})
	if _, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{
		AnnotatorID: prof.ID, GoldenID: g.ID, ProjectID: proj.ID,
	}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := store.CreateAssignment(ctx, assignment.Assignment{
		AnnotatorID: prof.ID, TaskID: g.TaskID, ProjectID: proj.ID, IsProbe: true,
	}); err != nil {
		t.Fatalf("assignment: %v", err)
	}

	sub, _ := store.CreateSubmission(ctx, annotation.Submission{
		TaskID: g.TaskID, ProjectID: proj.ID, AuthorID: prof.ID,
		Result: json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`),
	})
	if err := svc.OnAnnotationSubmitted(ctx, sub.ID); err != nil {
		t.Fatalf("on submitted: %v", err)
	}

	// The probe evaluated, no payment flowed, no consensus exists.
	asg, _ := store.GetAssignmentByPair(ctx, prof.ID, g.TaskID)
	if asg.ImmediateReleased {
		t.Fatal("probe must not release payment")
	}
	if asg.ProbePassed == nil || !*asg.ProbePassed {
		t.Fatalf("probe pass not recorded: %+v", asg)
	}
	if _, err := store.GetConsensusByTask(ctx, g.TaskID); err == nil {
		t.Fatal("probe must not reach consolidation")
	}

	updated, _ := store.GetAnnotator(ctx, prof.ID)
	if updated.ProbesEvaluated != 1 || updated.LifetimeAccuracy != 100 {
		t.Fatalf("tracker not fed: %+v", updated)
	}
}

func TestQueueForAnnotatorInjectsProbes(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	svc := newWorkflow(store, fixedRand{f: 0.5})

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "p"})
	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "w@example.com", Status: annotator.StatusApproved})

	for i := 0; i < 15; i++ {
		task, _ := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})
		if _, err := store.CreateAssignment(ctx, assignment.Assignment{
			AnnotatorID: prof.ID, TaskID: task.ID, ProjectID: proj.ID,
		}); err != nil {
			t.Fatalf("assignment: %v", err)
		}
	}
	for i := 0; i < 12; i++ {
		if _, err := store.CreateGolden(ctx, golden.Task{
			ProjectID: proj.ID,
			TaskID:    fmt.Sprintf("hidden-%d", i),
			Reference: json.RawMessage(`[{"type":"choices","value":{"choices":["x"]}}]`),
			Active:    true,
		}); err != nil {
			t.Fatalf("golden: %v", err)
		}
	}

	queue, err := svc.QueueForAnnotator(ctx, prof.ID, proj.ID)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	probeCount := 0
	for _, item := range queue {
		if item.IsProbe {
			probeCount++
			// Probe assignments exist so the item is indistinguishable
			// downstream.
			if _, err := store.GetAssignmentByPair(ctx, prof.ID, item.Task.ID); err != nil {
				t.Fatalf("probe assignment row missing: %v", err)
			}
		}
	}
	if probeCount == 0 {
		t.Fatal("expected at least one probe in the queue")
	}
	if len(queue) != 15+probeCount {
		t.Fatalf("queue length %d with %d probes", len(queue), probeCount)
	}
}

func TestExportChargesAndReleases(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	svc := newWorkflow(store, fixedRand{f: 0.99})

	proj, _ := store.CreateProject(ctx, project.Project{OrganizationID: "org", Title: "p"})
	org, _ := store.GetOrCreateOrganizationBilling(ctx, "org")
	org.AvailableCredits = org.AvailableCredits.Add(decimal.NewFromInt(1000))
	if _, err := store.UpdateOrganizationBilling(ctx, org); err != nil {
		t.Fatalf("fund: %v", err)
	}
	task, _ := store.CreateTask(ctx, project.Task{ProjectID: proj.ID})
	if _, err := svc.billing.CollectDeposit(ctx, proj.ID, nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// One contributor through stages one and two.
	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "w@example.com", Status: annotator.StatusApproved})
	asg, _ := store.CreateAssignment(ctx, assignment.Assignment{
		AnnotatorID: prof.ID, TaskID: task.ID, ProjectID: proj.ID, TimeSpentSeconds: 20,
	})
	result := json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`)
	if _, err := svc.escrow.ReleaseImmediate(ctx, asg.ID, result); err != nil {
		t.Fatalf("stage one: %v", err)
	}
	if _, err := svc.escrow.ReleaseConsensus(ctx, asg.ID); err != nil {
		t.Fatalf("stage two: %v", err)
	}

	res, err := svc.ReleaseFinalOnExport(ctx, proj.ID, []string{task.ID}, 3)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("expected one final release, got %+v", res)
	}
	if !res.Charge.Free {
		t.Fatalf("first export should be free: %+v", res.Charge)
	}

	settled, _ := store.GetAssignment(ctx, asg.ID)
	if !settled.ReviewReleased {
		t.Fatal("final stage not released on export")
	}
}
