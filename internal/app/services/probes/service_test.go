package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/accuracy"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

// stubRand keeps probe placement deterministic in tests.
type stubRand struct {
	intn int
	f    float64
}

func (s stubRand) Float64() float64            { return s.f }
func (s stubRand) Intn(int) int                { return s.intn }
func (s stubRand) Shuffle(int, func(i, j int)) {}

func seedGoldens(t *testing.T, store *memory.Store, projectID string, n int) []golden.Task {
	t.Helper()
	ctx := context.Background()
	goldens := make([]golden.Task, 0, n)
	for i := 0; i < n; i++ {
		g, err := store.CreateGolden(ctx, golden.Task{
			ProjectID: projectID,
			TaskID:    fmt.Sprintf("golden-task-%d", i),
			Payload:   json.RawMessage(`{"image":"probe.jpg"}`),
			Reference: json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`),
			Active:    true,
		})
		if err != nil {
			t.Fatalf("create golden: %v", err)
		}
		goldens = append(goldens, g)
	}
	return goldens
}

func seedTasks(n int) []project.Task {
	tasks := make([]project.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, project.Task{ID: fmt.Sprintf("task-%d", i), ProjectID: "p1"})
	}
	return tasks
}

func newService(store *memory.Store, r stubRand) *Service {
	tracker := accuracy.New(store, store, store, nil)
	return New(store, store, tracker, r, nil)
}

func TestInjectProbesLifecycle(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	prof, err := store.CreateAnnotator(ctx, annotator.Profile{Email: "a@example.com", Status: annotator.StatusApproved})
	if err != nil {
		t.Fatalf("create annotator: %v", err)
	}
	seedGoldens(t, store, "p1", 12)

	svc := newService(store, stubRand{intn: 0})
	queue, err := svc.InjectProbes(ctx, prof.ID, "p1", seedTasks(30))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}

	var probePositions []int
	for i, item := range queue {
		if item.IsProbe {
			probePositions = append(probePositions, i)
		}
	}
	// No prior probe: first slot at 0, then fixed 10-task gaps from the stub.
	if len(probePositions) != 3 {
		t.Fatalf("expected 3 probes, got %d at %v", len(probePositions), probePositions)
	}
	if probePositions[0] != 0 || probePositions[1] != 10 || probePositions[2] != 20 {
		t.Fatalf("unexpected probe positions: %v", probePositions)
	}
	if len(queue) != 33 {
		t.Fatalf("real tasks must shift right: queue length %d", len(queue))
	}

	// Evaluate the first probe: 100% match against the reference with
	// tolerance 0.85 passes and seeds both accuracies.
	first := queue[0]
	sub, err := store.CreateSubmission(ctx, annotation.Submission{
		TaskID:    first.Task.ID,
		ProjectID: "p1",
		AuthorID:  prof.ID,
		Result:    json.RawMessage(`[{"type":"choices","value":{"choices":["cat"]}}]`),
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}

	handled, eval, err := svc.EvaluateSubmission(ctx, sub)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !handled || eval == nil {
		t.Fatal("expected probe to be handled")
	}
	if !eval.Passed || eval.Score != 100 {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}

	updated, _ := store.GetAnnotator(ctx, prof.ID)
	if updated.LifetimeAccuracy != 100 || updated.ProbesEvaluated != 1 {
		t.Fatalf("lifetime accuracy not updated: %+v", updated)
	}
	trust, _ := store.GetTrustRecord(ctx, prof.ID)
	if trust.RollingAccuracy != 100 {
		t.Fatalf("rolling accuracy not updated: %+v", trust)
	}

	// Evaluation is single-shot: a second submission on the same golden task
	// is no longer a probe.
	again, err := store.CreateSubmission(ctx, annotation.Submission{
		TaskID:    first.Task.ID,
		AuthorID:  prof.ID,
		Result:    json.RawMessage(`[{"type":"choices","value":{"choices":["dog"]}}]`),
		Cancelled: true,
	})
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	handled, _, err = svc.EvaluateSubmission(ctx, again)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if handled {
		t.Fatal("probe evaluation must be single-shot")
	}
}

func TestInjectSkipsWhenPoolTooSmall(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seedGoldens(t, store, "p1", 2)

	svc := newService(store, stubRand{intn: 0})
	queue, err := svc.InjectProbes(ctx, "annotator-1", "p1", seedTasks(20))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(queue) != 20 {
		t.Fatalf("queue length changed: %d", len(queue))
	}
	for _, item := range queue {
		if item.IsProbe {
			t.Fatal("no probes expected with a small pool")
		}
	}
}

func TestInjectRespectsMinIntervalAfterRecentProbe(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	prof, _ := store.CreateAnnotator(ctx, annotator.Profile{Email: "b@example.com"})
	goldens := seedGoldens(t, store, "p1", 12)

	// Simulate a just-evaluated probe with no completed tasks since.
	probe, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{
		AnnotatorID: prof.ID,
		GoldenID:    goldens[11].ID,
		ProjectID:   "p1",
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	probe.Status = golden.ProbeEvaluated
	probe.Score = 90
	probe.SubmittedAt = timeNow()
	if _, err := store.UpdateProbeAssignment(ctx, probe); err != nil {
		t.Fatalf("update probe: %v", err)
	}

	svc := newService(store, stubRand{intn: 0})
	queue, err := svc.InjectProbes(ctx, prof.ID, "p1", seedTasks(15))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}

	for i, item := range queue {
		if item.IsProbe && i < MinInterval {
			t.Fatalf("probe injected at %d before minimum interval", i)
		}
	}
}

func TestGoldenAutoRetirement(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	g, _ := store.CreateGolden(ctx, golden.Task{
		ProjectID:  "p1",
		TaskID:     "gt-1",
		Active:     true,
		UsageCount: golden.MaxUsesBeforeRetirement - 1,
	})

	svc := newService(store, stubRand{intn: 0})
	if err := svc.serveGolden(ctx, "annotator-9", "p1", g, 0); err != nil {
		t.Fatalf("serve: %v", err)
	}

	updated, _ := store.GetGolden(ctx, g.ID)
	if !updated.Retired {
		t.Fatalf("golden should auto-retire at %d uses: %+v", golden.MaxUsesBeforeRetirement, updated)
	}
	if updated.Injectable() {
		t.Fatal("retired golden must not be injectable")
	}
}

func TestCheckProjectReadiness(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seedGoldens(t, store, "p1", 9)

	svc := newService(store, stubRand{intn: 0})
	r, err := svc.CheckProjectReadiness(ctx, "p1")
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if r.Ready {
		t.Fatalf("project with 9 goldens must not be ready: %+v", r)
	}

	seedGoldens(t, store, "p1", 1)
	r, _ = svc.CheckProjectReadiness(ctx, "p1")
	if !r.Ready || r.Active != 10 {
		t.Fatalf("project with 10 active goldens should be ready: %+v", r)
	}
}

func timeNow() time.Time { return time.Now().UTC() }
