package accuracy

import (
	"context"
	"testing"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/storage/memory"
)

func seedAnnotator(t *testing.T, store *memory.Store) annotator.Profile {
	t.Helper()
	prof, err := store.CreateAnnotator(context.Background(), annotator.Profile{
		Email:  "worker@example.com",
		Status: annotator.StatusApproved,
	})
	if err != nil {
		t.Fatalf("create annotator: %v", err)
	}
	return prof
}

// recordProbe persists an evaluated probe row and folds it into the tracker,
// mirroring the order the probe engine uses.
func recordProbe(t *testing.T, store *memory.Store, svc *Service, annotatorID string, score float64) Result {
	t.Helper()
	ctx := context.Background()

	g, err := store.CreateGolden(ctx, golden.Task{ProjectID: "p1", TaskID: "t-" + time.Now().Format("150405.000000000")})
	if err != nil {
		t.Fatalf("create golden: %v", err)
	}
	probe, err := store.CreateProbeAssignment(ctx, golden.ProbeAssignment{
		AnnotatorID: annotatorID,
		GoldenID:    g.ID,
		ProjectID:   "p1",
	})
	if err != nil {
		t.Fatalf("create probe: %v", err)
	}
	probe.Status = golden.ProbeEvaluated
	probe.Score = score
	probe.Passed = score >= 85
	probe.SubmittedAt = time.Now().UTC()
	if _, err := store.UpdateProbeAssignment(ctx, probe); err != nil {
		t.Fatalf("update probe: %v", err)
	}

	res, err := svc.RecordEvaluation(ctx, annotatorID, score, probe.Passed)
	if err != nil {
		t.Fatalf("record evaluation: %v", err)
	}
	return res
}

func TestLifetimeAndRollingMath(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	res := recordProbe(t, store, svc, prof.ID, 90)
	if res.LifetimeAccuracy != 90 || res.RollingAccuracy != 90 {
		t.Fatalf("first probe: %+v", res)
	}

	res = recordProbe(t, store, svc, prof.ID, 70)
	if res.LifetimeAccuracy != 80 {
		t.Fatalf("lifetime should be running mean: %+v", res)
	}
	if res.RollingAccuracy != 80 {
		t.Fatalf("rolling should average both: %+v", res)
	}
	if res.TotalEvaluated != 2 {
		t.Fatalf("count wrong: %+v", res)
	}
}

func TestWarningLadderEscalation(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	scores := []float64{82, 78, 65, 58, 45}
	var res Result
	for _, sc := range scores {
		res = recordProbe(t, store, svc, prof.ID, sc)
	}
	// Rolling mean of the five scores is 65.6: formal warning territory.
	if res.RollingAccuracy != 65.6 {
		t.Fatalf("rolling accuracy: %+v", res)
	}
	if !res.WarningIssued || res.WarningLevel != annotator.WarningFormal {
		t.Fatalf("expected formal warning: %+v", res)
	}

	trust, _ := store.GetTrustRecord(context.Background(), prof.ID)
	if trust.Suspended || !trust.CanReceiveAssignments {
		t.Fatalf("formal warning must not suspend: %+v", trust)
	}

	// Two more very low scores push the rolling mean into the final band;
	// escalation bypasses the cooldown.
	recordProbe(t, store, svc, prof.ID, 40)
	res = recordProbe(t, store, svc, prof.ID, 20)
	if !res.WarningIssued || res.WarningLevel != annotator.WarningFinal {
		t.Fatalf("expected final warning: %+v", res)
	}

	// Keep dropping until the rolling mean falls below 50.
	for i := 0; i < 4; i++ {
		res = recordProbe(t, store, svc, prof.ID, 5)
		if res.WarningIssued && res.WarningLevel == annotator.WarningSuspension {
			break
		}
	}
	if res.WarningLevel != annotator.WarningSuspension {
		t.Fatalf("expected suspension: %+v", res)
	}

	trust, _ = store.GetTrustRecord(context.Background(), prof.ID)
	if trust.CanReceiveAssignments {
		t.Fatal("suspension must block assignments")
	}

	// A notification intent exists for every warning issued.
	pending, _ := store.ListPendingNotifications(context.Background(), 0)
	if len(pending) < 3 {
		t.Fatalf("expected warning notifications, got %d", len(pending))
	}
}

func TestNoWarningBeforeMinimumProbes(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	var res Result
	for i := 0; i < MinProbesForWarning-1; i++ {
		res = recordProbe(t, store, svc, prof.ID, 10)
	}
	if res.WarningIssued {
		t.Fatalf("warning issued before minimum probes: %+v", res)
	}
}

func TestCooldownBlocksRepeatWarning(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	for i := 0; i < 5; i++ {
		recordProbe(t, store, svc, prof.ID, 75)
	}
	warnings, _ := store.ListWarnings(context.Background(), prof.ID)
	if len(warnings) != 1 || warnings[0].Level != annotator.WarningSoft {
		t.Fatalf("expected one soft warning, got %+v", warnings)
	}

	// Same severity within cooldown: no re-issue.
	recordProbe(t, store, svc, prof.ID, 74)
	warnings, _ = store.ListWarnings(context.Background(), prof.ID)
	if len(warnings) != 1 {
		t.Fatalf("cooldown not applied: %d warnings", len(warnings))
	}

	// After the soft cooldown passes, the same severity may re-issue.
	svc.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }
	recordProbe(t, store, svc, prof.ID, 73)
	warnings, _ = store.ListWarnings(context.Background(), prof.ID)
	if len(warnings) != 2 {
		t.Fatalf("expected re-issue after cooldown: %d warnings", len(warnings))
	}
}

func TestAcknowledgeWarningSingleShot(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	for i := 0; i < 5; i++ {
		recordProbe(t, store, svc, prof.ID, 75)
	}
	warnings, _ := store.ListWarnings(context.Background(), prof.ID)
	if len(warnings) != 1 {
		t.Fatalf("expected warning, got %d", len(warnings))
	}

	ok, err := svc.AcknowledgeWarning(context.Background(), warnings[0].ID)
	if err != nil || !ok {
		t.Fatalf("first acknowledge: ok=%v err=%v", ok, err)
	}
	ok, err = svc.AcknowledgeWarning(context.Background(), warnings[0].ID)
	if err != nil || ok {
		t.Fatalf("second acknowledge must be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestSnapshotIdempotentPerDay(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, nil)
	prof := seedAnnotator(t, store)

	recordProbe(t, store, svc, prof.ID, 88)

	if err := svc.SnapshotDailyAccuracy(context.Background(), prof.ID); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := svc.SnapshotDailyAccuracy(context.Background(), prof.ID); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	snaps, _ := store.ListAccuracySnapshots(context.Background(), prof.ID, 0)
	if len(snaps) != 1 {
		t.Fatalf("snapshot not idempotent: %d rows", len(snaps))
	}
}
