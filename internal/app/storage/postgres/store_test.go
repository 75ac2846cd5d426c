package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateAnnotatorInsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO annotators`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	prof, err := store.CreateAnnotator(context.Background(), annotator.Profile{
		Email:  "a@example.com",
		Status: annotator.StatusApproved,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if prof.ID == "" {
		t.Fatal("id not assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAnnotatorNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM annotators WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetAnnotator(context.Background(), "missing")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateAnnotatorNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE annotators`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateAnnotator(context.Background(), annotator.Profile{ID: "nope"})
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestCountActiveAssignments(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM task_assignments`).
		WithArgs("annotator-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountActiveAssignments(context.Background(), "annotator-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 7 {
		t.Fatalf("count = %d", n)
	}
}

func TestListUnderFilledTasksUsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM tasks\s+WHERE project_id = \$1 AND assigned_count < \$2[\s\S]+FOR UPDATE SKIP LOCKED`).
		WithArgs("p1", 3).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "payload", "target_assignments", "assigned_count", "created_at", "updated_at",
		}).AddRow("t1", "p1", []byte(`{}`), 3, 1, time.Now(), time.Now()))

	tasks, err := store.ListUnderFilledTasks(context.Background(), "p1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].AssignedCount != 1 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestCreateEarningsTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO earnings_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := store.CreateEarningsTransaction(context.Background(), billing.EarningsTransaction{
		AnnotatorID: "a1",
		Type:        billing.EarningsTxEarning,
		Stage:       billing.StageImmediate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.ID == "" || tx.CreatedAt.IsZero() {
		t.Fatalf("ledger row incomplete: %+v", tx)
	}
}
