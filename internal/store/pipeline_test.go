package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestClaimTaskWinsOnce(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE processing_tasks`).
		WithArgs("item-1", StageValidation, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.ClaimTask(context.Background(), "item-1", StageValidation, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimTaskLosesRace(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	// second claimant matches zero rows: the row is already processing
	mock.ExpectExec(`UPDATE processing_tasks`).
		WithArgs("item-1", StageValidation, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.ClaimTask(context.Background(), "item-1", StageValidation, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask returned error: %v", err)
	}
	if ok {
		t.Fatal("expected claim to lose the race")
	}
}

func TestClaimTaskRequiresIdentity(t *testing.T) {
	st := &Store{}
	if _, err := st.ClaimTask(context.Background(), "", StageValidation, time.Minute); err == nil {
		t.Fatal("expected error for empty item_id")
	}
	if _, err := st.ClaimTask(context.Background(), "item-1", "", time.Minute); err == nil {
		t.Fatal("expected error for empty stage")
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WithArgs("item-1", StageEnrichment).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// repeated complete matches nothing and still succeeds
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WithArgs("item-1", StageEnrichment).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.CompleteTask(context.Background(), "item-1", StageEnrichment); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := st.CompleteTask(context.Background(), "item-1", StageEnrichment); err != nil {
		t.Fatalf("repeated complete should be a no-op: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailTaskRetriesThenFails(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`UPDATE processing_tasks`).
		WithArgs("item-1", StageValidation, "gateway timeout").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(TaskStatusRetrying))

	status, err := st.FailTask(context.Background(), "item-1", StageValidation, "gateway timeout")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if status != TaskStatusRetrying {
		t.Fatalf("status = %s, want retrying", status)
	}

	mock.ExpectQuery(`UPDATE processing_tasks`).
		WithArgs("item-1", StageValidation, "gateway timeout").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(TaskStatusFailed))

	status, err = st.FailTask(context.Background(), "item-1", StageValidation, "gateway timeout")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if status != TaskStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
}

func TestMarkItemNeedsReviewLeavesPendingQueue(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE staged_items SET status='needs_review'`).
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkItemNeedsReview(context.Background(), "item-1", "gateway timeout"); err != nil {
		t.Fatalf("MarkItemNeedsReview: %v", err)
	}

	// already parked: the pending guard matches nothing
	mock.ExpectExec(`UPDATE staged_items SET status='needs_review'`).
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.MarkItemNeedsReview(context.Background(), "item-1", "gateway timeout"); err == nil {
		t.Fatal("expected error when item is no longer pending")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertStagedItemRejectsBadPriority(t *testing.T) {
	st := &Store{}
	if _, err := st.InsertStagedItem(context.Background(), "crm", "event", 12, nil); err == nil {
		t.Fatal("expected error for priority outside [0,9]")
	}
	if _, err := st.InsertStagedItem(context.Background(), "", "event", 5, nil); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestPruneTerminalItemsRequiresCutoff(t *testing.T) {
	st := &Store{}
	if _, err := st.PruneTerminalItemsBefore(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error for zero cutoff")
	}
	if _, err := st.PruneWorkloadSamplesBefore(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error for zero cutoff")
	}
}
