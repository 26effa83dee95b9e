package fpstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

func newMockStore(t *testing.T) (*PostgresFPEventStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	db := sqlx.NewDb(rawDB, "postgres")
	return NewPostgresFPEventStore(db), mock, func() { _ = rawDB.Close() }
}

func TestPostgresFPEventStore_RecordEvent(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fp_events").WillReturnResult(sqlmock.NewResult(0, 1))

	event := sampleEvent("MD-001", "evt-1", "fp-1", time.Now(), OutcomeBlock)
	if err := store.RecordEvent(context.Background(), event); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresFPEventStore_RecordEvent_Duplicate(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fp_events").WillReturnResult(sqlmock.NewResult(0, 0))

	event := sampleEvent("MD-001", "evt-1", "fp-1", time.Now(), OutcomeBlock)
	err := store.RecordEvent(context.Background(), event)
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Kind != oerrors.KindDuplicateEvent {
		t.Fatalf("expected DuplicateEvent, got %v", err)
	}
}

func TestPostgresFPEventStore_MarkFalsePositive_NotFound(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE fp_events").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkFalsePositive(context.Background(), "missing", "alice", "JIRA-1")
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Kind != oerrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPostgresFPEventStore_WindowByCount(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"event_id", "rule_id", "rule_version", "finding_id", "outcome", "is_false_positive",
		"ts", "context_json", "reviewer", "reviewed_at", "suppression_ticket", "expires_at",
	}).AddRow("evt-2", "MD-001", "v1", "fp-2", "block", false, now, []byte(`{}`), nil, nil, nil, now.Add(time.Hour)).
		AddRow("evt-1", "MD-001", "v1", "fp-1", "block", true, now.Add(-time.Minute), []byte(`{}`), "alice", now, "JIRA-1", now.Add(time.Hour))

	mock.ExpectQuery("SELECT (.|\n)* FROM fp_events").WillReturnRows(rows)

	window, err := store.WindowByCount(context.Background(), "MD-001", 10)
	if err != nil {
		t.Fatalf("WindowByCount: %v", err)
	}
	if len(window.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(window.Events))
	}
	if window.Statistics.FalsePositives != 1 {
		t.Fatalf("FalsePositives = %d, want 1", window.Statistics.FalsePositives)
	}
}
