package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	db := sqlx.NewDb(rawDB, "postgres")
	return NewPostgresStore(db), mock, func() { _ = rawDB.Close() }
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("SELECT org_id, reputation_score").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}))

	_, ok, err := store.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown org")
	}
}

func TestPostgresStore_GetHit(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	updated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"org_id", "reputation_score", "consistency_score", "stake_pledge", "stake_status",
		"contribution_count", "flagged_count", "age_score", "volume_score", "last_updated", "slash_reason",
	}).AddRow("acme", 0.8, 0.6, int64(500), "active", 12, 0, 0.9, 0.7, updated, "")
	mock.ExpectQuery("SELECT org_id, reputation_score").
		WithArgs("acme").
		WillReturnRows(rows)

	rep, ok, err := store.Get(context.Background(), "acme")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if rep.StakeStatus != StakeActive || rep.ReputationScore != 0.8 || rep.StakePledge != 500 {
		t.Fatalf("unexpected reputation: %+v", rep)
	}
}

func TestPostgresStore_PutUpserts(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO org_reputations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), OrganizationReputation{
		OrgID:           "acme",
		ReputationScore: 0.8,
		StakeStatus:     StakeActive,
		LastUpdated:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_Contributions(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"org_id", "rule_id", "contributed_fp_rate", "consensus_fp_rate", "event_count", "ts"}).
		AddRow("acme", "MD-001", 0.1, 0.12, 40, ts).
		AddRow("acme", "MD-002", 0.2, 0.18, 25, ts.Add(time.Hour))
	mock.ExpectQuery("SELECT org_id, rule_id, contributed_fp_rate").
		WithArgs("acme").
		WillReturnRows(rows)

	records, err := store.Contributions(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Contributions: %v", err)
	}
	if len(records) != 2 || records[0].RuleID != "MD-001" || records[1].EventCount != 25 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestPostgresStore_AppendContribution(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	ts := time.Now()
	mock.ExpectExec("INSERT INTO contribution_records").
		WithArgs("acme", "MD-001", 0.1, 0.12, 40, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendContribution(context.Background(), ContributionRecord{
		OrgID: "acme", RuleID: "MD-001", ContributedFPRate: 0.1, ConsensusFPRate: 0.12, EventCount: 40, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("AppendContribution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
