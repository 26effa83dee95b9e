package fpstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// PostgresFPEventStore is the persistent variant for pull_request,
// merge_group, and drift invocation modes, backed by a single
// fp_events table queried through sqlx.
type PostgresFPEventStore struct {
	db *sqlx.DB
}

// NewPostgresFPEventStore wraps an already-open *sqlx.DB. Schema
// migrations are applied separately via golang-migrate (see migrations/).
func NewPostgresFPEventStore(db *sqlx.DB) *PostgresFPEventStore {
	return &PostgresFPEventStore{db: db}
}

type fpEventRow struct {
	EventID           string         `db:"event_id"`
	RuleID            string         `db:"rule_id"`
	RuleVersion       string         `db:"rule_version"`
	FindingID         string         `db:"finding_id"`
	Outcome           string         `db:"outcome"`
	IsFalsePositive   bool           `db:"is_false_positive"`
	Timestamp         time.Time      `db:"ts"`
	ContextJSON       []byte         `db:"context_json"`
	Reviewer          sql.NullString `db:"reviewer"`
	ReviewedAt        sql.NullTime   `db:"reviewed_at"`
	SuppressionTicket sql.NullString `db:"suppression_ticket"`
	ExpiresAt         time.Time      `db:"expires_at"`
}

func toRow(e FPEvent) (fpEventRow, error) {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fpEventRow{}, err
	}
	row := fpEventRow{
		EventID:           e.EventID,
		RuleID:            e.RuleID,
		RuleVersion:       e.RuleVersion,
		FindingID:         e.FindingID,
		Outcome:           string(e.Outcome),
		IsFalsePositive:   e.IsFalsePositive,
		Timestamp:         e.Timestamp,
		ContextJSON:       ctxJSON,
		Reviewer:          sql.NullString{String: e.Reviewer, Valid: e.Reviewer != ""},
		SuppressionTicket: sql.NullString{String: e.SuppressionTicket, Valid: e.SuppressionTicket != ""},
		ExpiresAt:         e.ExpiresAt,
	}
	if e.ReviewedAt != nil {
		row.ReviewedAt = sql.NullTime{Time: *e.ReviewedAt, Valid: true}
	}
	return row, nil
}

func (row fpEventRow) toEvent() FPEvent {
	e := FPEvent{
		EventID:           row.EventID,
		RuleID:            row.RuleID,
		RuleVersion:       row.RuleVersion,
		FindingID:         row.FindingID,
		Outcome:           Outcome(row.Outcome),
		IsFalsePositive:   row.IsFalsePositive,
		Timestamp:         row.Timestamp,
		Reviewer:          row.Reviewer.String,
		SuppressionTicket: row.SuppressionTicket.String,
		ExpiresAt:         row.ExpiresAt,
	}
	_ = json.Unmarshal(row.ContextJSON, &e.Context)
	if row.ReviewedAt.Valid {
		reviewedAt := row.ReviewedAt.Time
		e.ReviewedAt = &reviewedAt
	}
	return e
}

const insertEventSQL = `
INSERT INTO fp_events
	(event_id, rule_id, rule_version, finding_id, outcome, is_false_positive, ts, context_json, expires_at)
VALUES
	(:event_id, :rule_id, :rule_version, :finding_id, :outcome, :is_false_positive, :ts, :context_json, :expires_at)
ON CONFLICT (rule_id, event_id) DO NOTHING`

func (s *PostgresFPEventStore) RecordEvent(ctx context.Context, event FPEvent) error {
	if event.ExpiresAt.IsZero() {
		event.ExpiresAt = event.Timestamp.Add(DefaultEventTTL)
	}
	row, err := toRow(event)
	if err != nil {
		return oerrors.StoreFailure("fpstore.postgres", err)
	}
	res, err := s.db.NamedExecContext(ctx, insertEventSQL, row)
	if err != nil {
		return oerrors.StoreFailure("fpstore.postgres", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return oerrors.StoreFailure("fpstore.postgres", err)
	}
	if affected == 0 {
		return oerrors.Duplicate(event.RuleID, event.FindingID)
	}
	return nil
}

const markFPSQL = `
UPDATE fp_events
SET is_false_positive = true, reviewer = $1, reviewed_at = $2, suppression_ticket = $3
WHERE finding_id = $4`

func (s *PostgresFPEventStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, ticket string) error {
	reviewedAt := time.Now()
	res, err := s.db.ExecContext(ctx, markFPSQL, reviewer, reviewedAt, ticket, findingID)
	if err != nil {
		return oerrors.StoreFailure("fpstore.postgres", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return oerrors.StoreFailure("fpstore.postgres", err)
	}
	if affected == 0 {
		return oerrors.NotFound("fp_event", findingID)
	}
	return nil
}

const selectByCountSQL = `
SELECT event_id, rule_id, rule_version, finding_id, outcome, is_false_positive, ts, context_json, reviewer, reviewed_at, suppression_ticket, expires_at
FROM fp_events
WHERE rule_id = $1 AND expires_at > now()
ORDER BY ts DESC
LIMIT $2`

func (s *PostgresFPEventStore) WindowByCount(ctx context.Context, ruleID string, n int) (FPWindow, error) {
	var rows []fpEventRow
	if err := s.db.SelectContext(ctx, &rows, selectByCountSQL, ruleID, n); err != nil {
		return FPWindow{}, oerrors.StoreFailure("fpstore.postgres", err)
	}
	return computeWindow(ruleID, rowsToEvents(rows)), nil
}

const selectBySinceSQL = `
SELECT event_id, rule_id, rule_version, finding_id, outcome, is_false_positive, ts, context_json, reviewer, reviewed_at, suppression_ticket, expires_at
FROM fp_events
WHERE rule_id = $1 AND expires_at > now() AND ts >= $2
ORDER BY ts DESC`

func (s *PostgresFPEventStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (FPWindow, error) {
	var rows []fpEventRow
	if err := s.db.SelectContext(ctx, &rows, selectBySinceSQL, ruleID, since); err != nil {
		return FPWindow{}, oerrors.StoreFailure("fpstore.postgres", err)
	}
	return computeWindow(ruleID, rowsToEvents(rows)), nil
}

func rowsToEvents(rows []fpEventRow) []FPEvent {
	events := make([]FPEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEvent())
	}
	return events
}
