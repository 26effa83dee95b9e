package consent

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// PostgresStore is the durable consent store for the full-pipeline
// invocation modes. Grants are append-only: Latest resolves the newest
// record per org, so a re-grant after revocation supersedes rather than
// mutates the revoked row, preserving the audit trail.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-open *sqlx.DB. Schema migrations are
// applied separately via golang-migrate (see migrations/).
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type consentRow struct {
	OrgID       string       `db:"org_id"`
	GrantedBy   string       `db:"granted_by"`
	GrantedAt   time.Time    `db:"granted_at"`
	ExpiresAt   sql.NullTime `db:"expires_at"`
	RevokedAt   sql.NullTime `db:"revoked_at"`
	ConsentType string       `db:"consent_type"`
}

func (row consentRow) toRecord() Record {
	record := Record{
		OrgID:       row.OrgID,
		GrantedBy:   row.GrantedBy,
		GrantedAt:   row.GrantedAt,
		ConsentType: Type(row.ConsentType),
	}
	if row.ExpiresAt.Valid {
		record.ExpiresAt = row.ExpiresAt.Time
	}
	if row.RevokedAt.Valid {
		revokedAt := row.RevokedAt.Time
		record.RevokedAt = &revokedAt
	}
	return record
}

const insertConsentSQL = `
INSERT INTO consent_records (org_id, granted_by, granted_at, expires_at, revoked_at, consent_type)
VALUES (:org_id, :granted_by, :granted_at, :expires_at, :revoked_at, :consent_type)`

func (s *PostgresStore) Grant(ctx context.Context, record Record) error {
	row := consentRow{
		OrgID:       record.OrgID,
		GrantedBy:   record.GrantedBy,
		GrantedAt:   record.GrantedAt,
		ConsentType: string(record.ConsentType),
	}
	if !record.ExpiresAt.IsZero() {
		row.ExpiresAt = sql.NullTime{Time: record.ExpiresAt, Valid: true}
	}
	if record.RevokedAt != nil {
		row.RevokedAt = sql.NullTime{Time: *record.RevokedAt, Valid: true}
	}
	if _, err := s.db.NamedExecContext(ctx, insertConsentSQL, row); err != nil {
		return oerrors.StoreFailure("consent.postgres", err).WithDetails("operation", "grant").WithDetails("orgId", record.OrgID)
	}
	return nil
}

const revokeConsentSQL = `
UPDATE consent_records
SET revoked_at = $1
WHERE org_id = $2
  AND granted_at = (SELECT max(granted_at) FROM consent_records WHERE org_id = $2)
  AND revoked_at IS NULL`

func (s *PostgresStore) Revoke(ctx context.Context, orgID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, revokeConsentSQL, at, orgID); err != nil {
		return oerrors.StoreFailure("consent.postgres", err).WithDetails("operation", "revoke").WithDetails("orgId", orgID)
	}
	return nil
}

const latestConsentSQL = `
SELECT org_id, granted_by, granted_at, expires_at, revoked_at, consent_type
FROM consent_records
WHERE org_id = $1
ORDER BY granted_at DESC
LIMIT 1`

func (s *PostgresStore) Latest(ctx context.Context, orgID string) (Record, bool, error) {
	var row consentRow
	err := s.db.GetContext(ctx, &row, latestConsentSQL, orgID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, oerrors.StoreFailure("consent.postgres", err).WithDetails("operation", "latest").WithDetails("orgId", orgID)
	}
	return row.toRecord(), true, nil
}

var _ Store = (*PostgresStore)(nil)
