package reputation

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplyMigrations runs every pending reputation schema migration against
// db. Idempotent once the schema is current.
func ApplyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("reputation: open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "reputation_schema_migrations"})
	if err != nil {
		return fmt.Errorf("reputation: open postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("reputation: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reputation: apply migrations: %w", err)
	}
	return nil
}

// PostgresStore is the durable reputation store for the full-pipeline
// invocation modes.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-open *sqlx.DB. Schema migrations are
// applied separately via ApplyMigrations.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type reputationRow struct {
	OrgID             string       `db:"org_id"`
	ReputationScore   float64      `db:"reputation_score"`
	ConsistencyScore  float64      `db:"consistency_score"`
	StakePledge       int64        `db:"stake_pledge"`
	StakeStatus       string       `db:"stake_status"`
	ContributionCount int          `db:"contribution_count"`
	FlaggedCount      int          `db:"flagged_count"`
	AgeScore          float64      `db:"age_score"`
	VolumeScore       float64      `db:"volume_score"`
	LastUpdated       sql.NullTime `db:"last_updated"`
	SlashReason       string       `db:"slash_reason"`
}

func (row reputationRow) toReputation() OrganizationReputation {
	rep := OrganizationReputation{
		OrgID:             row.OrgID,
		ReputationScore:   row.ReputationScore,
		ConsistencyScore:  row.ConsistencyScore,
		StakePledge:       row.StakePledge,
		StakeStatus:       StakeStatus(row.StakeStatus),
		ContributionCount: row.ContributionCount,
		FlaggedCount:      row.FlaggedCount,
		AgeScore:          row.AgeScore,
		VolumeScore:       row.VolumeScore,
		SlashReason:       row.SlashReason,
	}
	if row.LastUpdated.Valid {
		rep.LastUpdated = row.LastUpdated.Time
	}
	return rep
}

const selectReputationSQL = `
SELECT org_id, reputation_score, consistency_score, stake_pledge, stake_status,
       contribution_count, flagged_count, age_score, volume_score, last_updated, slash_reason
FROM org_reputations
WHERE org_id = $1`

func (s *PostgresStore) Get(ctx context.Context, orgID string) (OrganizationReputation, bool, error) {
	var row reputationRow
	err := s.db.GetContext(ctx, &row, selectReputationSQL, orgID)
	if err == sql.ErrNoRows {
		return OrganizationReputation{}, false, nil
	}
	if err != nil {
		return OrganizationReputation{}, false, oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "get").WithDetails("orgId", orgID)
	}
	return row.toReputation(), true, nil
}

const upsertReputationSQL = `
INSERT INTO org_reputations
	(org_id, reputation_score, consistency_score, stake_pledge, stake_status,
	 contribution_count, flagged_count, age_score, volume_score, last_updated, slash_reason)
VALUES
	(:org_id, :reputation_score, :consistency_score, :stake_pledge, :stake_status,
	 :contribution_count, :flagged_count, :age_score, :volume_score, :last_updated, :slash_reason)
ON CONFLICT (org_id) DO UPDATE SET
	reputation_score = EXCLUDED.reputation_score,
	consistency_score = EXCLUDED.consistency_score,
	stake_pledge = EXCLUDED.stake_pledge,
	stake_status = EXCLUDED.stake_status,
	contribution_count = EXCLUDED.contribution_count,
	flagged_count = EXCLUDED.flagged_count,
	age_score = EXCLUDED.age_score,
	volume_score = EXCLUDED.volume_score,
	last_updated = EXCLUDED.last_updated,
	slash_reason = EXCLUDED.slash_reason`

func (s *PostgresStore) Put(ctx context.Context, rep OrganizationReputation) error {
	row := reputationRow{
		OrgID:             rep.OrgID,
		ReputationScore:   rep.ReputationScore,
		ConsistencyScore:  rep.ConsistencyScore,
		StakePledge:       rep.StakePledge,
		StakeStatus:       string(rep.StakeStatus),
		ContributionCount: rep.ContributionCount,
		FlaggedCount:      rep.FlaggedCount,
		AgeScore:          rep.AgeScore,
		VolumeScore:       rep.VolumeScore,
		SlashReason:       rep.SlashReason,
	}
	if !rep.LastUpdated.IsZero() {
		row.LastUpdated = sql.NullTime{Time: rep.LastUpdated, Valid: true}
	}
	if _, err := s.db.NamedExecContext(ctx, upsertReputationSQL, row); err != nil {
		return oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "put").WithDetails("orgId", rep.OrgID)
	}
	return nil
}

const insertContributionSQL = `
INSERT INTO contribution_records (org_id, rule_id, contributed_fp_rate, consensus_fp_rate, event_count, ts)
VALUES ($1, $2, $3, $4, $5, $6)`

func (s *PostgresStore) AppendContribution(ctx context.Context, record ContributionRecord) error {
	_, err := s.db.ExecContext(ctx, insertContributionSQL,
		record.OrgID, record.RuleID, record.ContributedFPRate, record.ConsensusFPRate, record.EventCount, record.Timestamp)
	if err != nil {
		return oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "append_contribution").WithDetails("orgId", record.OrgID)
	}
	return nil
}

const selectContributionsSQL = `
SELECT org_id, rule_id, contributed_fp_rate, consensus_fp_rate, event_count, ts
FROM contribution_records
WHERE org_id = $1
ORDER BY ts ASC`

func (s *PostgresStore) Contributions(ctx context.Context, orgID string) ([]ContributionRecord, error) {
	rows, err := s.db.QueryxContext(ctx, selectContributionsSQL, orgID)
	if err != nil {
		return nil, oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "contributions").WithDetails("orgId", orgID)
	}
	defer rows.Close()

	var out []ContributionRecord
	for rows.Next() {
		var record ContributionRecord
		if err := rows.Scan(&record.OrgID, &record.RuleID, &record.ContributedFPRate, &record.ConsensusFPRate, &record.EventCount, &record.Timestamp); err != nil {
			return nil, oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "contributions_scan")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, oerrors.StoreFailure("reputation.postgres", err).WithDetails("operation", "contributions_rows")
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
