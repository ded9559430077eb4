package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

type PostgresKeyLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresKeyLedgerRepository(pool *pgxpool.Pool) *PostgresKeyLedgerRepository {
	return &PostgresKeyLedgerRepository{pool: pool}
}

func (r *PostgresKeyLedgerRepository) CurrentVersion(ctx context.Context, accountID uuid.UUID) (*models.KeyVersion, error) {
	query := `SELECT id, account_id, version, is_current, created_by_device, created_at
	          FROM key_versions
	          WHERE account_id = $1 AND is_current = TRUE`

	var kv models.KeyVersion
	err := r.pool.QueryRow(ctx, query, accountID).Scan(
		&kv.ID,
		&kv.AccountID,
		&kv.Version,
		&kv.IsCurrent,
		&kv.CreatedByDevice,
		&kv.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current key version: %w", err)
	}
	return &kv, nil
}

// CommitRotation writes a new ledger version and its envelopes in a single
// transaction. The version insert asserts monotonicity against the previous
// current version, so concurrent commits cannot both land.
func (r *PostgresKeyLedgerRepository) CommitRotation(ctx context.Context, version *models.KeyVersion, envelopes []*models.KeyEnvelope) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rotation commit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Demote the previous current version. Zero rows is fine on bootstrap.
	demote := `UPDATE key_versions
	           SET is_current = FALSE
	           WHERE account_id = $1 AND is_current = TRUE AND version = $2`
	result, err := tx.Exec(ctx, demote, version.AccountID, version.Version-1)
	if err != nil {
		return fmt.Errorf("failed to demote current key version: %w", err)
	}
	if result.RowsAffected() == 0 && version.Version != 1 {
		return ErrVersionConflict
	}

	insert := `INSERT INTO key_versions (id, account_id, version, is_current, created_by_device)
	           VALUES ($1, $2, $3, TRUE, $4)
	           RETURNING created_at`
	err = tx.QueryRow(ctx, insert,
		version.ID,
		version.AccountID,
		version.Version,
		version.CreatedByDevice,
	).Scan(&version.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert key version: %w", err)
	}

	envInsert := `INSERT INTO key_envelopes (id, account_id, device_id, version, envelope, envelope_hash)
	              VALUES ($1, $2, $3, $4, $5, $6)
	              RETURNING created_at`
	for _, env := range envelopes {
		err = tx.QueryRow(ctx, envInsert,
			env.ID,
			env.AccountID,
			env.DeviceID,
			env.Version,
			env.Envelope,
			env.EnvelopeHash,
		).Scan(&env.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert envelope for device %s: %w", env.DeviceID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	version.IsCurrent = true
	return nil
}

func (r *PostgresKeyLedgerRepository) EnvelopeFor(ctx context.Context, accountID, deviceID uuid.UUID, version int64) (*models.KeyEnvelope, error) {
	query := `SELECT id, account_id, device_id, version, envelope, envelope_hash, created_at
	          FROM key_envelopes
	          WHERE account_id = $1 AND device_id = $2 AND version = $3`

	var env models.KeyEnvelope
	err := r.pool.QueryRow(ctx, query, accountID, deviceID, version).Scan(
		&env.ID,
		&env.AccountID,
		&env.DeviceID,
		&env.Version,
		&env.Envelope,
		&env.EnvelopeHash,
		&env.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return &env, nil
}
