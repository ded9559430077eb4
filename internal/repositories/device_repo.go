package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

const deviceColumns = `id, account_id, name, platform, app_version, public_key,
	                 signing_public_key, trust_state, trusted_key_version,
	                 last_seen_at, revoked_at, created_at, updated_at, deleted_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var device models.Device
	err := row.Scan(
		&device.ID,
		&device.AccountID,
		&device.Name,
		&device.Platform,
		&device.AppVersion,
		&device.PublicKey,
		&device.SigningPublicKey,
		&device.TrustState,
		&device.TrustedKeyVersion,
		&device.LastSeenAt,
		&device.RevokedAt,
		&device.CreatedAt,
		&device.UpdatedAt,
		&device.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (id, account_id, name, platform, app_version, public_key,
	                               signing_public_key, trust_state, trusted_key_version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.AccountID,
		device.Name,
		device.Platform,
		device.AppVersion,
		device.PublicKey,
		device.SigningPublicKey,
		device.TrustState,
		device.TrustedKeyVersion,
	).Scan(&device.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE id = $1 AND deleted_at IS NULL`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE account_id = $1 AND deleted_at IS NULL
	          ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

func (r *PostgresDeviceRepository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	query := `UPDATE devices
	          SET name = $1, updated_at = NOW()
	          WHERE id = $2 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) MarkTrusted(ctx context.Context, id uuid.UUID, keyVersion int64) error {
	query := `UPDATE devices
	          SET trust_state = $1, trusted_key_version = $2, updated_at = NOW()
	          WHERE id = $3 AND revoked_at IS NULL AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, models.TrustStateTrusted, keyVersion, id)
	if err != nil {
		return fmt.Errorf("failed to mark device trusted: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE devices
	          SET last_seen_at = NOW()
	          WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke soft-revokes a device and drops its trust. A revoked device is
// excluded from the next rotation and can only regain trust by re-pairing.
func (r *PostgresDeviceRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE devices
	          SET revoked_at = $1, trust_state = $2, updated_at = NOW()
	          WHERE id = $3 AND revoked_at IS NULL AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, time.Now(), models.TrustStateUntrusted, id)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
