package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDeviceRepository implements DeviceRepository using PostgreSQL.
// The device table's partial unique indexes are the system's only
// serialization point; this repository translates their violations into
// ErrDuplicateDevice so the resolver can treat a lost insert race as a
// normal branch.
type PostgresDeviceRepository struct {
	db DBTX
}

// DBTX is satisfied by both a pgx pool and a pgx transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// NewPostgresDeviceRepository creates a new PostgreSQL device repository.
func NewPostgresDeviceRepository(db DBTX) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

const deviceColumns = `id, owner_id, device_uuid, device_type, device_name, fingerprint_hash, fingerprint_components, ip_address, user_agent, is_active, created_at, last_used`

// CreateDevice inserts a new device row. A uniqueness-constraint violation
// surfaces as ErrDuplicateDevice.
func (r *PostgresDeviceRepository) CreateDevice(ctx context.Context, device Device) (Device, error) {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.LastUsed.IsZero() {
		device.LastUsed = device.CreatedAt
	}

	components, err := marshalComponents(device.FingerprintComponents)
	if err != nil {
		return Device{}, err
	}

	query := `
		INSERT INTO device (
			owner_id, device_uuid, device_type, device_name, fingerprint_hash, fingerprint_components, ip_address, user_agent, is_active, created_at, last_used
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10
		) RETURNING ` + deviceColumns

	row := r.db.QueryRow(ctx, query,
		device.OwnerID,
		device.DeviceUUID,
		device.DeviceType,
		device.DeviceName,
		nullableText(device.FingerprintHash),
		components,
		device.IPAddress,
		device.UserAgent,
		device.CreatedAt,
		device.LastUsed,
	)

	created, err := scanDevice(row)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("device insert lost a uniqueness race", "deviceUUID", device.DeviceUUID, "ownerID", device.OwnerID)
			return Device{}, fmt.Errorf("insert rejected by unique constraint: %w", ErrDuplicateDevice)
		}
		slog.Error("failed to create device", "err", err, "deviceUUID", device.DeviceUUID)
		return Device{}, fmt.Errorf("failed to create device: %w", err)
	}
	return created, nil
}

// GetActiveByUUID retrieves an active device by its client-presented UUID.
func (r *PostgresDeviceRepository) GetActiveByUUID(ctx context.Context, deviceUUID string) (Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device
		WHERE device_uuid = $1 AND is_active
	`
	return r.getOne(ctx, query, deviceUUID)
}

// GetActiveByFingerprintHash retrieves an active device by its full digest.
func (r *PostgresDeviceRepository) GetActiveByFingerprintHash(ctx context.Context, hash string) (Device, error) {
	if hash == "" {
		return Device{}, ErrDeviceNotFound
	}
	query := `
		SELECT ` + deviceColumns + `
		FROM device
		WHERE fingerprint_hash = $1 AND is_active
	`
	return r.getOne(ctx, query, hash)
}

func (r *PostgresDeviceRepository) getOne(ctx context.Context, query string, args ...interface{}) (Device, error) {
	device, err := scanDevice(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// FindActiveByOwner returns the owner's active devices, most recently used
// first.
func (r *PostgresDeviceRepository) FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device
		WHERE owner_id = $1 AND is_active
		ORDER BY last_used DESC
	`
	return r.findMany(ctx, query, ownerID)
}

// FindActiveByOwnerAndType returns the owner's active devices of one type.
func (r *PostgresDeviceRepository) FindActiveByOwnerAndType(ctx context.Context, ownerID uuid.UUID, deviceType DeviceType) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device
		WHERE owner_id = $1 AND device_type = $2 AND is_active
		ORDER BY last_used DESC
	`
	return r.findMany(ctx, query, ownerID, deviceType)
}

// FindActiveFingerprinted returns every active row retaining raw fingerprint
// components.
func (r *PostgresDeviceRepository) FindActiveFingerprinted(ctx context.Context) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device
		WHERE fingerprint_components IS NOT NULL AND is_active
	`
	return r.findMany(ctx, query)
}

func (r *PostgresDeviceRepository) findMany(ctx context.Context, query string, args ...interface{}) ([]Device, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		slog.Error("failed to query devices", "err", err)
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over devices: %w", err)
	}
	return devices, nil
}

// UpdateDevice writes back the mutable columns of a row. A fingerprint
// uniqueness violation surfaces as ErrDuplicateDevice.
func (r *PostgresDeviceRepository) UpdateDevice(ctx context.Context, device Device) (Device, error) {
	components, err := marshalComponents(device.FingerprintComponents)
	if err != nil {
		return Device{}, err
	}

	query := `
		UPDATE device
		SET fingerprint_hash = $2, fingerprint_components = $3, ip_address = $4, user_agent = $5, last_used = $6
		WHERE id = $1 AND is_active
		RETURNING ` + deviceColumns

	row := r.db.QueryRow(ctx, query,
		device.ID,
		nullableText(device.FingerprintHash),
		components,
		device.IPAddress,
		device.UserAgent,
		device.LastUsed,
	)

	updated, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		if isUniqueViolation(err) {
			return Device{}, fmt.Errorf("update rejected by unique constraint: %w", ErrDuplicateDevice)
		}
		slog.Error("failed to update device", "err", err, "deviceUUID", device.DeviceUUID)
		return Device{}, fmt.Errorf("failed to update device: %w", err)
	}
	return updated, nil
}

// DeactivateByID soft-deletes a device row.
func (r *PostgresDeviceRepository) DeactivateByID(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `UPDATE device SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		slog.Error("failed to deactivate device", "err", err, "id", id)
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeactivateStale soft-deletes active rows unused since cutoff.
func (r *PostgresDeviceRepository) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `UPDATE device SET is_active = FALSE WHERE is_active AND last_used < $1`, cutoff)
	if err != nil {
		slog.Error("failed to sweep stale devices", "err", err)
		return 0, fmt.Errorf("failed to sweep stale devices: %w", err)
	}
	return result.RowsAffected(), nil
}

// RunInTx executes fn inside a database transaction.
func (r *PostgresDeviceRepository) RunInTx(ctx context.Context, fn func(DeviceRepository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(NewPostgresDeviceRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var device Device
	var hash sql.NullString
	var components []byte
	err := row.Scan(
		&device.ID,
		&device.OwnerID,
		&device.DeviceUUID,
		&device.DeviceType,
		&device.DeviceName,
		&hash,
		&components,
		&device.IPAddress,
		&device.UserAgent,
		&device.IsActive,
		&device.CreatedAt,
		&device.LastUsed,
	)
	if err != nil {
		return Device{}, err
	}

	if hash.Valid {
		device.FingerprintHash = hash.String
	}
	if len(components) > 0 {
		var payload FingerprintPayload
		if err := json.Unmarshal(components, &payload); err != nil {
			return Device{}, fmt.Errorf("failed to decode fingerprint components: %w", err)
		}
		device.FingerprintComponents = &payload
	}
	return device, nil
}

func marshalComponents(payload *FingerprintPayload) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint components: %w", err)
	}
	return data, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
