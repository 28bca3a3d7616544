package device

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeviceType categorizes the device slot a binding occupies. Each owner holds
// at most one active binding per type.
type DeviceType string

const (
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeDesktop DeviceType = "desktop"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	return t == DeviceTypeMobile || t == DeviceTypeDesktop
}

// Device is one row binding a physical client to an owning account.
type Device struct {
	ID                    uuid.UUID           `json:"id"`
	OwnerID               uuid.UUID           `json:"owner_id"`
	DeviceUUID            string              `json:"device_uuid"`
	DeviceType            DeviceType          `json:"device_type"`
	DeviceName            string              `json:"device_name"`
	FingerprintHash       string              `json:"-"` // full digest of the last observed payload, "" when never supplied
	FingerprintComponents *FingerprintPayload `json:"-"` // last raw payload, kept for stable-digest recomputation
	IPAddress             string              `json:"ip_address"`
	UserAgent             string              `json:"user_agent"`
	IsActive              bool                `json:"is_active"`
	CreatedAt             time.Time           `json:"created_at"`
	LastUsed              time.Time           `json:"last_used"`
}

// DeviceRepository defines the storage operations for device bindings.
// Uniqueness of device_uuid, fingerprint_hash and (owner_id, device_type)
// across active rows is enforced by the implementation; CreateDevice and
// UpdateDevice report violations by wrapping ErrDuplicateDevice so callers
// can distinguish a lost race from a storage failure.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device Device) (Device, error)
	GetActiveByUUID(ctx context.Context, deviceUUID string) (Device, error)
	GetActiveByFingerprintHash(ctx context.Context, hash string) (Device, error)
	FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]Device, error)
	FindActiveByOwnerAndType(ctx context.Context, ownerID uuid.UUID, deviceType DeviceType) ([]Device, error)
	// FindActiveFingerprinted returns every active row that retains raw
	// fingerprint components, for stable-digest comparison.
	FindActiveFingerprinted(ctx context.Context) ([]Device, error)
	UpdateDevice(ctx context.Context, device Device) (Device, error)
	DeactivateByID(ctx context.Context, id uuid.UUID) error
	// DeactivateStale soft-deletes active rows whose last_used is before
	// cutoff and returns how many rows were touched.
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)

	// RunInTx executes fn against a transactional view of the repository.
	// Any error from fn rolls the whole unit back.
	RunInTx(ctx context.Context, fn func(DeviceRepository) error) error
}

// DefaultSweepAfterDays is the retention window used by the maintenance sweep
// when the caller does not supply one.
const DefaultSweepAfterDays = 30

// SweepCutoff returns the last_used threshold for a retention sweep.
func SweepCutoff(olderThanDays int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -olderThanDays)
}
