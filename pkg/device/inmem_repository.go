package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemDeviceRepository implements DeviceRepository using an in-memory map.
// It enforces the same uniqueness semantics as the PostgreSQL repository,
// including reporting ErrDuplicateDevice, so the resolver's race-recovery
// branch behaves identically against it.
type InMemDeviceRepository struct {
	devices map[uuid.UUID]Device
	mu      sync.Mutex
}

// NewInMemDeviceRepository creates a new in-memory device repository.
func NewInMemDeviceRepository() *InMemDeviceRepository {
	return &InMemDeviceRepository{
		devices: make(map[uuid.UUID]Device),
	}
}

// CreateDevice inserts a new device, enforcing uniqueness of device_uuid,
// fingerprint_hash and (owner_id, device_type) across active rows.
func (r *InMemDeviceRepository) CreateDevice(ctx context.Context, device Device) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.devices {
		if !existing.IsActive {
			continue
		}
		if existing.DeviceUUID == device.DeviceUUID {
			return Device{}, fmt.Errorf("device_uuid taken: %w", ErrDuplicateDevice)
		}
		if device.FingerprintHash != "" && existing.FingerprintHash == device.FingerprintHash {
			return Device{}, fmt.Errorf("fingerprint_hash taken: %w", ErrDuplicateDevice)
		}
		if existing.OwnerID == device.OwnerID && existing.DeviceType == device.DeviceType {
			return Device{}, fmt.Errorf("owner slot taken: %w", ErrDuplicateDevice)
		}
	}

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	device.IsActive = true

	r.devices[device.ID] = device
	slog.Debug("device created", "deviceUUID", device.DeviceUUID, "ownerID", device.OwnerID)
	return device, nil
}

// GetActiveByUUID retrieves an active device by its client-presented UUID.
func (r *InMemDeviceRepository) GetActiveByUUID(ctx context.Context, deviceUUID string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, device := range r.devices {
		if device.IsActive && device.DeviceUUID == deviceUUID {
			return device, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// GetActiveByFingerprintHash retrieves an active device by its full digest.
func (r *InMemDeviceRepository) GetActiveByFingerprintHash(ctx context.Context, hash string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hash == "" {
		return Device{}, ErrDeviceNotFound
	}
	for _, device := range r.devices {
		if device.IsActive && device.FingerprintHash == hash {
			return device, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// FindActiveByOwner returns the owner's active devices.
func (r *InMemDeviceRepository) FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]Device, 0)
	for _, device := range r.devices {
		if device.IsActive && device.OwnerID == ownerID {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// FindActiveByOwnerAndType returns the owner's active devices of one type.
func (r *InMemDeviceRepository) FindActiveByOwnerAndType(ctx context.Context, ownerID uuid.UUID, deviceType DeviceType) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]Device, 0)
	for _, device := range r.devices {
		if device.IsActive && device.OwnerID == ownerID && device.DeviceType == deviceType {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// FindActiveFingerprinted returns active devices that retain raw fingerprint
// components.
func (r *InMemDeviceRepository) FindActiveFingerprinted(ctx context.Context) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]Device, 0)
	for _, device := range r.devices {
		if device.IsActive && device.FingerprintComponents != nil {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// UpdateDevice replaces a stored row, enforcing fingerprint uniqueness
// against the other active rows.
func (r *InMemDeviceRepository) UpdateDevice(ctx context.Context, device Device) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.devices[device.ID]
	if !exists || !stored.IsActive {
		return Device{}, ErrDeviceNotFound
	}

	if device.FingerprintHash != "" {
		for id, other := range r.devices {
			if id == device.ID || !other.IsActive {
				continue
			}
			if other.FingerprintHash == device.FingerprintHash {
				return Device{}, fmt.Errorf("fingerprint_hash taken: %w", ErrDuplicateDevice)
			}
		}
	}

	r.devices[device.ID] = device
	return device, nil
}

// DeactivateByID soft-deletes a device row.
func (r *InMemDeviceRepository) DeactivateByID(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, exists := r.devices[id]
	if !exists || !device.IsActive {
		return ErrDeviceNotFound
	}
	device.IsActive = false
	r.devices[id] = device
	slog.Debug("device deactivated", "deviceUUID", device.DeviceUUID, "ownerID", device.OwnerID)
	return nil
}

// DeactivateStale soft-deletes active rows unused since cutoff.
func (r *InMemDeviceRepository) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for id, device := range r.devices {
		if device.IsActive && device.LastUsed.Before(cutoff) {
			device.IsActive = false
			r.devices[id] = device
			count++
		}
	}
	return count, nil
}

// RunInTx runs fn against the repository, restoring the pre-transaction state
// when fn fails. Good enough for tests; real transactional semantics live in
// the PostgreSQL repository.
func (r *InMemDeviceRepository) RunInTx(ctx context.Context, fn func(DeviceRepository) error) error {
	r.mu.Lock()
	snapshot := make(map[uuid.UUID]Device, len(r.devices))
	for id, device := range r.devices {
		snapshot[id] = device
	}
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.devices = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}
