package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NoOpDeviceRepository is a no-op implementation of DeviceRepository.
// It lets a DeviceService be constructed where device binding is disabled:
// every lookup misses and every write reports that binding is not configured.
type NoOpDeviceRepository struct{}

// NewNoOpDeviceRepository creates a new no-op device repository.
func NewNoOpDeviceRepository() DeviceRepository {
	return &NoOpDeviceRepository{}
}

func (r *NoOpDeviceRepository) CreateDevice(ctx context.Context, device Device) (Device, error) {
	return Device{}, fmt.Errorf("device binding not configured")
}

func (r *NoOpDeviceRepository) GetActiveByUUID(ctx context.Context, deviceUUID string) (Device, error) {
	return Device{}, ErrDeviceNotFound
}

func (r *NoOpDeviceRepository) GetActiveByFingerprintHash(ctx context.Context, hash string) (Device, error) {
	return Device{}, ErrDeviceNotFound
}

func (r *NoOpDeviceRepository) FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]Device, error) {
	return []Device{}, nil
}

func (r *NoOpDeviceRepository) FindActiveByOwnerAndType(ctx context.Context, ownerID uuid.UUID, deviceType DeviceType) ([]Device, error) {
	return []Device{}, nil
}

func (r *NoOpDeviceRepository) FindActiveFingerprinted(ctx context.Context) ([]Device, error) {
	return []Device{}, nil
}

func (r *NoOpDeviceRepository) UpdateDevice(ctx context.Context, device Device) (Device, error) {
	return Device{}, fmt.Errorf("device binding not configured")
}

func (r *NoOpDeviceRepository) DeactivateByID(ctx context.Context, id uuid.UUID) error {
	return ErrDeviceNotFound
}

func (r *NoOpDeviceRepository) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *NoOpDeviceRepository) RunInTx(ctx context.Context, fn func(DeviceRepository) error) error {
	return fn(r)
}
