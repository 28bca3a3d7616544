package device

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(ownerID uuid.UUID) Device {
	return Device{
		OwnerID:         ownerID,
		DeviceUUID:      uuid.New().String(),
		DeviceType:      DeviceTypeDesktop,
		DeviceName:      "Windows PC",
		FingerprintHash: uuid.New().String(),
		IPAddress:       "203.0.113.10",
		UserAgent:       desktopUA,
		LastUsed:        time.Now().UTC(),
	}
}

func TestInMemRepository_CreateAndGet(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()

	created, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, created.IsActive)
	assert.False(t, created.CreatedAt.IsZero())

	byUUID, err := repo.GetActiveByUUID(ctx, created.DeviceUUID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byUUID.ID)

	byHash, err := repo.GetActiveByFingerprintHash(ctx, created.FingerprintHash)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byHash.ID)

	_, err = repo.GetActiveByUUID(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = repo.GetActiveByFingerprintHash(ctx, "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestInMemRepository_UniquenessDimensions(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()
	ownerID := uuid.New()

	first, err := repo.CreateDevice(ctx, testDevice(ownerID))
	require.NoError(t, err)

	// Same device uuid, different everything else
	dup := testDevice(uuid.New())
	dup.DeviceUUID = first.DeviceUUID
	_, err = repo.CreateDevice(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	// Same fingerprint hash
	dup = testDevice(uuid.New())
	dup.FingerprintHash = first.FingerprintHash
	_, err = repo.CreateDevice(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	// Same owner and device type
	dup = testDevice(ownerID)
	_, err = repo.CreateDevice(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	// The mobile slot for the same owner is still open
	mobile := testDevice(ownerID)
	mobile.DeviceType = DeviceTypeMobile
	_, err = repo.CreateDevice(ctx, mobile)
	assert.NoError(t, err)

	// Empty fingerprint hashes never collide with each other
	blankA := testDevice(uuid.New())
	blankA.FingerprintHash = ""
	_, err = repo.CreateDevice(ctx, blankA)
	require.NoError(t, err)

	blankB := testDevice(uuid.New())
	blankB.FingerprintHash = ""
	_, err = repo.CreateDevice(ctx, blankB)
	assert.NoError(t, err)
}

func TestInMemRepository_DeactivateFreesUniqueness(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()
	ownerID := uuid.New()

	first, err := repo.CreateDevice(ctx, testDevice(ownerID))
	require.NoError(t, err)

	require.NoError(t, repo.DeactivateByID(ctx, first.ID))

	_, err = repo.GetActiveByUUID(ctx, first.DeviceUUID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// A deactivated row no longer blocks any of the three dimensions
	dup := testDevice(ownerID)
	dup.DeviceUUID = first.DeviceUUID
	dup.FingerprintHash = first.FingerprintHash
	_, err = repo.CreateDevice(ctx, dup)
	assert.NoError(t, err)

	// Deactivating twice reports not found
	assert.ErrorIs(t, repo.DeactivateByID(ctx, first.ID), ErrDeviceNotFound)
}

func TestInMemRepository_UpdateDevice(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()

	first, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)
	second, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)

	first.IPAddress = "198.51.100.1"
	updated, err := repo.UpdateDevice(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", updated.IPAddress)

	// Taking another active row's fingerprint hash is rejected
	first.FingerprintHash = second.FingerprintHash
	_, err = repo.UpdateDevice(ctx, first)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	// Updating a missing or inactive row reports not found
	_, err = repo.UpdateDevice(ctx, Device{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, repo.DeactivateByID(ctx, second.ID))
	_, err = repo.UpdateDevice(ctx, second)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestInMemRepository_FindActive(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()
	ownerID := uuid.New()

	desktop, err := repo.CreateDevice(ctx, testDevice(ownerID))
	require.NoError(t, err)

	mobile := testDevice(ownerID)
	mobile.DeviceType = DeviceTypeMobile
	mobile.FingerprintComponents = testPayload()
	_, err = repo.CreateDevice(ctx, mobile)
	require.NoError(t, err)

	_, err = repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)

	mine, err := repo.FindActiveByOwner(ctx, ownerID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	desktops, err := repo.FindActiveByOwnerAndType(ctx, ownerID, DeviceTypeDesktop)
	require.NoError(t, err)
	require.Len(t, desktops, 1)
	assert.Equal(t, desktop.ID, desktops[0].ID)

	fingerprinted, err := repo.FindActiveFingerprinted(ctx)
	require.NoError(t, err)
	require.Len(t, fingerprinted, 1)
	assert.Equal(t, mobile.DeviceUUID, fingerprinted[0].DeviceUUID)
}

func TestInMemRepository_DeactivateStale(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()

	stale := testDevice(uuid.New())
	stale.LastUsed = time.Now().UTC().AddDate(0, 0, -40)
	staleCreated, err := repo.CreateDevice(ctx, stale)
	require.NoError(t, err)

	fresh, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)

	count, err := repo.DeactivateStale(ctx, SweepCutoff(30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.GetActiveByUUID(ctx, staleCreated.DeviceUUID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = repo.GetActiveByUUID(ctx, fresh.DeviceUUID)
	assert.NoError(t, err)
}

func TestInMemRepository_RunInTxRollback(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()

	kept, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
	require.NoError(t, err)

	err = repo.RunInTx(ctx, func(txRepo DeviceRepository) error {
		if err := txRepo.DeactivateByID(ctx, kept.ID); err != nil {
			return err
		}
		if _, err := txRepo.CreateDevice(ctx, testDevice(uuid.New())); err != nil {
			return err
		}
		return ErrRegistrationConflict
	})
	assert.ErrorIs(t, err, ErrRegistrationConflict)

	// Both writes inside the failed transaction are undone
	restored, err := repo.GetActiveByUUID(ctx, kept.DeviceUUID)
	require.NoError(t, err)
	assert.True(t, restored.IsActive)

	all, err := repo.FindActiveByOwner(ctx, kept.OwnerID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInMemRepository_RunInTxCommit(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()

	var created Device
	err := repo.RunInTx(ctx, func(txRepo DeviceRepository) error {
		var err error
		created, err = txRepo.CreateDevice(ctx, testDevice(uuid.New()))
		return err
	})
	require.NoError(t, err)

	_, err = repo.GetActiveByUUID(ctx, created.DeviceUUID)
	assert.NoError(t, err)
}
