package device

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/exp/slog"
)

func setupTestDatabase(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	dbName := "devicebind_db"
	dbUser := "devicebind"
	dbPassword := "pwd"

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithInitScripts(filepath.Join("../../migrations", "devicebind_db.sql")),
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	if err != nil {
		slog.Error("Failed to start container:", "err", err)
	}

	connString, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	poolConfig, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

func TestPostgresDeviceRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	pool, cleanup := setupTestDatabase(t)
	defer cleanup()

	repo := NewPostgresDeviceRepository(pool)
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		payload := testPayload()
		seed := testDevice(uuid.New())
		seed.FingerprintComponents = payload

		created, err := repo.CreateDevice(ctx, seed)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, created.ID)
		assert.True(t, created.IsActive)

		byUUID, err := repo.GetActiveByUUID(ctx, seed.DeviceUUID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, byUUID.ID)
		assert.Equal(t, seed.FingerprintHash, byUUID.FingerprintHash)
		require.NotNil(t, byUUID.FingerprintComponents)
		assert.Equal(t, payload.Screen, byUUID.FingerprintComponents.Screen)
		assert.Equal(t, payload.Incognito, byUUID.FingerprintComponents.Incognito)

		byHash, err := repo.GetActiveByFingerprintHash(ctx, seed.FingerprintHash)
		require.NoError(t, err)
		assert.Equal(t, created.ID, byHash.ID)

		_, err = repo.GetActiveByUUID(ctx, "missing")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("UniqueConstraints", func(t *testing.T) {
		ownerID := uuid.New()
		first, err := repo.CreateDevice(ctx, testDevice(ownerID))
		require.NoError(t, err)

		dup := testDevice(uuid.New())
		dup.DeviceUUID = first.DeviceUUID
		_, err = repo.CreateDevice(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateDevice)

		dup = testDevice(uuid.New())
		dup.FingerprintHash = first.FingerprintHash
		_, err = repo.CreateDevice(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateDevice)

		dup = testDevice(ownerID)
		_, err = repo.CreateDevice(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateDevice)

		// The partial indexes only cover active rows
		require.NoError(t, repo.DeactivateByID(ctx, first.ID))
		reclaimed := testDevice(ownerID)
		reclaimed.DeviceUUID = first.DeviceUUID
		reclaimed.FingerprintHash = first.FingerprintHash
		_, err = repo.CreateDevice(ctx, reclaimed)
		assert.NoError(t, err)
	})

	t.Run("NullFingerprintsDoNotCollide", func(t *testing.T) {
		blankA := testDevice(uuid.New())
		blankA.FingerprintHash = ""
		_, err := repo.CreateDevice(ctx, blankA)
		require.NoError(t, err)

		blankB := testDevice(uuid.New())
		blankB.FingerprintHash = ""
		_, err = repo.CreateDevice(ctx, blankB)
		assert.NoError(t, err)
	})

	t.Run("UpdateDevice", func(t *testing.T) {
		created, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
		require.NoError(t, err)

		created.IPAddress = "198.51.100.1"
		created.LastUsed = time.Now().UTC()
		updated, err := repo.UpdateDevice(ctx, created)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.1", updated.IPAddress)

		other, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
		require.NoError(t, err)

		created.FingerprintHash = other.FingerprintHash
		_, err = repo.UpdateDevice(ctx, created)
		assert.ErrorIs(t, err, ErrDuplicateDevice)

		_, err = repo.UpdateDevice(ctx, Device{ID: uuid.New(), LastUsed: time.Now().UTC()})
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("FindByOwner", func(t *testing.T) {
		ownerID := uuid.New()
		desktop, err := repo.CreateDevice(ctx, testDevice(ownerID))
		require.NoError(t, err)

		mobile := testDevice(ownerID)
		mobile.DeviceType = DeviceTypeMobile
		_, err = repo.CreateDevice(ctx, mobile)
		require.NoError(t, err)

		mine, err := repo.FindActiveByOwner(ctx, ownerID)
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		desktops, err := repo.FindActiveByOwnerAndType(ctx, ownerID, DeviceTypeDesktop)
		require.NoError(t, err)
		require.Len(t, desktops, 1)
		assert.Equal(t, desktop.ID, desktops[0].ID)
	})

	t.Run("DeactivateStale", func(t *testing.T) {
		stale := testDevice(uuid.New())
		stale.LastUsed = time.Now().UTC().AddDate(0, 0, -40)
		staleCreated, err := repo.CreateDevice(ctx, stale)
		require.NoError(t, err)

		count, err := repo.DeactivateStale(ctx, SweepCutoff(30))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, int64(1))

		_, err = repo.GetActiveByUUID(ctx, staleCreated.DeviceUUID)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("RunInTxRollback", func(t *testing.T) {
		kept, err := repo.CreateDevice(ctx, testDevice(uuid.New()))
		require.NoError(t, err)

		err = repo.RunInTx(ctx, func(txRepo DeviceRepository) error {
			if err := txRepo.DeactivateByID(ctx, kept.ID); err != nil {
				return err
			}
			return ErrRegistrationConflict
		})
		assert.ErrorIs(t, err, ErrRegistrationConflict)

		restored, err := repo.GetActiveByUUID(ctx, kept.DeviceUUID)
		require.NoError(t, err)
		assert.True(t, restored.IsActive)
	})

	t.Run("ResolverEndToEnd", func(t *testing.T) {
		service := NewDeviceService(repo, NewHasher("test-secret"), nil)
		ownerID := uuid.New()

		payload := &FingerprintPayload{
			Screen:              "3440x1440",
			HardwareConcurrency: 12,
			Platform:            "Linux x86_64",
			Timezone:            "Europe/Amsterdam",
			Language:            "nl-NL",
		}

		first, err := service.Register(ctx, RegisterParams{
			OwnerID:     ownerID,
			Fingerprint: payload,
			IPAddress:   "203.0.113.200",
			UserAgent:   desktopUA,
		})
		require.NoError(t, err)
		assert.True(t, first.IsNew)

		second, err := service.Register(ctx, RegisterParams{
			OwnerID:     ownerID,
			Fingerprint: payload,
			IPAddress:   "203.0.113.200",
			UserAgent:   desktopUA,
		})
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.Equal(t, MatchFingerprint, second.Match)
		assert.Equal(t, first.Device.ID, second.Device.ID)

		var conflict OwnershipConflictError
		_, err = service.Register(ctx, RegisterParams{
			OwnerID:     uuid.New(),
			Fingerprint: payload,
			UserAgent:   desktopUA,
		})
		require.ErrorAs(t, err, &conflict)
	})
}
