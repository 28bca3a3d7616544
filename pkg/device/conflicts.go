package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// conflictChecker is the shared predicate set behind both the mutating
// register path and the read-only precheck path. Keeping the checks in one
// place guarantees the two paths can never disagree on what counts as a
// violation.
type conflictChecker struct {
	repo   DeviceRepository
	hasher *Hasher
}

// ownsUUID returns the active device with this UUID when it belongs to owner.
func (c conflictChecker) ownsUUID(ctx context.Context, ownerID uuid.UUID, deviceUUID string) (Device, bool, error) {
	found, ok, err := c.activeByUUID(ctx, deviceUUID)
	if err != nil || !ok {
		return Device{}, false, err
	}
	if found.OwnerID != ownerID {
		return Device{}, false, nil
	}
	return found, true, nil
}

// uuidOwnedByOther reports whether an active device with this UUID is bound
// to a different owner.
func (c conflictChecker) uuidOwnedByOther(ctx context.Context, ownerID uuid.UUID, deviceUUID string) (bool, error) {
	found, ok, err := c.activeByUUID(ctx, deviceUUID)
	if err != nil || !ok {
		return false, err
	}
	return found.OwnerID != ownerID, nil
}

// digestOwnedByOther reports whether either request digest collides with an
// active device of a different owner, first by exact full-digest lookup, then
// by recomputing the stable digest of every retained payload. The second leg
// catches the same physical machine presenting itself through a different
// browser context.
func (c conflictChecker) digestOwnedByOther(ctx context.Context, ownerID uuid.UUID, fullDigest, stableDigest string) (string, bool, error) {
	if fullDigest != "" {
		found, err := c.repo.GetActiveByFingerprintHash(ctx, fullDigest)
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return "", false, fmt.Errorf("failed to check fingerprint ownership: %w", err)
		}
		if err == nil && found.OwnerID != ownerID {
			return "fingerprint", true, nil
		}
	}

	if stableDigest == "" {
		return "", false, nil
	}
	candidates, err := c.repo.FindActiveFingerprinted(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to check stable fingerprint ownership: %w", err)
	}
	for _, candidate := range candidates {
		if candidate.OwnerID == ownerID {
			continue
		}
		if c.hasher.StableDigest(candidate.FingerprintComponents) == stableDigest {
			return "stable_fingerprint", true, nil
		}
	}
	return "", false, nil
}

// ownerHasActiveOfType reports whether the owner's slot for this device type
// is already taken.
func (c conflictChecker) ownerHasActiveOfType(ctx context.Context, ownerID uuid.UUID, deviceType DeviceType) (bool, error) {
	devices, err := c.repo.FindActiveByOwnerAndType(ctx, ownerID, deviceType)
	if err != nil {
		return false, fmt.Errorf("failed to check device quota: %w", err)
	}
	return len(devices) > 0, nil
}

func (c conflictChecker) activeByUUID(ctx context.Context, deviceUUID string) (Device, bool, error) {
	if deviceUUID == "" {
		return Device{}, false, nil
	}
	found, err := c.repo.GetActiveByUUID(ctx, deviceUUID)
	if errors.Is(err, ErrDeviceNotFound) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("failed to look up device by uuid: %w", err)
	}
	return found, true, nil
}
