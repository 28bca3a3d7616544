package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MatchKind names the chain step that recognized an existing device.
type MatchKind string

const (
	MatchUUID              MatchKind = "uuid"
	MatchFingerprint       MatchKind = "fingerprint"
	MatchStableFingerprint MatchKind = "stable_fingerprint"
	MatchIP                MatchKind = "ip"
)

// RegisterParams carries the identifying signals of one request. OwnerID
// comes from the identity collaborator; IPAddress and UserAgent from the
// request context; everything else is client-supplied and optional.
type RegisterParams struct {
	OwnerID      uuid.UUID
	DeviceUUID   string
	Fingerprint  *FingerprintPayload
	IPAddress    string
	UserAgent    string
	TypeOverride string
}

// RegisterResult is the outcome of a successful register call.
type RegisterResult struct {
	Device Device
	IsNew  bool
	Match  MatchKind // empty when IsNew
}

// PrecheckResult reports how a register call with the same signals would
// resolve. Advisory only: a concurrent registration can still win the race
// between precheck and register.
type PrecheckResult struct {
	WouldCreate bool
	Match       MatchKind // empty when WouldCreate
}

// DeviceService is the binding resolver. It decides, per request, whether a
// presented client is a recognized device, a new device that may be bound, or
// a rejected one. It takes no in-process locks; the registry's uniqueness
// constraints are the only serialization point.
type DeviceService struct {
	repo   DeviceRepository
	hasher *Hasher
	sink   AuditSink
}

// NewDeviceService creates a device service. A nil sink disables auditing.
func NewDeviceService(repo DeviceRepository, hasher *Hasher, sink AuditSink) *DeviceService {
	if sink == nil {
		sink = NoopAuditSink{}
	}
	return &DeviceService{
		repo:   repo,
		hasher: hasher,
		sink:   sink,
	}
}

func (s *DeviceService) withRepo(repo DeviceRepository) *DeviceService {
	return &DeviceService{repo: repo, hasher: s.hasher, sink: s.sink}
}

func (s *DeviceService) checker() conflictChecker {
	return conflictChecker{repo: s.repo, hasher: s.hasher}
}

// resolved is one request's signals after classification and hashing.
type resolved struct {
	params       RegisterParams
	deviceType   DeviceType
	fullDigest   string
	stableDigest string
}

func (s *DeviceService) resolve(params RegisterParams) (resolved, error) {
	if params.OwnerID == uuid.Nil {
		return resolved{}, MalformedInputError{Detail: "owner id is required"}
	}

	deviceType, err := ResolveDeviceType(params.TypeOverride, params.UserAgent)
	if err != nil {
		return resolved{}, err
	}

	return resolved{
		params:       params,
		deviceType:   deviceType,
		fullDigest:   s.hasher.FullDigest(params.Fingerprint),
		stableDigest: s.hasher.StableDigest(params.Fingerprint),
	}, nil
}

// Register runs the full matching chain and either recognizes an existing
// binding, creates a new one, or rejects the request. A uniqueness violation
// on insert is an expected branch: two near-simultaneous first registrations
// of the same device resolve to one created row and one recognition.
func (s *DeviceService) Register(ctx context.Context, params RegisterParams) (RegisterResult, error) {
	r, err := s.resolve(params)
	if err != nil {
		return RegisterResult{}, err
	}

	matched, kind, found, err := s.matchExisting(ctx, r)
	if err != nil {
		s.auditRejection(ctx, r, err)
		return RegisterResult{}, err
	}
	if found {
		updated, err := s.touch(ctx, matched, r, kind)
		if err != nil {
			return RegisterResult{}, err
		}
		s.emit(ctx, r, recognitionOutcome(kind), false)
		return RegisterResult{Device: updated, IsNew: false, Match: kind}, nil
	}

	created, err := s.create(ctx, r)
	if err == nil {
		s.emit(ctx, r, AuditCreated, false)
		return RegisterResult{Device: created, IsNew: true}, nil
	}
	if !errors.Is(err, ErrDuplicateDevice) {
		slog.Error("failed to create device", "ownerID", r.params.OwnerID, "deviceType", r.deviceType, "err", err)
		return RegisterResult{}, err
	}

	// Lost an insert race. Re-query by the same identifying signals and
	// return the winner's row as recognized.
	recovered, kind, err := s.recoverLostRace(ctx, r)
	if err != nil {
		s.auditRejection(ctx, r, err)
		return RegisterResult{}, err
	}
	slog.Debug("recovered lost registration race", "ownerID", r.params.OwnerID, "deviceType", r.deviceType, "match", kind)
	updated, err := s.touch(ctx, recovered, r, kind)
	if err != nil {
		return RegisterResult{}, err
	}
	s.emit(ctx, r, recognitionOutcome(kind), false)
	return RegisterResult{Device: updated, IsNew: false, Match: kind}, nil
}

// Precheck evaluates the matching chain without writing anything. It exists
// so a caller can validate binding legality before an account's profile is
// complete, without persisting a row prematurely.
func (s *DeviceService) Precheck(ctx context.Context, params RegisterParams) (PrecheckResult, error) {
	r, err := s.resolve(params)
	if err != nil {
		return PrecheckResult{}, err
	}

	_, kind, found, err := s.matchExisting(ctx, r)
	if err != nil {
		s.auditRejection(ctx, r, err)
		return PrecheckResult{}, err
	}
	if found {
		return PrecheckResult{Match: kind}, nil
	}
	return PrecheckResult{WouldCreate: true}, nil
}

// matchExisting evaluates chain steps a through g in order, short-circuiting
// on the first recognition or hard failure. It performs no writes.
func (s *DeviceService) matchExisting(ctx context.Context, r resolved) (Device, MatchKind, bool, error) {
	check := s.checker()
	ownerID := r.params.OwnerID

	// a. Exact UUID under the same owner.
	if matched, ok, err := check.ownsUUID(ctx, ownerID, r.params.DeviceUUID); err != nil {
		return Device{}, "", false, err
	} else if ok {
		return matched, MatchUUID, true, nil
	}

	// b. Exact UUID under a different owner: permanent-binding violation.
	if other, err := check.uuidOwnedByOther(ctx, ownerID, r.params.DeviceUUID); err != nil {
		return Device{}, "", false, err
	} else if other {
		return Device{}, "", false, OwnershipConflictError{Signal: "device_uuid"}
	}

	// c. Exact full digest under the same owner and device type.
	if r.fullDigest != "" {
		matched, err := s.repo.GetActiveByFingerprintHash(ctx, r.fullDigest)
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return Device{}, "", false, fmt.Errorf("failed to look up device by fingerprint: %w", err)
		}
		if err == nil && matched.OwnerID == ownerID && matched.DeviceType == r.deviceType {
			return matched, MatchFingerprint, true, nil
		}
	}

	// d. Stable digest against the owner's retained payloads: same physical
	// device seen through a different browser context.
	if r.stableDigest != "" {
		siblings, err := s.repo.FindActiveByOwnerAndType(ctx, ownerID, r.deviceType)
		if err != nil {
			return Device{}, "", false, fmt.Errorf("failed to list owner devices: %w", err)
		}
		for _, sibling := range siblings {
			if sibling.FingerprintComponents == nil {
				continue
			}
			if s.hasher.StableDigest(sibling.FingerprintComponents) == r.stableDigest {
				return sibling, MatchStableFingerprint, true, nil
			}
		}
	}

	// e. Either digest colliding with another owner's device.
	if signal, collides, err := check.digestOwnedByOther(ctx, ownerID, r.fullDigest, r.stableDigest); err != nil {
		return Device{}, "", false, err
	} else if collides {
		return Device{}, "", false, OwnershipConflictError{Signal: signal}
	}

	// f. Weak same-device heuristic: same owner, type and IP. Covers
	// registrations that carry no fingerprint at all. Skipped when either
	// side has no recorded address.
	if r.params.IPAddress != "" {
		siblings, err := s.repo.FindActiveByOwnerAndType(ctx, ownerID, r.deviceType)
		if err != nil {
			return Device{}, "", false, fmt.Errorf("failed to list owner devices: %w", err)
		}
		for _, sibling := range siblings {
			if sibling.IPAddress != "" && sibling.IPAddress == r.params.IPAddress {
				return sibling, MatchIP, true, nil
			}
		}
	}

	// g. Quota: the owner's slot for this type is already taken.
	if taken, err := check.ownerHasActiveOfType(ctx, ownerID, r.deviceType); err != nil {
		return Device{}, "", false, err
	} else if taken {
		return Device{}, "", false, QuotaExceededError{DeviceType: r.deviceType}
	}

	return Device{}, "", false, nil
}

func (s *DeviceService) create(ctx context.Context, r resolved) (Device, error) {
	now := time.Now().UTC()
	deviceUUID := r.params.DeviceUUID
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
	}

	created, err := s.repo.CreateDevice(ctx, Device{
		OwnerID:               r.params.OwnerID,
		DeviceUUID:            deviceUUID,
		DeviceType:            r.deviceType,
		DeviceName:            deriveDeviceName(r.params.UserAgent),
		FingerprintHash:       r.fullDigest,
		FingerprintComponents: r.params.Fingerprint,
		IPAddress:             r.params.IPAddress,
		UserAgent:             r.params.UserAgent,
		IsActive:              true,
		CreatedAt:             now,
		LastUsed:              now,
	})
	if err != nil {
		return Device{}, err
	}
	slog.Info("device created", "ownerID", created.OwnerID, "deviceType", created.DeviceType, "deviceName", created.DeviceName)
	return created, nil
}

// recoverLostRace re-queries by uuid first, then by full digest, after an
// insert was rejected by a uniqueness constraint. Ownership is still
// enforced: a row found under a different owner is a conflict, not a
// recognition.
func (s *DeviceService) recoverLostRace(ctx context.Context, r resolved) (Device, MatchKind, error) {
	if r.params.DeviceUUID != "" {
		winner, err := s.repo.GetActiveByUUID(ctx, r.params.DeviceUUID)
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return Device{}, "", fmt.Errorf("failed to re-query device by uuid: %w", err)
		}
		if err == nil {
			if winner.OwnerID != r.params.OwnerID {
				return Device{}, "", OwnershipConflictError{Signal: "device_uuid"}
			}
			return winner, MatchUUID, nil
		}
	}

	if r.fullDigest != "" {
		winner, err := s.repo.GetActiveByFingerprintHash(ctx, r.fullDigest)
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return Device{}, "", fmt.Errorf("failed to re-query device by fingerprint: %w", err)
		}
		if err == nil {
			if winner.OwnerID != r.params.OwnerID {
				return Device{}, "", OwnershipConflictError{Signal: "fingerprint"}
			}
			return winner, MatchFingerprint, nil
		}
	}

	// The violated constraint was not one of our identifying signals.
	return Device{}, "", ErrRegistrationConflict
}

// touch records the recognition on the matched row: last_used always, request
// metadata when present, and the stored fingerprint when the match came
// through the stable digest (the row is the same physical device under a new
// browser context, so the retained payload is refreshed).
func (s *DeviceService) touch(ctx context.Context, matched Device, r resolved, kind MatchKind) (Device, error) {
	matched.LastUsed = time.Now().UTC()
	if r.params.IPAddress != "" {
		matched.IPAddress = r.params.IPAddress
	}
	if r.params.UserAgent != "" {
		matched.UserAgent = r.params.UserAgent
	}
	if kind == MatchStableFingerprint && r.params.Fingerprint != nil {
		matched.FingerprintHash = r.fullDigest
		matched.FingerprintComponents = r.params.Fingerprint
	}

	updated, err := s.repo.UpdateDevice(ctx, matched)
	if errors.Is(err, ErrDuplicateDevice) {
		// The refreshed full digest is held by another active row.
		return Device{}, OwnershipConflictError{Signal: "fingerprint"}
	}
	if err != nil {
		return Device{}, fmt.Errorf("failed to update device: %w", err)
	}
	return updated, nil
}

// ListActive returns the owner's active devices.
func (s *DeviceService) ListActive(ctx context.Context, ownerID uuid.UUID) ([]Device, error) {
	devices, err := s.repo.FindActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Deactivate soft-deletes the owner's device with this UUID. A UUID bound to
// a different owner reads as not found.
func (s *DeviceService) Deactivate(ctx context.Context, ownerID uuid.UUID, deviceUUID string) error {
	matched, err := s.repo.GetActiveByUUID(ctx, deviceUUID)
	if err != nil {
		return err
	}
	if matched.OwnerID != ownerID {
		return ErrDeviceNotFound
	}

	if err := s.repo.DeactivateByID(ctx, matched.ID); err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	s.sinkRecord(ctx, AuditEvent{
		OwnerID:    ownerID,
		DeviceType: matched.DeviceType,
		Outcome:    AuditDeactivated,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// ReplaceParams identifies the binding to retire and the device taking its
// slot.
type ReplaceParams struct {
	OwnerID       uuid.UUID
	OldDeviceUUID string
	NewDeviceUUID string
	Fingerprint   *FingerprintPayload
	IPAddress     string
	UserAgent     string
	TypeOverride  string
}

// Replace atomically deactivates the old binding and registers the new
// device. Both effects commit or roll back as a unit.
func (s *DeviceService) Replace(ctx context.Context, params ReplaceParams) (RegisterResult, error) {
	var result RegisterResult
	err := s.repo.RunInTx(ctx, func(txRepo DeviceRepository) error {
		old, err := txRepo.GetActiveByUUID(ctx, params.OldDeviceUUID)
		if err != nil {
			return err
		}
		if old.OwnerID != params.OwnerID {
			return ErrDeviceNotFound
		}
		if err := txRepo.DeactivateByID(ctx, old.ID); err != nil {
			return fmt.Errorf("failed to deactivate replaced device: %w", err)
		}

		result, err = s.withRepo(txRepo).Register(ctx, RegisterParams{
			OwnerID:      params.OwnerID,
			DeviceUUID:   params.NewDeviceUUID,
			Fingerprint:  params.Fingerprint,
			IPAddress:    params.IPAddress,
			UserAgent:    params.UserAgent,
			TypeOverride: params.TypeOverride,
		})
		return err
	})
	if err != nil {
		return RegisterResult{}, err
	}

	s.sinkRecord(ctx, AuditEvent{
		OwnerID:    params.OwnerID,
		DeviceType: result.Device.DeviceType,
		Outcome:    AuditReplaced,
		Timestamp:  time.Now().UTC(),
	}.WithMetadata("oldDeviceUUID", params.OldDeviceUUID))
	return result, nil
}

// AdminReset deactivates the device with this UUID regardless of owner. The
// event is recorded at elevated severity with the acting admin.
func (s *DeviceService) AdminReset(ctx context.Context, deviceUUID string, adminID uuid.UUID) error {
	matched, err := s.repo.GetActiveByUUID(ctx, deviceUUID)
	if err != nil {
		return err
	}

	if err := s.repo.DeactivateByID(ctx, matched.ID); err != nil {
		return fmt.Errorf("failed to reset device: %w", err)
	}
	s.sinkRecord(ctx, AuditEvent{
		OwnerID:      matched.OwnerID,
		DeviceType:   matched.DeviceType,
		DigestPrefix: DigestPrefix(matched.FingerprintHash),
		Outcome:      AuditAdminReset,
		Elevated:     true,
		Timestamp:    time.Now().UTC(),
	}.WithMetadata("adminID", adminID))
	return nil
}

// SweepInactive deactivates active devices unused for longer than
// olderThanDays. Maintenance operation, not part of the hot path.
func (s *DeviceService) SweepInactive(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultSweepAfterDays
	}
	count, err := s.repo.DeactivateStale(ctx, SweepCutoff(olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep inactive devices: %w", err)
	}
	slog.Info("swept inactive devices", "olderThanDays", olderThanDays, "count", count)
	return count, nil
}

func recognitionOutcome(kind MatchKind) AuditOutcome {
	switch kind {
	case MatchFingerprint:
		return AuditRecognizedFingerprint
	case MatchStableFingerprint:
		return AuditRecognizedStable
	case MatchIP:
		return AuditRecognizedIP
	default:
		return AuditRecognizedUUID
	}
}

func (s *DeviceService) emit(ctx context.Context, r resolved, outcome AuditOutcome, elevated bool) {
	s.sinkRecord(ctx, AuditEvent{
		OwnerID:      r.params.OwnerID,
		DeviceType:   r.deviceType,
		DigestPrefix: DigestPrefix(r.fullDigest),
		Outcome:      outcome,
		Elevated:     elevated,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *DeviceService) auditRejection(ctx context.Context, r resolved, cause error) {
	var conflict OwnershipConflictError
	var quota QuotaExceededError
	switch {
	case errors.As(cause, &conflict):
		s.emit(ctx, r, AuditRejectedConflict, true)
	case errors.As(cause, &quota):
		s.emit(ctx, r, AuditRejectedQuota, false)
	}
}

// sinkRecord delivers an event to the audit sink. The sink is a pure
// observer, so a panicking implementation must not take the decision down
// with it.
func (s *DeviceService) sinkRecord(ctx context.Context, event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit sink panicked", "recovered", r)
		}
	}()
	s.sink.Record(ctx, event)
}

// deriveDeviceName extracts a human-readable device name from the user agent.
func deriveDeviceName(userAgent string) string {
	if userAgent == "" {
		return "Unknown Device"
	}

	if containsFold(userAgent, "iPhone") {
		return "iPhone"
	} else if containsFold(userAgent, "iPad") {
		return "iPad"
	} else if containsFold(userAgent, "Android") {
		if containsFold(userAgent, "Pixel") {
			return "Google Pixel"
		} else if containsFold(userAgent, "Samsung") || containsFold(userAgent, "SM-") {
			return "Samsung Phone"
		} else if containsFold(userAgent, "Mobile") {
			return "Android Phone"
		}
		return "Android Tablet"
	}

	if containsFold(userAgent, "Macintosh") || containsFold(userAgent, "Mac OS X") {
		return "Mac"
	} else if containsFold(userAgent, "Windows") {
		return "Windows PC"
	} else if containsFold(userAgent, "CrOS") {
		return "Chromebook"
	} else if containsFold(userAgent, "Linux") {
		return "Linux"
	}

	if containsFold(userAgent, "Chrome") {
		return "Chrome Browser"
	} else if containsFold(userAgent, "Firefox") {
		return "Firefox Browser"
	} else if containsFold(userAgent, "Safari") {
		return "Safari Browser"
	}

	return "Unknown Device"
}
