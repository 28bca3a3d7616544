// Package device decides, for every login-adjacent request, whether a
// presented client is a recognized device already bound to an account, a new
// device that may be bound, or a device that must be rejected because it
// collides with another account's binding or exceeds the per-account quota.
//
// # Overview
//
// The package provides:
//   - Keyed fingerprint hashing (full and browser-stable digests)
//   - User-agent device type classification (mobile/desktop)
//   - The binding resolver: a multi-strategy matching chain with race recovery
//   - Quota enforcement (one active device per type per owner)
//   - Device lifecycle management (deactivate, replace, admin reset, sweep)
//   - Structured audit events for every decision
//
// # Basic Usage
//
//	import "github.com/skillprep/devicebind/pkg/device"
//
//	repo := device.NewPostgresDeviceRepository(pool)
//	hasher := device.NewHasher(secret)
//	service := device.NewDeviceService(repo, hasher, device.NewSlogAuditSink(nil))
//
//	result, err := service.Register(ctx, device.RegisterParams{
//		OwnerID:     ownerID,
//		DeviceUUID:  clientUUID,
//		Fingerprint: payload,
//		IPAddress:   clientIP,
//		UserAgent:   userAgent,
//	})
//	if err != nil {
//		// OwnershipConflictError, QuotaExceededError, MalformedInputError...
//	}
//	if result.IsNew {
//		// first binding of this device
//	}
//
// # Binding invariants
//
// Across active rows: device UUIDs are globally unique, fingerprint digests
// are globally unique when present, and each owner holds at most one active
// device per type. Ownership is permanent; only an admin reset releases a
// binding, by deactivating the row rather than reassigning it. The storage
// layer enforces all four invariants transactionally, and the resolver treats
// an insert rejected by a uniqueness constraint as an expected outcome of two
// concurrent first registrations, not as an error.
//
// # Precheck
//
// Precheck evaluates the same matching chain read-only, so a caller can
// reject an illegal binding before the owning account's profile is complete.
// It is advisory: a concurrent registration can still win the race between a
// precheck and the register that follows it.
package device
