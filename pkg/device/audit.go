package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditOutcome names a terminal decision of the binding resolver or a
// lifecycle operation.
type AuditOutcome string

const (
	AuditCreated               AuditOutcome = "created"
	AuditRecognizedUUID        AuditOutcome = "recognized-by-uuid"
	AuditRecognizedFingerprint AuditOutcome = "recognized-by-digest"
	AuditRecognizedStable      AuditOutcome = "recognized-by-stable-digest"
	AuditRecognizedIP          AuditOutcome = "recognized-by-ip"
	AuditRejectedConflict      AuditOutcome = "rejected-conflict"
	AuditRejectedQuota         AuditOutcome = "rejected-quota"
	AuditDeactivated           AuditOutcome = "deactivated"
	AuditReplaced              AuditOutcome = "replaced"
	AuditAdminReset            AuditOutcome = "admin-reset"
)

// AuditEvent is one structured decision record. Digests appear only as a
// truncated prefix.
type AuditEvent struct {
	OwnerID      uuid.UUID
	DeviceType   DeviceType
	DigestPrefix string
	Outcome      AuditOutcome
	Elevated     bool
	Timestamp    time.Time
	Metadata     map[string]interface{}
}

// WithMetadata adds a metadata entry to the event.
func (e AuditEvent) WithMetadata(key string, value interface{}) AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// AuditSink consumes decision events. It is a pure observer: implementations
// must not influence the decision, and their failure is swallowed by the
// service.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// SlogAuditSink writes audit events through a slog logger. Elevated events
// (ownership conflicts, admin resets) log at Warn, everything else at Info.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink creates a sink over the given logger, defaulting to the
// process logger when nil.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditSink{logger: logger}
}

func (s *SlogAuditSink) Record(ctx context.Context, event AuditEvent) {
	level := slog.LevelInfo
	if event.Elevated {
		level = slog.LevelWarn
	}

	attrs := []interface{}{
		"outcome", event.Outcome,
		"ownerID", event.OwnerID,
		"deviceType", event.DeviceType,
	}
	if event.DigestPrefix != "" {
		attrs = append(attrs, "digestPrefix", event.DigestPrefix)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}

	s.logger.Log(ctx, level, "device audit", attrs...)
}

// NoopAuditSink discards every event.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(ctx context.Context, event AuditEvent) {}
