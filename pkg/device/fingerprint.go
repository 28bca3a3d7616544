package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FingerprintPayload is the typed form of the client-reported fingerprint.
// All fields are optional; unknown keys from the wire are retained in Extra
// so they still contribute to the full digest.
type FingerprintPayload struct {
	Screen              string            `json:"screen,omitempty"`
	HardwareConcurrency int               `json:"hardwareConcurrency,omitempty"`
	Platform            string            `json:"platform,omitempty"`
	Timezone            string            `json:"timezone,omitempty"`
	Language            string            `json:"language,omitempty"`
	Incognito           *bool             `json:"incognito,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether the payload carries no signal at all.
func (p *FingerprintPayload) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.Screen == "" &&
		p.HardwareConcurrency == 0 &&
		p.Platform == "" &&
		p.Timezone == "" &&
		p.Language == "" &&
		p.Incognito == nil &&
		len(p.Extra) == 0
}

// components returns the present fields as canonical key/value pairs.
// stableOnly restricts the set to the hardware/locale subset that stays
// constant across browser profiles on the same machine; browser-varying
// markers such as the incognito flag are excluded from that subset because
// they flip between sessions of the same physical device.
func (p *FingerprintPayload) components(stableOnly bool) map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	if p.Screen != "" {
		out["screen"] = p.Screen
	}
	if p.HardwareConcurrency > 0 {
		out["hardwareConcurrency"] = strconv.Itoa(p.HardwareConcurrency)
	}
	if p.Platform != "" {
		out["platform"] = p.Platform
	}
	if p.Timezone != "" {
		out["timezone"] = p.Timezone
	}
	if p.Language != "" {
		out["language"] = p.Language
	}
	if stableOnly {
		return out
	}
	if p.Incognito != nil {
		out["incognito"] = strconv.FormatBool(*p.Incognito)
	}
	for k, v := range p.Extra {
		out["extra."+k] = v
	}
	return out
}

// ParsePayload decodes a raw fingerprint document into its typed form.
// Empty input yields a nil payload; invalid JSON is MalformedInputError.
func ParsePayload(raw []byte) (*FingerprintPayload, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, MalformedInputError{Detail: fmt.Sprintf("invalid fingerprint payload: %v", err)}
	}

	var payload FingerprintPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, MalformedInputError{Detail: fmt.Sprintf("invalid fingerprint payload: %v", err)}
	}

	// Keep forward-compatible keys the typed struct does not know about.
	known := map[string]bool{
		"screen": true, "hardwareConcurrency": true, "platform": true,
		"timezone": true, "language": true, "incognito": true, "extra": true,
	}
	for key, value := range fields {
		if known[key] {
			continue
		}
		if payload.Extra == nil {
			payload.Extra = make(map[string]string)
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			s = string(value)
		}
		payload.Extra[key] = s
	}

	if payload.IsEmpty() {
		return nil, nil
	}
	return &payload, nil
}

// Hasher derives keyed digests from fingerprint payloads. The secret is
// injected at construction; the same secret must be used for every digest
// the registry will ever compare.
type Hasher struct {
	secret []byte
}

// NewHasher creates a hasher keyed with the given secret.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// FullDigest computes the keyed hash over every component the payload
// carries. Returns "" when the payload is absent or empty.
func (h *Hasher) FullDigest(payload *FingerprintPayload) string {
	return h.digest(payload.components(false))
}

// StableDigest computes the keyed hash over only the hardware/locale subset
// (screen, hardwareConcurrency, platform, timezone, language). It stays
// constant across browser profiles and incognito sessions on the same
// physical device. Returns "" when none of the subset fields are present.
func (h *Hasher) StableDigest(payload *FingerprintPayload) string {
	return h.digest(payload.components(true))
}

func (h *Hasher) digest(components map[string]string) string {
	if len(components) == 0 {
		return ""
	}

	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+components[k])
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestPrefix returns a short non-reversible-looking prefix of a digest,
// suitable for audit records.
func DigestPrefix(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}
