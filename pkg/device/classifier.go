package device

import (
	"log/slog"
	"regexp"
	"strings"
)

// Ordered mobile markers. The version-qualified patterns run before the loose
// "Mobile near Safari" check because some desktop browsers carry a bare
// "Mobile" token in their user agent.
var mobilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Android [0-9]`),
	regexp.MustCompile(`iPhone OS [0-9_]`),
	regexp.MustCompile(`CPU OS [0-9_]`), // iPad
	regexp.MustCompile(`Windows Phone (?:OS )?[0-9]`),
	regexp.MustCompile(`Opera Mini`),
	regexp.MustCompile(`Opera Mobi`),
	regexp.MustCompile(`\biPad\b`),
	regexp.MustCompile(`\bTablet\b`),
	regexp.MustCompile(`BlackBerry`),
}

// ClassifyDeviceType maps a user-agent string to mobile or desktop.
// Pure function; unknown or empty agents default to desktop.
func ClassifyDeviceType(userAgent string) DeviceType {
	if userAgent == "" {
		return DeviceTypeDesktop
	}

	for _, pattern := range mobilePatterns {
		if pattern.MatchString(userAgent) {
			return DeviceTypeMobile
		}
	}

	if strings.Contains(userAgent, "Mobile") && strings.Contains(userAgent, "Safari") {
		return DeviceTypeMobile
	}

	return DeviceTypeDesktop
}

// ResolveDeviceType applies an optional caller override on top of the
// heuristic classification. A valid override is used verbatim; a disagreement
// with the heuristic is logged because the override is a trusted-caller
// capability and a plausible source of bugs. An unknown override value is
// rejected as malformed input.
func ResolveDeviceType(override string, userAgent string) (DeviceType, error) {
	heuristic := ClassifyDeviceType(userAgent)
	if override == "" {
		return heuristic, nil
	}

	overrideType := DeviceType(strings.ToLower(override))
	if !overrideType.Valid() {
		return "", MalformedInputError{Detail: "invalid device type override: " + override}
	}

	if overrideType != heuristic {
		slog.Warn("device type override disagrees with user-agent classification",
			"override", overrideType, "classified", heuristic, "userAgent", userAgent)
	}
	return overrideType, nil
}

// containsFold checks if s contains substr, case insensitive.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
