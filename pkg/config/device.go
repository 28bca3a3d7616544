package config

// DeviceConfig holds device binding configuration. The fingerprint secret is
// deliberately an explicit value injected into the hasher at construction,
// never read from ambient process state elsewhere.
type DeviceConfig struct {
	FingerprintSecret string `env:"DEVICE_FINGERPRINT_SECRET" env-default:"dev-only-fingerprint-secret"`
	PersistenceType   string `env:"DEVICE_PERSISTENCE" env-default:"postgres"`
	SweepAfterDays    int    `env:"DEVICE_SWEEP_AFTER_DAYS" env-default:"30"`
}
