// Package config provides shared configuration types for the device binding
// service, loaded from the environment via cleanenv struct tags.
package config
