package core

import (
	"errors"
	"fmt"
)

// ConfigError aborts Supervisor startup. Per-cycle adapter errors never
// surface this way; they are absorbed into provider state.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration for provider %q: %s", e.Provider, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var (
	// ErrUnknownProvider is returned for operations naming a provider id the
	// Supervisor does not manage.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNotRunning is returned for per-provider operations while the
	// Supervisor is stopped. Start and Stop themselves are idempotent.
	ErrNotRunning = errors.New("supervisor not running")
)
