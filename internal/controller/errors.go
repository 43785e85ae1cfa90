package controller

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks a caller contract violation such as a negative tick.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrRetired is returned by a controller that was replaced or deleted.
var ErrRetired = errors.New("controller retired")

// ConfigError reports the first phase that breaks a validation rule.
// Index is -1 when the problem concerns the phase list as a whole.
type ConfigError struct {
	Index  int
	Phase  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid phase configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid phase configuration: phase %d (%s): %s", e.Index, e.Phase, e.Reason)
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
