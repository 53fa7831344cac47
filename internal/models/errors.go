package models

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolExceeded reports that a frequency hit its trial ceiling
	// without confirming a threshold. Recovered locally by the orchestrator.
	ErrProtocolExceeded = errors.New("protocol exceeded: threshold undetermined, follow-up required")

	// ErrSpuriousResponse reports a response with no matching outstanding trial.
	ErrSpuriousResponse = errors.New("spurious response: no matching outstanding trial")

	// ErrSessionAborted reports operator cancellation.
	ErrSessionAborted = errors.New("session aborted by operator")

	// ErrCollaboratorFailure reports an audio playback failure.
	ErrCollaboratorFailure = errors.New("collaborator failure")
)

// ConfigurationError is returned for invalid parameters at setup, before any
// trial is issued.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cerr *ConfigurationError
	return errors.As(err, &cerr)
}
