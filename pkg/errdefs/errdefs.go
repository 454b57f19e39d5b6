// Package errdefs defines the error kinds shared by the agent, the controller
// and the compose orchestrator. Errors are wrapped with fmt.Errorf and %w and
// classified with errors.Is against the sentinels below.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers missing or invalid spec files, descriptors and
	// settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation covers malformed port or volume syntax and commands
	// addressed to another node.
	ErrValidation = errors.New("validation error")

	// ErrTransport covers connect and stream failures.
	ErrTransport = errors.New("transport error")

	// ErrProtocol covers messages that cannot be decoded.
	ErrProtocol = errors.New("protocol error")

	// ErrOrchestration covers resource setup and container start failures.
	ErrOrchestration = errors.New("orchestration error")

	// ErrState covers project lifecycle violations.
	ErrState = errors.New("state error")

	// ErrNotFound is returned when a named object does not exist.
	ErrNotFound = errors.New("not found")
)

// Configuration wraps a formatted message with ErrConfiguration.
func Configuration(format string, args ...interface{}) error {
	return wrap(ErrConfiguration, format, args...)
}

// Validation wraps a formatted message with ErrValidation.
func Validation(format string, args ...interface{}) error {
	return wrap(ErrValidation, format, args...)
}

// Transport wraps a formatted message with ErrTransport.
func Transport(format string, args ...interface{}) error {
	return wrap(ErrTransport, format, args...)
}

// Protocol wraps a formatted message with ErrProtocol.
func Protocol(format string, args ...interface{}) error {
	return wrap(ErrProtocol, format, args...)
}

// Orchestration wraps a formatted message with ErrOrchestration.
func Orchestration(format string, args ...interface{}) error {
	return wrap(ErrOrchestration, format, args...)
}

// State wraps a formatted message with ErrState.
func State(format string, args ...interface{}) error {
	return wrap(ErrState, format, args...)
}

func wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsTransport(err error) bool     { return errors.Is(err, ErrTransport) }
func IsProtocol(err error) bool      { return errors.Is(err, ErrProtocol) }
func IsOrchestration(err error) bool { return errors.Is(err, ErrOrchestration) }
func IsState(err error) bool         { return errors.Is(err, ErrState) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
