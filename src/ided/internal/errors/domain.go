package errors

import (
	stderr "errors"
	"fmt"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
)

// AuthenticationError reports that a server rejected the supplied credentials.
// It is never retried automatically; the user must re-enter credentials.
type AuthenticationError struct {
	URL string
}

// Error is an implementation of the error interface.
func (a *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected by %q", a.URL)
}

// IsAuthentication reports whether an AuthenticationError is part of the error chain.
func IsAuthentication(e error) bool {
	var ae *AuthenticationError
	return stderr.As(e, &ae)
}

// UnsupportedConsoleTypeError reports a mismatch between the console kind a
// caller needs and the kinds a session offers.
type UnsupportedConsoleTypeError struct {
	Requested entity.ConsoleKind
	Offered   []entity.ConsoleKind
}

// Error is an implementation of the error interface.
func (u *UnsupportedConsoleTypeError) Error() string {
	return fmt.Sprintf("console kind %q not offered by session (offered: %v)", u.Requested, u.Offered)
}

// IsUnsupportedConsole reports whether an UnsupportedConsoleTypeError is part
// of the error chain.
func IsUnsupportedConsole(e error) bool {
	var ue *UnsupportedConsoleTypeError
	return stderr.As(e, &ue)
}

// NoAvailablePortError reports that every candidate port in the configured
// range is leased, reserved, or otherwise unusable.
type NoAvailablePortError struct {
	RangeStart int
	RangeCount int
}

// Error is an implementation of the error interface.
func (n *NoAvailablePortError) Error() string {
	return fmt.Sprintf("no available port in range %d-%d", n.RangeStart, n.RangeStart+n.RangeCount-1)
}

// InstallNotFoundError reports that the local runtime is missing the package
// required to start a managed server.
type InstallNotFoundError struct {
	Command string
}

// Error is an implementation of the error interface.
func (i *InstallNotFoundError) Error() string {
	return fmt.Sprintf("required install not found: %q", i.Command)
}

// PollingTimeoutError reports that a health check never succeeded before its deadline.
type PollingTimeoutError struct {
	URL    string
	Waited time.Duration
}

// Error is an implementation of the error interface.
func (p *PollingTimeoutError) Error() string {
	return fmt.Sprintf("server %q did not become healthy within %s", p.URL, p.Waited)
}

// IsPollingTimeout reports whether a PollingTimeoutError is part of the error chain.
func IsPollingTimeout(e error) bool {
	var pe *PollingTimeoutError
	return stderr.As(e, &pe)
}

// ProcessExitError reports that a managed server process terminated unexpectedly.
type ProcessExitError struct {
	URL      string
	Port     int
	ExitCode int
}

// Error is an implementation of the error interface.
func (p *ProcessExitError) Error() string {
	return fmt.Sprintf("managed server %q exited unexpectedly with code %d", p.URL, p.ExitCode)
}

// IsProcessExit reports whether a ProcessExitError is part of the error chain.
func IsProcessExit(e error) bool {
	var pe *ProcessExitError
	return stderr.As(e, &pe)
}
