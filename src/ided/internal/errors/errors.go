// Package errors defines the typed domain errors surfaced by the daemon.
package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrConnectionBusy reports that a code-execution request is already
	// outstanding on the connection. Callers retry or queue on their side.
	ErrConnectionBusy = New("connection is already running code")
	// ErrNoConnection reports that a document has no usable connection.
	ErrNoConnection = New("no connection available")
)

// IsBusy reports whether the error means the connection was busy.
func IsBusy(e error) bool {
	return stderr.Is(e, ErrConnectionBusy)
}
