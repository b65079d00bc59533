package errors

import (
	stderr "errors"
	"fmt"

	"github.com/gofrs/uuid"
)

// TagNotFoundError is a service domain error for a connection tag with no
// live connection.
type TagNotFoundError struct {
	Tag uuid.UUID
}

// Error is an implementation of the error interface.
func (n *TagNotFoundError) Error() string {
	return fmt.Sprintf("connection %q not found", n.Tag)
}

// NotFoundTag returns the tag and true if TagNotFoundError is part of the
// error chain.
func NotFoundTag(e error) (_ uuid.UUID, ok bool) {
	var nf *TagNotFoundError
	if !stderr.As(e, &nf) {
		return uuid.Nil, false
	}
	return nf.Tag, true
}

// NoSessionFoundError indicates that a session cannot be found within the context.
type NoSessionFoundError struct{}

// Error is an implementation of the error interface.
func (n *NoSessionFoundError) Error() string {
	return "no session found in context"
}

// ServerNotFoundError reports that no descriptor exists for a server URL.
type ServerNotFoundError struct {
	URL string
}

// Error is an implementation of the error interface.
func (n *ServerNotFoundError) Error() string {
	return fmt.Sprintf("server %q not found", n.URL)
}

// IsServerNotFound reports whether a ServerNotFoundError is part of the error chain.
func IsServerNotFound(e error) bool {
	var nf *ServerNotFoundError
	return stderr.As(e, &nf)
}
