// Package mapper converts between transport, entity, and context representations.
package mapper

import (
	"context"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/gofrs/uuid"
)

// ContextToSessionUUID extracts the IDE session UUID from a context.
func ContextToSessionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.SessionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoSessionFoundError{}
	}
	return s, nil
}

// SessionUUIDToContext attaches the IDE session UUID to a context.
func SessionUUIDToContext(c context.Context, id uuid.UUID) context.Context {
	return context.WithValue(c, entity.SessionContextKey, id)
}
