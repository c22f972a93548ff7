package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing record.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrConflict reports a uniqueness or referential conflict.
type ErrConflict struct {
	Entity EntityType
	Key    string
	Reason string
}

func (e ErrConflict) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s", e.Entity, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s %s already exists", e.Entity, e.Key)
}

// ValidationError reports the first invalid field of an input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LastAdminConflict is returned when a change would leave no enabled admin.
func LastAdminConflict(id string) ErrConflict {
	return ErrConflict{Entity: EntityUser, Key: id, Reason: "last enabled admin"}
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var target ErrNotFound
	return errors.As(err, &target)
}

// IsConflict reports whether err wraps an ErrConflict.
func IsConflict(err error) bool {
	var target ErrConflict
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
