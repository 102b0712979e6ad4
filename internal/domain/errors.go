package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLockHeld = errors.New("lock already held")
)

// RangeError reports a price, probability, or fraction outside its valid
// domain. Max is nil for fields bounded only from below. It is always the
// caller's fault and is never retried.
type RangeError struct {
	Field string
	Value decimal.Decimal
	Min   decimal.Decimal
	Max   *decimal.Decimal
}

func (e *RangeError) Error() string {
	if e.Max == nil {
		return fmt.Sprintf("%s %s below minimum %s", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("%s %s out of range [%s, %s]", e.Field, e.Value, e.Min, *e.Max)
}

// NewRangeError builds a RangeError for a field bounded on both sides.
func NewRangeError(field string, value, min, max decimal.Decimal) *RangeError {
	return &RangeError{Field: field, Value: value, Min: min, Max: &max}
}

// NewMinRangeError builds a RangeError for a field with only a lower bound.
func NewMinRangeError(field string, value, min decimal.Decimal) *RangeError {
	return &RangeError{Field: field, Value: value, Min: min}
}

// InsufficientMarginError reports that available capital does not cover the
// margin required to open a position.
type InsufficientMarginError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: required %s, available %s", e.Required, e.Available)
}

// InvalidPositionStateError reports an operation attempted on a position
// whose status does not permit it (e.g. closing an already-closed position).
type InvalidPositionStateError struct {
	BusinessKey uuid.UUID
	Status      PositionStatus
	Op          string
}

func (e *InvalidPositionStateError) Error() string {
	return fmt.Sprintf("position %s: cannot %s while %s", e.BusinessKey, e.Op, e.Status)
}

// InvalidStatusTransitionError reports an illegal config-version lifecycle
// move.
type InvalidStatusTransitionError struct {
	From VersionStatus
	To   VersionStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// DuplicateVersionError reports an attempt to create a config version whose
// (kind, name, version) already exists.
type DuplicateVersionError struct {
	Kind    VersionKind
	Name    string
	Version string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("%s version %s/%s already exists", e.Kind, e.Name, e.Version)
}
