package billing

import (
	"errors"
	"fmt"
)

// Configuration errors: the modality setup of an order item is unusable.
var (
	ErrNoModalitiesConfigured = errors.New("billing: no modalities configured for order item")
	ErrDuplicateModality      = errors.New("billing: modality configured more than once")
	ErrUnknownModality        = errors.New("billing: modality does not exist")
)

// Computation errors: the split cannot be produced or does not reconcile.
var (
	ErrZeroWeightSum  = errors.New("billing: modality weights sum to zero")
	ErrNegativeWeight = errors.New("billing: modality weight is negative")
	ErrInvalidItem    = errors.New("billing: order item quantity must be positive and unit price non-negative")
	ErrPrecision      = errors.New("billing: allocation does not reconcile with item totals")
)

// Lookup, precondition and conflict errors.
var (
	ErrInvalidInput         = errors.New("billing: invalid input")
	ErrOrderNotFound        = errors.New("billing: order not found")
	ErrOrderItemNotFound    = errors.New("billing: order item not found")
	ErrModalityNotFound     = errors.New("billing: modality not found")
	ErrSupplierMismatch     = errors.New("billing: order does not belong to supplier")
	ErrNoEligibleItems      = errors.New("billing: order has no eligible items")
	ErrInvoiceNotFound      = errors.New("billing: invoice not found")
	ErrReportNotFound       = errors.New("billing: invoice has no allocation details")
	ErrOrderAlreadyInvoiced = errors.New("billing: order already has an active invoice")
	ErrOrderLocked          = errors.New("billing: order is being invoiced by another request")
	ErrInvalidStatus        = errors.New("billing: invalid invoice status for operation")
)

// ErrorClass groups errors by how callers should react to them.
type ErrorClass string

const (
	ClassConfiguration ErrorClass = "configuration"
	ClassComputation   ErrorClass = "computation"
	ClassPersistence   ErrorClass = "persistence"
	ClassNotFound      ErrorClass = "not_found"
	ClassConflict      ErrorClass = "conflict"
	ClassInput         ErrorClass = "input"
	ClassUnknown       ErrorClass = "unknown"
)

// ItemError attaches the failing order item (and modality, when known) to an allocation error.
type ItemError struct {
	OrderItemID int64
	ModalityID  int64
	Err         error
}

func (e *ItemError) Error() string {
	if e.ModalityID != 0 {
		return fmt.Sprintf("order item %d, modality %d: %v", e.OrderItemID, e.ModalityID, e.Err)
	}
	return fmt.Sprintf("order item %d: %v", e.OrderItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// PersistenceError marks a failed write that was rolled back in full. Callers may resubmit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("billing: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Retryable is always true: nothing was committed.
func (e *PersistenceError) Retryable() bool { return true }

// Classify reports the ErrorClass of err.
func Classify(err error) ErrorClass {
	var persistErr *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoModalitiesConfigured),
		errors.Is(err, ErrDuplicateModality),
		errors.Is(err, ErrUnknownModality):
		return ClassConfiguration
	case errors.Is(err, ErrZeroWeightSum),
		errors.Is(err, ErrNegativeWeight),
		errors.Is(err, ErrInvalidItem),
		errors.Is(err, ErrPrecision):
		return ClassComputation
	case errors.Is(err, ErrOrderAlreadyInvoiced),
		errors.Is(err, ErrOrderLocked),
		errors.Is(err, ErrInvalidStatus):
		return ClassConflict
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrOrderItemNotFound),
		errors.Is(err, ErrModalityNotFound),
		errors.Is(err, ErrNoEligibleItems),
		errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrReportNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrSupplierMismatch):
		return ClassInput
	case errors.As(err, &persistErr):
		return ClassPersistence
	default:
		return ClassUnknown
	}
}

func isDomainError(err error) bool {
	switch Classify(err) {
	case ClassPersistence, ClassUnknown:
		return false
	default:
		return true
	}
}
