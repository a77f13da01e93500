package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure along the propagation policy described
// by the operator runbook: retry locally, skip-and-log, fail one trade,
// fail one strategy run, or exit the process.
type ErrorKind string

const (
	ErrConfig            ErrorKind = "Config"
	ErrTransientIO       ErrorKind = "TransientIO"
	ErrPermanentIO       ErrorKind = "PermanentIO"
	ErrProtocolDecode    ErrorKind = "ProtocolDecode"
	ErrInsufficientFunds ErrorKind = "InsufficientFunds"
	ErrSimulation        ErrorKind = "Simulation"
	ErrTxRejected        ErrorKind = "TxRejected"
	ErrConstraint        ErrorKind = "Constraint"
	ErrCadence           ErrorKind = "Cadence"
)

// KindedError tags an error with the kind and the operation that produced
// it, so callers can branch on kind without parsing message text and
// loggers can attach a stable error_kind field.
type KindedError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *KindedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *KindedError) Unwrap() error { return e.Err }

// Kind returns the ErrorKind string embedded in err, or "" if err does not
// carry one.
func Kind(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// WrapErr tags err with kind under operation op. Returns nil if err is nil.
func WrapErr(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Op: op, Err: err}
}
