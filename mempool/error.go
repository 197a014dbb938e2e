// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"fmt"

	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/wire"
)

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason for the rule violation.
type RuleError struct {
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying rule violation.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ErrorCode identifies the kind of a transaction rule violation.
type ErrorCode int

const (
	// ErrDuplicate indicates a transaction that is already in the pool.
	ErrDuplicate ErrorCode = iota

	// ErrAlreadyMined indicates a transaction whose kernel is already part
	// of the block chain.
	ErrAlreadyMined

	// ErrDoubleSpend indicates a transaction spending an output another
	// pool transaction already spends.
	ErrDoubleSpend

	// ErrCommitmentInPool indicates a transaction creating an output whose
	// commitment another pool transaction creates.
	ErrCommitmentInPool

	// ErrPreviouslyRejected indicates a transaction that was rejected
	// recently.
	ErrPreviouslyRejected

	// ErrTxTooHeavy indicates a transaction heavier than the policy
	// allows.
	ErrTxTooHeavy

	// ErrInsufficientFee indicates a transaction paying less than the
	// minimum relay fee.
	ErrInsufficientFee

	// ErrPoolFull indicates the unconfirmed pool has no room left.
	ErrPoolFull
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicate:          "ErrDuplicate",
	ErrAlreadyMined:       "ErrAlreadyMined",
	ErrDoubleSpend:        "ErrDoubleSpend",
	ErrCommitmentInPool:   "ErrCommitmentInPool",
	ErrPreviouslyRejected: "ErrPreviouslyRejected",
	ErrTxTooHeavy:         "ErrTxTooHeavy",
	ErrInsufficientFee:    "ErrInsufficientFee",
	ErrPoolFull:           "ErrPoolFull",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxRuleError identifies a rule violation of the pool policy as opposed to
// the consensus rules of the block chain.
type TxRuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxRuleError) Error() string {
	return e.Description
}

// txRuleError creates an underlying TxRuleError with the given a set of
// arguments and returns a RuleError that encapsulates it.
func txRuleError(c ErrorCode, desc string) RuleError {
	return RuleError{Err: TxRuleError{ErrorCode: c, Description: desc}}
}

// chainRuleError returns a RuleError that encapsulates the given
// blockchain.RuleError.
func chainRuleError(chainErr blockchain.RuleError) RuleError {
	return RuleError{Err: chainErr}
}

// IsErrorCode returns whether err is a pool rule violation with the given
// code.
func IsErrorCode(err error, c ErrorCode) bool {
	var terr TxRuleError
	return errors.As(err, &terr) && terr.ErrorCode == c
}

// ErrToRejectCode determines the wire reject code and reason for an error
// returned while processing a transaction.
func ErrToRejectCode(err error) (wire.RejectCode, string) {
	var rerr RuleError
	if !errors.As(err, &rerr) {
		return wire.RejectInternal, fmt.Sprintf("rejected: %v", err)
	}
	switch e := rerr.Err.(type) {
	case TxRuleError:
		if e.ErrorCode == ErrPoolFull {
			return wire.RejectBusy, e.Description
		}
		return wire.RejectInvalid, e.Description
	case blockchain.RuleError:
		return wire.RejectInvalid, e.Error()
	}
	return wire.RejectInvalid, rerr.Error()
}
