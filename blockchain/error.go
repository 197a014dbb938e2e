// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
)

var (
	// ErrBelowPrunedHeight is returned when an operation needs block data
	// that has already been pruned.
	ErrBelowPrunedHeight = errors.New("height is below the pruned height")

	// ErrStaleExtension is returned when a chain extension is committed
	// after the block tip it was prepared against has moved.
	ErrStaleExtension = errors.New("chain extension was prepared against " +
		"a different tip")

	// ErrNotHeavier is returned when a header chain swap is requested for a
	// chain that does not carry strictly more work than the current one.
	ErrNotHeavier = errors.New("header chain does not carry more work " +
		"than the current header chain")

	// ErrNotFound is returned by lookups for unknown data.
	ErrNotFound = errors.New("not found")
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateBlock indicates a block with the same hash already
	// exists.
	ErrDuplicateBlock ErrorCode = iota

	// ErrKnownBadBlock indicates a block or header that was previously
	// found to be invalid.
	ErrKnownBadBlock

	// ErrMissingParent indicates that the parent of a header is not known.
	ErrMissingParent

	// ErrBadPrevHash indicates a header does not link to its predecessor.
	ErrBadPrevHash

	// ErrBadHeight indicates a header height is not one more than its
	// parent's.
	ErrBadHeight

	// ErrDifficultyTooLow indicates the declared difficulty is below the
	// network minimum.
	ErrDifficultyTooLow

	// ErrHighHash indicates the block hash does not achieve the declared
	// difficulty.
	ErrHighHash

	// ErrTimeTooOld indicates the time is either before the median time of
	// the last several blocks per the chain consensus rules.
	ErrTimeTooOld

	// ErrTimeTooNew indicates the time is too far in the future as compared
	// the current time.
	ErrTimeTooNew

	// ErrUnsortedBody indicates a body that is not in canonical order.
	ErrUnsortedBody

	// ErrBlockWeightTooHigh indicates the body weight exceeds the maximum.
	ErrBlockWeightTooHigh

	// ErrScriptTooLarge indicates an output script exceeds the maximum.
	ErrScriptTooLarge

	// ErrDuplicateInput indicates a body spends the same output twice.
	ErrDuplicateInput

	// ErrDuplicateOutput indicates a body creates the same output twice.
	ErrDuplicateOutput

	// ErrDuplicateKernel indicates a kernel that already exists.
	ErrDuplicateKernel

	// ErrDuplicateCommitment indicates an output whose commitment matches a
	// live output.
	ErrDuplicateCommitment

	// ErrMissingInput indicates an input spends an unknown or spent output.
	ErrMissingInput

	// ErrInputMismatch indicates an input whose commitment differs from the
	// output it spends.
	ErrInputMismatch

	// ErrInvalidCommitment indicates a commitment that is not a valid
	// curve point.
	ErrInvalidCommitment

	// ErrBadRangeProof indicates an output proof that fails verification.
	ErrBadRangeProof

	// ErrBadSignature indicates a kernel excess signature that fails
	// verification.
	ErrBadSignature

	// ErrBadKernelMMRRoot indicates the kernel MMR root or size in a header
	// does not match the body.
	ErrBadKernelMMRRoot

	// ErrBadOutputMMRRoot indicates the output MMR root or size in a header
	// does not match the body.
	ErrBadOutputMMRRoot

	// ErrNoCoinbase indicates a block without a coinbase kernel.
	ErrNoCoinbase

	// ErrBadBitmap indicates a deletion bitmap that disagrees with the
	// outputs it describes.
	ErrBadBitmap

	// ErrReorgTooDeep indicates a reorganization below the pruned height.
	ErrReorgTooDeep

	// numErrorCodes is the maximum error code number used in tests.
	numErrorCodes
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicateBlock:      "ErrDuplicateBlock",
	ErrKnownBadBlock:       "ErrKnownBadBlock",
	ErrMissingParent:       "ErrMissingParent",
	ErrBadPrevHash:         "ErrBadPrevHash",
	ErrBadHeight:           "ErrBadHeight",
	ErrDifficultyTooLow:    "ErrDifficultyTooLow",
	ErrHighHash:            "ErrHighHash",
	ErrTimeTooOld:          "ErrTimeTooOld",
	ErrTimeTooNew:          "ErrTimeTooNew",
	ErrUnsortedBody:        "ErrUnsortedBody",
	ErrBlockWeightTooHigh:  "ErrBlockWeightTooHigh",
	ErrScriptTooLarge:      "ErrScriptTooLarge",
	ErrDuplicateInput:      "ErrDuplicateInput",
	ErrDuplicateOutput:     "ErrDuplicateOutput",
	ErrDuplicateKernel:     "ErrDuplicateKernel",
	ErrDuplicateCommitment: "ErrDuplicateCommitment",
	ErrMissingInput:        "ErrMissingInput",
	ErrInputMismatch:       "ErrInputMismatch",
	ErrInvalidCommitment:   "ErrInvalidCommitment",
	ErrBadRangeProof:       "ErrBadRangeProof",
	ErrBadSignature:        "ErrBadSignature",
	ErrBadKernelMMRRoot:    "ErrBadKernelMMRRoot",
	ErrBadOutputMMRRoot:    "ErrBadOutputMMRRoot",
	ErrNoCoinbase:          "ErrNoCoinbase",
	ErrBadBitmap:           "ErrBadBitmap",
	ErrReorgTooDeep:        "ErrReorgTooDeep",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a block or transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason for the rule violation.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates an RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// IsRuleError returns whether err is, or wraps, a RuleError.
func IsRuleError(err error) bool {
	var rerr RuleError
	return errors.As(err, &rerr)
}

// IsErrorCode returns whether err is, or wraps, a RuleError with the given
// code.
func IsErrorCode(err error, c ErrorCode) bool {
	var rerr RuleError
	return errors.As(err, &rerr) && rerr.ErrorCode == c
}

// permanentFailures are the rule violations that invalidate a block whatever
// body is supplied for its header.  Failures of the inputs, which headers do
// not commit to, or of the match between header and body only show that the
// body at hand is wrong.
var permanentFailures = map[ErrorCode]struct{}{
	ErrKnownBadBlock:       {},
	ErrBadPrevHash:         {},
	ErrBadHeight:           {},
	ErrDifficultyTooLow:    {},
	ErrHighHash:            {},
	ErrTimeTooOld:          {},
	ErrDuplicateOutput:     {},
	ErrDuplicateKernel:     {},
	ErrDuplicateCommitment: {},
	ErrScriptTooLarge:      {},
	ErrInvalidCommitment:   {},
	ErrBadRangeProof:       {},
	ErrBadSignature:        {},
	ErrNoCoinbase:          {},
}

// IsPermanentFailure returns whether err is a rule violation proving that the
// block it was returned for can never become valid.
func IsPermanentFailure(err error) bool {
	var rerr RuleError
	if !errors.As(err, &rerr) {
		return false
	}
	_, ok := permanentFailures[rerr.ErrorCode]
	return ok
}
