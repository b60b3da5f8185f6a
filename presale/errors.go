/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"errors"
	"fmt"
)

// Sentinel errors double as the stable reason codes callers assert on.
var (
	ErrAlreadyInitialized   = errors.New("AlreadyInitialized")
	ErrNotInitialized       = errors.New("NotInitialized")
	ErrNotAuthorized        = errors.New("NotAuthorized")
	ErrInvalidUserAddress   = errors.New("InvalidUserAddress")
	ErrSaleAlreadyStarted   = errors.New("SaleAlreadyStarted")
	ErrStartTimeNotInFuture = errors.New("StartTimeNotInFuture")
	ErrInvalidTimeWindow    = errors.New("InvalidTimeWindow")
	ErrInvalidCapOrder      = errors.New("InvalidCapOrder")
	ErrInvalidLimitOrder    = errors.New("InvalidLimitOrder")
	ErrSplitMustSumTo100    = errors.New("SplitMustSumTo100")
	ErrSlippageOutOfRange   = errors.New("SlippageOutOfRange")
	ErrNoStages             = errors.New("NoStages")
	ErrZeroStageAllocation  = errors.New("ZeroStageAllocation")
	ErrZeroStageRate        = errors.New("ZeroStageRate")
	ErrListingRateNotSet    = errors.New("ListingRateNotSet")

	ErrSaleNotActive        = errors.New("SaleNotActive")
	ErrBelowMinContribution = errors.New("BelowMinContribution")
	ErrAboveMaxContribution = errors.New("AboveMaxContribution")
	ErrAmountTooSmall       = errors.New("AmountTooSmall")
	ErrStageExhausted       = errors.New("StageExhausted")
	ErrExceedsStageCapacity = errors.New("ExceedsStageCapacity")
	ErrHardCapExceeded      = errors.New("HardCapExceeded")

	ErrNoContribution    = errors.New("NoContribution")
	ErrNoTokensToClaim   = errors.New("NoTokensToClaim")
	ErrSaleNotEnded      = errors.New("SaleNotEnded")
	ErrSoftCapNotMet     = errors.New("SoftCapNotMet")
	ErrSoftCapAlreadyMet = errors.New("SoftCapAlreadyMet")
	ErrNotFinalized      = errors.New("NotFinalized")
	ErrAlreadyFinalized  = errors.New("AlreadyFinalized")

	ErrInsufficientSaleTokens = errors.New("InsufficientSaleTokens")
	ErrNothingToWithdraw      = errors.New("NothingToWithdraw")
	ErrReentrantCall          = errors.New("ReentrantCall")
)

func ErrInvalidAmount(entity, value string) error {
	return fmt.Errorf("InvalidAmount for %s with value %s", entity, value)
}

func ErrInvalidContractAddress(contractAddress string) error {
	return fmt.Errorf("InvalidContractAddress for address %s", contractAddress)
}

func ErrArraysLengthMismatch(length1, length2 int) error {
	return fmt.Errorf("ArraysLengthMismatch: length1: %d, length2: %d", length1, length2)
}

// ErrArithmeticInvariant marks accounting states that should be
// unreachable; it is not user-recoverable.
func ErrArithmeticInvariant(detail string) error {
	return fmt.Errorf("ArithmeticInvariant: %s", detail)
}

type CustomError struct {
	Code    int
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

func NewCustomError(code int, message string, err error) *CustomError {
	return &CustomError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
