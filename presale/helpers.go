/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

func GetUserId(ctx kalpsdk.TransactionContextInterface) (string, error) {
	b64ID, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return "", fmt.Errorf("failed to read clientID: %v", err)
	}

	decodeID, err := base64.StdEncoding.DecodeString(b64ID)
	if err != nil {
		return "", fmt.Errorf("failed to base64 decode clientID: %v", err)
	}

	completeId := string(decodeID)
	userId := completeId[(strings.Index(completeId, "x509::CN=") + 9):strings.Index(completeId, ",")]

	if !IsUserAddressValid(userId) {
		return "", fmt.Errorf("%w: %s", ErrInvalidUserAddress, userId)
	}

	return userId, nil
}

func IsContractAddressValid(address string) bool {
	if address == "" {
		return false
	}

	isValid, _ := regexp.MatchString(contractAddressRegex, address)
	return isValid
}

func IsUserAddressValid(address string) bool {
	if address == "" {
		return false
	}

	isValid, _ := regexp.MatchString(hexAddressRegex, address)
	return isValid
}

func requireOwner(ctx kalpsdk.TransactionContextInterface) (string, error) {
	signer, err := GetUserId(ctx)
	if err != nil {
		return "", NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	owner, err := getAddressState(ctx, ownerKey)
	if err != nil {
		return "", err
	}
	if owner == "" {
		return "", ErrNotInitialized
	}
	if signer != owner {
		return "", ErrNotAuthorized
	}

	return signer, nil
}

// parseAmount parses a non-negative decimal string amount.
func parseAmount(entity, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, ErrInvalidAmount(entity, value)
	}

	return amount, nil
}

// parsePositiveAmount parses a strictly positive decimal string amount.
func parsePositiveAmount(entity, value string) (*big.Int, error) {
	amount, err := parseAmount(entity, value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrInvalidAmount(entity, value)
	}

	return amount, nil
}

func rateScale() *big.Int {
	scale, _ := new(big.Int).SetString(RateScale, 10)
	return scale
}

// ceilDiv returns ceil(a / b) for positive b.
func ceilDiv(a, b *big.Int) *big.Int {
	sum := new(big.Int).Add(a, new(big.Int).Sub(b, big.NewInt(1)))
	return sum.Div(sum, b)
}

// percentOf returns amount * percent / 100, floored.
func percentOf(amount *big.Int, percent uint64) *big.Int {
	result := new(big.Int).Mul(amount, new(big.Int).SetUint64(percent))
	return result.Div(result, big.NewInt(100))
}

// slippageFloor returns amount * (10000 - bps) / 10000, the minimum the
// liquidity pool must use for the call to be accepted.
func slippageFloor(amount *big.Int, bps uint64) *big.Int {
	result := new(big.Int).Mul(amount, big.NewInt(int64(bpsDenominator-bps)))
	return result.Div(result, big.NewInt(bpsDenominator))
}

// subFloorZero returns a - b, floored at zero.
func subFloorZero(a, b *big.Int) *big.Int {
	result := new(big.Int).Sub(a, b)
	if result.Sign() < 0 {
		return big.NewInt(0)
	}
	return result
}
