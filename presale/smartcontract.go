/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

type SmartContract struct {
	kalpsdk.Contract

	guard entryGuard
}

func txTime(ctx kalpsdk.TransactionContextInterface) (uint64, error) {
	ts, err := ctx.GetTxTimestamp()
	if err != nil {
		return 0, NewCustomError(http.StatusInternalServerError, "failed to get transaction timestamp", err)
	}

	return uint64(ts.Seconds), nil
}

// configForUpdate loads the sale configuration and enforces the freeze:
// once the window has opened no setter may mutate it.
func configForUpdate(ctx kalpsdk.TransactionContextInterface) (*SaleConfig, error) {
	config, err := GetSaleConfig(ctx)
	if err != nil {
		return nil, err
	}

	now, err := txTime(ctx)
	if err != nil {
		return nil, err
	}
	if config.StartTime != 0 && now >= config.StartTime {
		return nil, ErrSaleAlreadyStarted
	}

	return config, nil
}

// Initialize records the deployer as owner together with the contract's
// own address (the TransferFrom recipient and BalanceOf subject) and the
// marketing recipient. One-shot.
func (s *SmartContract) Initialize(ctx kalpsdk.TransactionContextInterface, selfAddress, marketingWallet string) error {
	signer, err := GetUserId(ctx)
	if err != nil {
		return NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	owner, err := getAddressState(ctx, ownerKey)
	if err != nil {
		return err
	}
	if owner != "" {
		return ErrAlreadyInitialized
	}

	if !IsContractAddressValid(selfAddress) {
		return ErrInvalidContractAddress(selfAddress)
	}
	if !IsUserAddressValid(marketingWallet) {
		return fmt.Errorf("%w: %s", ErrInvalidUserAddress, marketingWallet)
	}

	if err := setAddressState(ctx, ownerKey, signer); err != nil {
		return err
	}
	if err := setAddressState(ctx, selfAddressKey, selfAddress); err != nil {
		return err
	}
	if err := setAddressState(ctx, marketingWalletKey, marketingWallet); err != nil {
		return err
	}

	return nil
}

func (s *SmartContract) SetSaleWindow(ctx kalpsdk.TransactionContextInterface, startTimestamp, endTimestamp uint64) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	if startTimestamp <= now {
		return ErrStartTimeNotInFuture
	}
	if endTimestamp <= startTimestamp {
		return ErrInvalidTimeWindow
	}

	config.StartTime = startTimestamp
	config.EndTime = endTimestamp

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) SetCaps(ctx kalpsdk.TransactionContextInterface, softCap, hardCap string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	softCapAmount, err := parseAmount("soft cap", softCap)
	if err != nil {
		return err
	}
	hardCapAmount, err := parseAmount("hard cap", hardCap)
	if err != nil {
		return err
	}
	// Hard cap 0 means unbounded.
	if hardCapAmount.Sign() > 0 && hardCapAmount.Cmp(softCapAmount) < 0 {
		return ErrInvalidCapOrder
	}

	config.SoftCap = softCapAmount.String()
	config.HardCap = hardCapAmount.String()

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) SetContributionLimits(ctx kalpsdk.TransactionContextInterface, minContribution, maxContribution string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	minAmount, err := parseAmount("min contribution", minContribution)
	if err != nil {
		return err
	}
	maxAmount, err := parseAmount("max contribution", maxContribution)
	if err != nil {
		return err
	}
	if maxAmount.Sign() > 0 && maxAmount.Cmp(minAmount) < 0 {
		return ErrInvalidLimitOrder
	}

	config.MinContribution = minAmount.String()
	config.MaxContribution = maxAmount.String()

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) SetDistributionSplit(ctx kalpsdk.TransactionContextInterface, lpPercent, marketingPercent uint64) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	if lpPercent+marketingPercent != 100 {
		return ErrSplitMustSumTo100
	}

	config.LpPercent = lpPercent
	config.MarketingPercent = marketingPercent

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) SetSlippageBound(ctx kalpsdk.TransactionContextInterface, basisPoints uint64) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	if basisPoints > maxSlippageBps {
		return ErrSlippageOutOfRange
	}

	config.MaxSlippageBps = basisPoints

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) SetListingRate(ctx kalpsdk.TransactionContextInterface, listingRate string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	config, err := configForUpdate(ctx)
	if err != nil {
		return err
	}

	rate, err := parsePositiveAmount("listing rate", listingRate)
	if err != nil {
		return err
	}

	config.ListingRate = rate.String()

	return SetSaleConfig(ctx, config)
}

func (s *SmartContract) setCollaborator(ctx kalpsdk.TransactionContextInterface, key, contractAddress string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	if _, err := configForUpdate(ctx); err != nil {
		return err
	}

	if !IsContractAddressValid(contractAddress) {
		return ErrInvalidContractAddress(contractAddress)
	}

	return setAddressState(ctx, key, contractAddress)
}

func (s *SmartContract) SetSaleToken(ctx kalpsdk.TransactionContextInterface, tokenAddress string) error {
	return s.setCollaborator(ctx, saleTokenKey, tokenAddress)
}

func (s *SmartContract) SetCurrencyToken(ctx kalpsdk.TransactionContextInterface, tokenAddress string) error {
	return s.setCollaborator(ctx, currencyTokenKey, tokenAddress)
}

// SetLiquidityPool pins the pool the finalizer will trust for the
// liquidity call. Frozen at startTime like every other parameter.
func (s *SmartContract) SetLiquidityPool(ctx kalpsdk.TransactionContextInterface, poolAddress string) error {
	return s.setCollaborator(ctx, liquidityPoolKey, poolAddress)
}

// SetStages replaces the whole stage table, recomputes the sale
// allocation, and resets the stage cursor.
func (s *SmartContract) SetStages(ctx kalpsdk.TransactionContextInterface, tokenAllocations, rates []string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	if _, err := configForUpdate(ctx); err != nil {
		return err
	}

	if len(tokenAllocations) == 0 {
		return ErrNoStages
	}
	if len(tokenAllocations) != len(rates) {
		return ErrArraysLengthMismatch(len(tokenAllocations), len(rates))
	}

	stages := make([]Stage, len(tokenAllocations))
	saleAllocation := big.NewInt(0)
	for i := range tokenAllocations {
		allocation, err := parseAmount("stage allocation", tokenAllocations[i])
		if err != nil {
			return err
		}
		if allocation.Sign() == 0 {
			return ErrZeroStageAllocation
		}

		rate, err := parseAmount("stage rate", rates[i])
		if err != nil {
			return err
		}
		if rate.Sign() == 0 {
			return ErrZeroStageRate
		}

		stages[i] = Stage{
			TokenAllocation: allocation.String(),
			Rate:            rate.String(),
		}
		saleAllocation.Add(saleAllocation, allocation)
	}

	if err := SetStageTable(ctx, stages); err != nil {
		return err
	}

	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}
	totals.SaleAllocation = saleAllocation.String()
	totals.CurrentStageIndex = 0
	totals.TokensSoldInCurrentStage = "0"
	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	return EmitStagesConfigured(ctx, len(stages), saleAllocation.String())
}

// DepositSaleTokens pulls custody tokens from the owner into contract
// custody ahead of finalize.
func (s *SmartContract) DepositSaleTokens(ctx kalpsdk.TransactionContextInterface, amount string) error {
	signer, err := requireOwner(ctx)
	if err != nil {
		return err
	}

	depositAmount, err := parsePositiveAmount("deposit", amount)
	if err != nil {
		return err
	}

	saleToken, err := getAddressState(ctx, saleTokenKey)
	if err != nil {
		return err
	}
	selfAddress, err := getAddressState(ctx, selfAddressKey)
	if err != nil {
		return err
	}
	if saleToken == "" || selfAddress == "" {
		return ErrNotInitialized
	}

	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}
	if totals.Finalized {
		return ErrAlreadyFinalized
	}

	if err := tokenTransferFrom(ctx, saleToken, signer, selfAddress, depositAmount); err != nil {
		return err
	}

	return EmitSaleTokensDeposited(ctx, signer, depositAmount.String())
}

// Contribute accepts a payment against the active stage. The full offered
// amount is pulled in, the exact charge is kept, and change is pushed
// back in the same transaction; any transfer failure aborts the whole
// contribution.
func (s *SmartContract) Contribute(ctx kalpsdk.TransactionContextInterface, amount string) error {
	if err := s.guard.enter("contribute"); err != nil {
		return err
	}
	defer s.guard.exit("contribute")

	signer, err := GetUserId(ctx)
	if err != nil {
		return NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	offered, err := parsePositiveAmount("contribution", amount)
	if err != nil {
		return err
	}

	config, err := GetSaleConfig(ctx)
	if err != nil {
		return err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}
	stages, err := GetStages(ctx)
	if err != nil {
		return err
	}

	currencyToken, err := getAddressState(ctx, currencyTokenKey)
	if err != nil {
		return err
	}
	selfAddress, err := getAddressState(ctx, selfAddressKey)
	if err != nil {
		return err
	}
	if currencyToken == "" || selfAddress == "" {
		return ErrNotInitialized
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	if config.StartTime == 0 || now < config.StartTime || now >= config.EndTime {
		return ErrSaleNotActive
	}
	if totals.Finalized {
		return ErrAlreadyFinalized
	}
	if len(stages) == 0 || totals.CurrentStageIndex >= len(stages) {
		return ErrSaleNotActive
	}

	minContribution, err := parseAmount("min contribution", config.MinContribution)
	if err != nil {
		return err
	}
	if minContribution.Sign() > 0 && offered.Cmp(minContribution) < 0 {
		return ErrBelowMinContribution
	}

	hardCap, err := parseAmount("hard cap", config.HardCap)
	if err != nil {
		return err
	}
	totalRaised, err := parseAmount("total raised", totals.TotalRaised)
	if err != nil {
		return err
	}
	if hardCap.Sign() > 0 && new(big.Int).Add(totalRaised, offered).Cmp(hardCap) > 0 {
		return ErrHardCapExceeded
	}

	participant, err := GetParticipant(ctx, signer)
	if err != nil {
		return err
	}
	contributed, err := parseAmount("contributed", participant.Contributed)
	if err != nil {
		return err
	}
	maxContribution, err := parseAmount("max contribution", config.MaxContribution)
	if err != nil {
		return err
	}
	if maxContribution.Sign() > 0 && new(big.Int).Add(contributed, offered).Cmp(maxContribution) > 0 {
		return ErrAboveMaxContribution
	}

	stage := stages[totals.CurrentStageIndex]
	soldInStage, err := parseAmount("tokens sold in stage", totals.TokensSoldInCurrentStage)
	if err != nil {
		return err
	}

	quote, err := quoteContribution(offered, totals.CurrentStageIndex, &stage, soldInStage)
	if err != nil {
		return err
	}

	if err := tokenTransferFrom(ctx, currencyToken, signer, selfAddress, offered); err != nil {
		return err
	}

	entitled, err := parseAmount("entitled tokens", participant.EntitledTokens)
	if err != nil {
		return err
	}
	tokensSold, err := parseAmount("tokens sold", totals.TokensSold)
	if err != nil {
		return err
	}

	participant.Contributed = new(big.Int).Add(contributed, quote.used).String()
	participant.EntitledTokens = new(big.Int).Add(entitled, quote.tokensOut).String()
	if err := SetParticipant(ctx, participant); err != nil {
		return err
	}

	totals.TotalRaised = new(big.Int).Add(totalRaised, quote.used).String()
	totals.TokensSold = new(big.Int).Add(tokensSold, quote.tokensOut).String()
	soldInStage.Add(soldInStage, quote.tokensOut)

	stageAllocation, err := parseAmount("stage allocation", stage.TokenAllocation)
	if err != nil {
		return err
	}
	if soldInStage.Cmp(stageAllocation) == 0 && totals.CurrentStageIndex+1 < len(stages) {
		totals.CurrentStageIndex++
		totals.TokensSoldInCurrentStage = "0"
	} else {
		totals.TokensSoldInCurrentStage = soldInStage.String()
	}

	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	if quote.change.Sign() > 0 {
		if err := tokenTransfer(ctx, currencyToken, signer, quote.change); err != nil {
			return err
		}
	}

	return EmitContributionAccepted(ctx, signer, quote.used.String(), quote.tokensOut.String(), quote.change.String(), quote.stageIndex)
}

// Refund returns a participant's full contribution after a failed sale.
// Checks-effects-interactions: the record is zeroed and totals written
// before the outbound transfer; no entry guard on this path.
func (s *SmartContract) Refund(ctx kalpsdk.TransactionContextInterface) error {
	signer, err := GetUserId(ctx)
	if err != nil {
		return NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	config, err := GetSaleConfig(ctx)
	if err != nil {
		return err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return err
	}
	if !ended {
		return ErrSaleNotEnded
	}

	capMet, err := softCapMet(config, totals)
	if err != nil {
		return err
	}
	if capMet {
		return ErrSoftCapAlreadyMet
	}

	participant, err := GetParticipant(ctx, signer)
	if err != nil {
		return err
	}
	contributed, err := parseAmount("contributed", participant.Contributed)
	if err != nil {
		return err
	}
	if contributed.Sign() == 0 {
		return ErrNoContribution
	}
	entitled, err := parseAmount("entitled tokens", participant.EntitledTokens)
	if err != nil {
		return err
	}

	participant.Contributed = "0"
	participant.EntitledTokens = "0"
	if err := SetParticipant(ctx, participant); err != nil {
		return err
	}

	totalRaised, err := parseAmount("total raised", totals.TotalRaised)
	if err != nil {
		return err
	}
	tokensSold, err := parseAmount("tokens sold", totals.TokensSold)
	if err != nil {
		return err
	}
	totals.TotalRaised = subFloorZero(totalRaised, contributed).String()
	totals.TokensSold = subFloorZero(tokensSold, entitled).String()
	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	currencyToken, err := getAddressState(ctx, currencyTokenKey)
	if err != nil {
		return err
	}
	if err := tokenTransfer(ctx, currencyToken, signer, contributed); err != nil {
		return err
	}

	return EmitRefundIssued(ctx, signer, contributed.String())
}

// Claim transfers a participant's entitled tokens after a successful,
// finalized sale. Checks-effects-interactions, same as Refund.
func (s *SmartContract) Claim(ctx kalpsdk.TransactionContextInterface) error {
	signer, err := GetUserId(ctx)
	if err != nil {
		return NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	config, err := GetSaleConfig(ctx)
	if err != nil {
		return err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return err
	}
	if !ended {
		return ErrSaleNotEnded
	}

	capMet, err := softCapMet(config, totals)
	if err != nil {
		return err
	}
	if !capMet || !totals.Finalized {
		return ErrNotFinalized
	}

	participant, err := GetParticipant(ctx, signer)
	if err != nil {
		return err
	}
	entitled, err := parseAmount("entitled tokens", participant.EntitledTokens)
	if err != nil {
		return err
	}
	if entitled.Sign() == 0 {
		return ErrNoTokensToClaim
	}

	participant.EntitledTokens = "0"
	if err := SetParticipant(ctx, participant); err != nil {
		return err
	}

	tokensClaimed, err := parseAmount("tokens claimed", totals.TokensClaimed)
	if err != nil {
		return err
	}
	totals.TokensClaimed = new(big.Int).Add(tokensClaimed, entitled).String()
	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	saleToken, err := getAddressState(ctx, saleTokenKey)
	if err != nil {
		return err
	}
	if err := tokenTransfer(ctx, saleToken, signer, entitled); err != nil {
		return err
	}

	return EmitClaimIssued(ctx, signer, entitled.String())
}

// Finalize is the one-shot settlement: it sizes the liquidity deposit,
// invokes the pinned pool, credits the remainder to marketing, returns
// leftover custody tokens to the owner, and latches the ledger claimable.
// Callable by anyone once the sale has ended with the soft cap met.
func (s *SmartContract) Finalize(ctx kalpsdk.TransactionContextInterface) error {
	if err := s.guard.enter("finalize"); err != nil {
		return err
	}
	defer s.guard.exit("finalize")

	config, err := GetSaleConfig(ctx)
	if err != nil {
		return err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}

	if totals.Finalized {
		return ErrAlreadyFinalized
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return err
	}
	if !ended {
		return ErrSaleNotEnded
	}

	capMet, err := softCapMet(config, totals)
	if err != nil {
		return err
	}
	if !capMet {
		return ErrSoftCapNotMet
	}

	saleToken, err := getAddressState(ctx, saleTokenKey)
	if err != nil {
		return err
	}
	currencyToken, err := getAddressState(ctx, currencyTokenKey)
	if err != nil {
		return err
	}
	liquidityPool, err := getAddressState(ctx, liquidityPoolKey)
	if err != nil {
		return err
	}
	selfAddress, err := getAddressState(ctx, selfAddressKey)
	if err != nil {
		return err
	}
	owner, err := getAddressState(ctx, ownerKey)
	if err != nil {
		return err
	}
	if saleToken == "" || currencyToken == "" || selfAddress == "" || owner == "" {
		return ErrNotInitialized
	}

	balance, err := tokenBalanceOf(ctx, currencyToken, selfAddress)
	if err != nil {
		return err
	}

	lpShare := percentOf(balance, config.LpPercent)

	lpTokensNeeded := big.NewInt(0)
	if lpShare.Sign() > 0 {
		listingRate, err := parseAmount("listing rate", config.ListingRate)
		if err != nil {
			return err
		}
		if listingRate.Sign() == 0 {
			return ErrListingRateNotSet
		}
		if liquidityPool == "" {
			return ErrNotInitialized
		}

		lpTokensNeeded = new(big.Int).Mul(lpShare, listingRate)
		lpTokensNeeded.Div(lpTokensNeeded, rateScale())
	}

	// Custody must cover everything already owed to claimants plus the
	// tokens about to be committed to liquidity, whether or not a hard
	// cap was configured.
	tokensSold, err := parseAmount("tokens sold", totals.TokensSold)
	if err != nil {
		return err
	}
	custodyBalance, err := tokenBalanceOf(ctx, saleToken, selfAddress)
	if err != nil {
		return err
	}
	required := new(big.Int).Add(tokensSold, lpTokensNeeded)
	if custodyBalance.Cmp(required) < 0 {
		return ErrInsufficientSaleTokens
	}

	currencyUsed := big.NewInt(0)
	lpTokensUsed := big.NewInt(0)
	liquidity := big.NewInt(0)
	if lpShare.Sign() > 0 {
		minTokens := slippageFloor(lpTokensNeeded, config.MaxSlippageBps)
		minCurrency := slippageFloor(lpShare, config.MaxSlippageBps)

		// Zero-then-set keeps the approvals compatible with tokens that
		// reject nonzero-to-nonzero allowance changes.
		if err := tokenApprove(ctx, saleToken, liquidityPool, big.NewInt(0)); err != nil {
			return err
		}
		if err := tokenApprove(ctx, saleToken, liquidityPool, lpTokensNeeded); err != nil {
			return err
		}
		if err := tokenApprove(ctx, currencyToken, liquidityPool, big.NewInt(0)); err != nil {
			return err
		}
		if err := tokenApprove(ctx, currencyToken, liquidityPool, lpShare); err != nil {
			return err
		}

		result, err := addLiquidity(ctx, liquidityPool, saleToken, currencyToken,
			lpTokensNeeded, lpShare, minTokens, minCurrency, now+liquidityDeadlineSeconds)
		if err != nil {
			return err
		}

		if err := tokenApprove(ctx, saleToken, liquidityPool, big.NewInt(0)); err != nil {
			return err
		}
		if err := tokenApprove(ctx, currencyToken, liquidityPool, big.NewInt(0)); err != nil {
			return err
		}

		currencyUsed, err = parseAmount("currency used by pool", result.AmountCurrency)
		if err != nil {
			return err
		}
		lpTokensUsed, err = parseAmount("tokens used by pool", result.AmountToken)
		if err != nil {
			return err
		}
		liquidity, err = parseAmount("liquidity receipt", result.Liquidity)
		if err != nil {
			return err
		}
	}

	// The remainder is whatever currency is actually left, re-read from
	// the token rather than taken from the pool's report.
	remainder, err := tokenBalanceOf(ctx, currencyToken, selfAddress)
	if err != nil {
		return err
	}

	marketingPending, err := parseAmount("marketing pending", totals.MarketingPending)
	if err != nil {
		return err
	}
	totals.MarketingPending = new(big.Int).Add(marketingPending, remainder).String()
	if remainder.Sign() > 0 {
		if err := EmitLeftoverCredited(ctx, remainder.String()); err != nil {
			return err
		}
	}

	// Custody tokens beyond what claimants are owed go back to the owner.
	custodyAfter, err := tokenBalanceOf(ctx, saleToken, selfAddress)
	if err != nil {
		return err
	}
	leftoverTokens := subFloorZero(custodyAfter, tokensSold)
	if leftoverTokens.Sign() > 0 {
		if err := tokenTransfer(ctx, saleToken, owner, leftoverTokens); err != nil {
			return err
		}
	}

	totals.Finalized = true
	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	return EmitFinalized(ctx, FinalizedEvent{
		TotalRaised:       totals.TotalRaised,
		LpCurrencyUsed:    currencyUsed.String(),
		LpTokensUsed:      lpTokensUsed.String(),
		Liquidity:         liquidity.String(),
		MarketingCredited: remainder.String(),
	})
}

// WithdrawMarketing pull-transfers the accumulated marketing remainder to
// the designated recipient.
func (s *SmartContract) WithdrawMarketing(ctx kalpsdk.TransactionContextInterface) error {
	if err := s.guard.enter("marketing"); err != nil {
		return err
	}
	defer s.guard.exit("marketing")

	signer, err := GetUserId(ctx)
	if err != nil {
		return NewCustomError(http.StatusBadRequest, "failed to get client id", err)
	}

	marketingWallet, err := getAddressState(ctx, marketingWalletKey)
	if err != nil {
		return err
	}
	if marketingWallet == "" {
		return ErrNotInitialized
	}
	if signer != marketingWallet {
		return ErrNotAuthorized
	}

	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}
	pending, err := parseAmount("marketing pending", totals.MarketingPending)
	if err != nil {
		return err
	}
	if pending.Sign() == 0 {
		return ErrNothingToWithdraw
	}

	totals.MarketingPending = "0"
	if err := SetSaleTotals(ctx, totals); err != nil {
		return err
	}

	currencyToken, err := getAddressState(ctx, currencyTokenKey)
	if err != nil {
		return err
	}
	if err := tokenTransfer(ctx, currencyToken, signer, pending); err != nil {
		return err
	}

	return EmitMarketingWithdrawn(ctx, signer, pending.String())
}

// RecoverTokensOnFailure returns the full custody token balance to the
// owner's chosen address after a failed sale.
func (s *SmartContract) RecoverTokensOnFailure(ctx kalpsdk.TransactionContextInterface, recipient string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	if !IsUserAddressValid(recipient) {
		return fmt.Errorf("%w: %s", ErrInvalidUserAddress, recipient)
	}

	config, err := GetSaleConfig(ctx)
	if err != nil {
		return err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return err
	}
	if !ended {
		return ErrSaleNotEnded
	}

	capMet, err := softCapMet(config, totals)
	if err != nil {
		return err
	}
	if capMet {
		return ErrSoftCapAlreadyMet
	}

	saleToken, err := getAddressState(ctx, saleTokenKey)
	if err != nil {
		return err
	}
	selfAddress, err := getAddressState(ctx, selfAddressKey)
	if err != nil {
		return err
	}
	if saleToken == "" || selfAddress == "" {
		return ErrNotInitialized
	}

	custodyBalance, err := tokenBalanceOf(ctx, saleToken, selfAddress)
	if err != nil {
		return err
	}
	if custodyBalance.Sign() == 0 {
		return ErrNothingToWithdraw
	}

	if err := tokenTransfer(ctx, saleToken, recipient, custodyBalance); err != nil {
		return err
	}

	return EmitTokensRecovered(ctx, recipient, custodyBalance.String())
}

// EmergencyWithdrawForeignAsset sweeps stray assets after finalization.
// For the custody token the owed entitlements stay untouchable; for the
// currency token the pending marketing credit does.
func (s *SmartContract) EmergencyWithdrawForeignAsset(ctx kalpsdk.TransactionContextInterface, assetAddress, recipient string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}

	if !IsContractAddressValid(assetAddress) {
		return ErrInvalidContractAddress(assetAddress)
	}
	if !IsUserAddressValid(recipient) {
		return fmt.Errorf("%w: %s", ErrInvalidUserAddress, recipient)
	}

	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return err
	}
	if !totals.Finalized {
		return ErrNotFinalized
	}

	saleToken, err := getAddressState(ctx, saleTokenKey)
	if err != nil {
		return err
	}
	currencyToken, err := getAddressState(ctx, currencyTokenKey)
	if err != nil {
		return err
	}
	selfAddress, err := getAddressState(ctx, selfAddressKey)
	if err != nil {
		return err
	}

	balance, err := tokenBalanceOf(ctx, assetAddress, selfAddress)
	if err != nil {
		return err
	}

	withdrawable := balance
	if assetAddress == saleToken {
		tokensSold, err := parseAmount("tokens sold", totals.TokensSold)
		if err != nil {
			return err
		}
		tokensClaimed, err := parseAmount("tokens claimed", totals.TokensClaimed)
		if err != nil {
			return err
		}
		owed := subFloorZero(tokensSold, tokensClaimed)
		withdrawable = subFloorZero(balance, owed)
	} else if assetAddress == currencyToken {
		pending, err := parseAmount("marketing pending", totals.MarketingPending)
		if err != nil {
			return err
		}
		withdrawable = subFloorZero(balance, pending)
	}

	if withdrawable.Sign() == 0 {
		return ErrNothingToWithdraw
	}

	if err := tokenTransfer(ctx, assetAddress, recipient, withdrawable); err != nil {
		return err
	}

	return EmitForeignAssetWithdrawn(ctx, assetAddress, recipient, withdrawable.String())
}

// GetSaleConfiguration returns the current sale parameters.
func (s *SmartContract) GetSaleConfiguration(ctx kalpsdk.TransactionContextInterface) (*SaleConfig, error) {
	return GetSaleConfig(ctx)
}

// GetStageTable returns the configured stage table in consumption order.
func (s *SmartContract) GetStageTable(ctx kalpsdk.TransactionContextInterface) ([]Stage, error) {
	return GetStages(ctx)
}

// GetSaleStatus returns the lifecycle view of the sale.
func (s *SmartContract) GetSaleStatus(ctx kalpsdk.TransactionContextInterface) (*SaleStatus, error) {
	config, err := GetSaleConfig(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return nil, err
	}
	stages, err := GetStages(ctx)
	if err != nil {
		return nil, err
	}

	now, err := txTime(ctx)
	if err != nil {
		return nil, err
	}

	active, err := saleActive(config, totals, stages, now)
	if err != nil {
		return nil, err
	}
	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return nil, err
	}
	capMet, err := softCapMet(config, totals)
	if err != nil {
		return nil, err
	}

	return &SaleStatus{
		Active:           active,
		Ended:            ended,
		SoftCapMet:       capMet,
		Finalized:        totals.Finalized,
		TotalRaised:      totals.TotalRaised,
		TokensSold:       totals.TokensSold,
		SaleAllocation:   totals.SaleAllocation,
		CurrentStage:     totals.CurrentStageIndex,
		MarketingPending: totals.MarketingPending,
	}, nil
}

// GetStageQuote prices an offered amount against the active stage without
// mutating anything, so callers can size a contribution that fits.
func (s *SmartContract) GetStageQuote(ctx kalpsdk.TransactionContextInterface, amount string) (*StageQuote, error) {
	offered, err := parsePositiveAmount("contribution", amount)
	if err != nil {
		return nil, err
	}

	totals, err := GetSaleTotals(ctx)
	if err != nil {
		return nil, err
	}
	stages, err := GetStages(ctx)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 || totals.CurrentStageIndex >= len(stages) {
		return nil, ErrNoStages
	}

	soldInStage, err := parseAmount("tokens sold in stage", totals.TokensSoldInCurrentStage)
	if err != nil {
		return nil, err
	}

	stage := stages[totals.CurrentStageIndex]
	quote, err := quoteContribution(offered, totals.CurrentStageIndex, &stage, soldInStage)
	if err != nil {
		return nil, err
	}

	return &StageQuote{
		StageIndex: quote.stageIndex,
		TokensOut:  quote.tokensOut.String(),
		Used:       quote.used.String(),
		Change:     quote.change.String(),
	}, nil
}

// GetParticipantRecord returns the ledger record for an address; absent
// addresses read as zeroed records.
func (s *SmartContract) GetParticipantRecord(ctx kalpsdk.TransactionContextInterface, address string) (*ParticipantRecord, error) {
	if !IsUserAddressValid(address) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUserAddress, address)
	}

	return GetParticipant(ctx, address)
}

// GetClaimableTokens returns the tokens an address could claim once the
// sale is finalized.
func (s *SmartContract) GetClaimableTokens(ctx kalpsdk.TransactionContextInterface, address string) (string, error) {
	participant, err := s.GetParticipantRecord(ctx, address)
	if err != nil {
		return "0", err
	}

	return participant.EntitledTokens, nil
}

// GetParticipants lists every participant record on the ledger.
func (s *SmartContract) GetParticipants(ctx kalpsdk.TransactionContextInterface) ([]*ParticipantRecord, error) {
	queryString := fmt.Sprintf(`{"selector":{"docType":"%s"}}`, participantDocType)
	resultsIterator, err := ctx.GetQueryResult(queryString)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, "failed to query participants", err)
	}
	defer resultsIterator.Close()

	participants := []*ParticipantRecord{}
	for resultsIterator.HasNext() {
		queryResult, err := resultsIterator.Next()
		if err != nil {
			return nil, NewCustomError(http.StatusInternalServerError, "failed to iterate participants", err)
		}

		var participant ParticipantRecord
		err = json.Unmarshal(queryResult.Value, &participant)
		if err != nil {
			return nil, NewCustomError(http.StatusInternalServerError, "failed to unmarshal participant", err)
		}
		participants = append(participants, &participant)
	}

	return participants, nil
}
