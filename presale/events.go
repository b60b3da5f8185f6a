/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"encoding/json"
	"fmt"

	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

type StagesConfiguredEvent struct {
	StageCount     int    `json:"stageCount"`
	SaleAllocation string `json:"saleAllocation"`
}

type SaleTokensDepositedEvent struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type ContributionAcceptedEvent struct {
	Participant string `json:"participant"`
	AmountUsed  string `json:"amountUsed"`
	TokensOut   string `json:"tokensOut"`
	Change      string `json:"change"`
	StageIndex  int    `json:"stageIndex"`
}

type RefundIssuedEvent struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

type ClaimIssuedEvent struct {
	Participant string `json:"participant"`
	Tokens      string `json:"tokens"`
}

type FinalizedEvent struct {
	TotalRaised       string `json:"totalRaised"`
	LpCurrencyUsed    string `json:"lpCurrencyUsed"`
	LpTokensUsed      string `json:"lpTokensUsed"`
	Liquidity         string `json:"liquidity"`
	MarketingCredited string `json:"marketingCredited"`
}

type MarketingWithdrawnEvent struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type LeftoverCreditedEvent struct {
	Amount string `json:"amount"`
}

type ForeignAssetWithdrawnEvent struct {
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type TokensRecoveredEvent struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func emitEvent(sdk kalpsdk.TransactionContextInterface, name string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to obtain JSON encoding: %v", err)
	}

	err = sdk.SetEvent(name, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to set event: %v", err)
	}

	return nil
}

func EmitStagesConfigured(sdk kalpsdk.TransactionContextInterface, stageCount int, saleAllocation string) error {
	return emitEvent(sdk, stagesConfiguredEvent, StagesConfiguredEvent{
		StageCount:     stageCount,
		SaleAllocation: saleAllocation,
	})
}

func EmitSaleTokensDeposited(sdk kalpsdk.TransactionContextInterface, from, amount string) error {
	return emitEvent(sdk, saleTokensDepositedEvent, SaleTokensDepositedEvent{
		From:   from,
		Amount: amount,
	})
}

func EmitContributionAccepted(sdk kalpsdk.TransactionContextInterface, participant, amountUsed, tokensOut, change string, stageIndex int) error {
	return emitEvent(sdk, contributionEvent, ContributionAcceptedEvent{
		Participant: participant,
		AmountUsed:  amountUsed,
		TokensOut:   tokensOut,
		Change:      change,
		StageIndex:  stageIndex,
	})
}

func EmitRefundIssued(sdk kalpsdk.TransactionContextInterface, participant, amount string) error {
	return emitEvent(sdk, refundEvent, RefundIssuedEvent{
		Participant: participant,
		Amount:      amount,
	})
}

func EmitClaimIssued(sdk kalpsdk.TransactionContextInterface, participant, tokens string) error {
	return emitEvent(sdk, claimEvent, ClaimIssuedEvent{
		Participant: participant,
		Tokens:      tokens,
	})
}

func EmitFinalized(sdk kalpsdk.TransactionContextInterface, event FinalizedEvent) error {
	return emitEvent(sdk, finalizedEvent, event)
}

func EmitMarketingWithdrawn(sdk kalpsdk.TransactionContextInterface, recipient, amount string) error {
	return emitEvent(sdk, marketingWithdrawnEvent, MarketingWithdrawnEvent{
		Recipient: recipient,
		Amount:    amount,
	})
}

func EmitLeftoverCredited(sdk kalpsdk.TransactionContextInterface, amount string) error {
	return emitEvent(sdk, leftoverCreditedEvent, LeftoverCreditedEvent{Amount: amount})
}

func EmitForeignAssetWithdrawn(sdk kalpsdk.TransactionContextInterface, asset, recipient, amount string) error {
	return emitEvent(sdk, foreignAssetEvent, ForeignAssetWithdrawnEvent{
		Asset:     asset,
		Recipient: recipient,
		Amount:    amount,
	})
}

func EmitTokensRecovered(sdk kalpsdk.TransactionContextInterface, recipient, amount string) error {
	return emitEvent(sdk, tokensRecoveredEvent, TokensRecoveredEvent{
		Recipient: recipient,
		Amount:    amount,
	})
}
