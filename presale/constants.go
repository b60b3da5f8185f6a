/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

const (
	ownerKey           = "owner"
	selfAddressKey     = "selfaddress"
	marketingWalletKey = "marketingwallet"
	saleTokenKey       = "saletoken"
	currencyTokenKey   = "currencytoken"
	liquidityPoolKey   = "liquiditypool"
	saleConfigKey      = "saleconfig"
	stagesKey          = "stages"
	saleTotalsKey      = "saletotals"

	participantPrefix  = "participant_"
	participantDocType = "participant"

	// RateScale is the fixed-point scale for stage and listing rates:
	// a rate of 1 * RateScale sells one token per unit of currency.
	RateScale = "1000000000000000000"

	maxSlippageBps = 3000
	bpsDenominator = 10000

	// Deadline passed to the liquidity pool, relative to tx time. The
	// pool checks it as data; it is not a scheduling mechanism here.
	liquidityDeadlineSeconds = 600

	contractAddressRegex = `^klp-[a-fA-F0-9]+-cc$`
	hexAddressRegex      = `^[0-9a-fA-F]{40}$`

	stagesConfiguredEvent    = "StagesConfigured"
	saleTokensDepositedEvent = "SaleTokensDeposited"
	contributionEvent        = "ContributionAccepted"
	refundEvent              = "RefundIssued"
	claimEvent               = "ClaimIssued"
	finalizedEvent           = "Finalized"
	marketingWithdrawnEvent  = "MarketingWithdrawn"
	leftoverCreditedEvent    = "LeftoverCredited"
	foreignAssetEvent        = "ForeignAssetWithdrawn"
	tokensRecoveredEvent     = "TokensRecovered"
)
