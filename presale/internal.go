/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"fmt"
	"math/big"
	"sync"
)

// entryGuard is the scoped exclusive-access lock held across entry points
// that interleave ledger mutation with external collaborator calls. A
// nested acquisition of the same group is rejected; release happens on
// every exit path via defer.
type entryGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func (g *entryGuard) enter(group string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held == nil {
		g.held = make(map[string]bool)
	}
	if g.held[group] {
		return fmt.Errorf("%w: %s", ErrReentrantCall, group)
	}
	g.held[group] = true

	return nil
}

func (g *entryGuard) exit(group string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.held, group)
}

type stageQuote struct {
	stageIndex int
	tokensOut  *big.Int
	used       *big.Int
	change     *big.Int
}

// quoteContribution prices an offered amount against the active stage.
// Policy: a quote that does not fit the stage remainder is rejected whole;
// there is no partial fill and no spill into the next stage, so every
// accepted contribution is priced at exactly one rate.
func quoteContribution(amount *big.Int, stageIndex int, stage *Stage, soldInStage *big.Int) (*stageQuote, error) {
	rate, err := parsePositiveAmount("stage rate", stage.Rate)
	if err != nil {
		return nil, err
	}
	allocation, err := parsePositiveAmount("stage allocation", stage.TokenAllocation)
	if err != nil {
		return nil, err
	}

	remaining := new(big.Int).Sub(allocation, soldInStage)
	if remaining.Sign() <= 0 {
		return nil, ErrStageExhausted
	}

	scale := rateScale()

	tokensOut := new(big.Int).Mul(amount, rate)
	tokensOut.Div(tokensOut, scale)
	if tokensOut.Sign() == 0 {
		return nil, ErrAmountTooSmall
	}
	if tokensOut.Cmp(remaining) > 0 {
		return nil, ErrExceedsStageCapacity
	}

	// Round the charge up so the contract never under-charges for the
	// tokens it grants; paired with the floor above, used <= amount holds.
	used := ceilDiv(new(big.Int).Mul(tokensOut, scale), rate)
	if used.Cmp(amount) > 0 {
		return nil, ErrArithmeticInvariant(fmt.Sprintf("charge %s exceeds offered amount %s", used.String(), amount.String()))
	}

	return &stageQuote{
		stageIndex: stageIndex,
		tokensOut:  tokensOut,
		used:       used,
		change:     new(big.Int).Sub(amount, used),
	}, nil
}

func saleEnded(config *SaleConfig, totals *SaleTotals, now uint64) (bool, error) {
	if config.StartTime == 0 || now >= config.EndTime {
		return config.StartTime != 0 && now >= config.EndTime, nil
	}

	saleAllocation, err := parseAmount("sale allocation", totals.SaleAllocation)
	if err != nil {
		return false, err
	}
	if saleAllocation.Sign() == 0 {
		return false, nil
	}

	tokensSold, err := parseAmount("tokens sold", totals.TokensSold)
	if err != nil {
		return false, err
	}

	return tokensSold.Cmp(saleAllocation) >= 0, nil
}

func softCapMet(config *SaleConfig, totals *SaleTotals) (bool, error) {
	softCap, err := parseAmount("soft cap", config.SoftCap)
	if err != nil {
		return false, err
	}

	totalRaised, err := parseAmount("total raised", totals.TotalRaised)
	if err != nil {
		return false, err
	}

	return totalRaised.Cmp(softCap) >= 0, nil
}

func saleActive(config *SaleConfig, totals *SaleTotals, stages []Stage, now uint64) (bool, error) {
	if config.StartTime == 0 || now < config.StartTime || now >= config.EndTime {
		return false, nil
	}
	if totals.Finalized || len(stages) == 0 || totals.CurrentStageIndex >= len(stages) {
		return false, nil
	}

	ended, err := saleEnded(config, totals, now)
	if err != nil {
		return false, err
	}

	return !ended, nil
}
