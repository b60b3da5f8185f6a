/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

// SaleConfig is frozen once the sale window opens; every setter checks
// the freeze before writing.
type SaleConfig struct {
	StartTime        uint64 `json:"startTime"`
	EndTime          uint64 `json:"endTime"`
	SoftCap          string `json:"softCap"`
	HardCap          string `json:"hardCap"`
	MinContribution  string `json:"minContribution"`
	MaxContribution  string `json:"maxContribution"`
	LpPercent        uint64 `json:"lpPercent"`
	MarketingPercent uint64 `json:"marketingPercent"`
	MaxSlippageBps   uint64 `json:"maxSlippageBps"`
	ListingRate      string `json:"listingRate"`
}

// Stage is one priced tranche of the sale allocation, consumed in order.
type Stage struct {
	TokenAllocation string `json:"tokenAllocation"`
	Rate            string `json:"rate"`
}

// ParticipantRecord is created lazily on first contribution and never
// deleted; refund and claim zero its fields exactly once.
type ParticipantRecord struct {
	DocType        string `json:"docType"`
	Address        string `json:"address"`
	Contributed    string `json:"contributed"`
	EntitledTokens string `json:"entitledTokens"`
}

// SaleTotals is the single process-wide ledger totals record. Finalized
// is the terminal latch gating claim and withdraw paths.
type SaleTotals struct {
	TotalRaised              string `json:"totalRaised"`
	TokensSold               string `json:"tokensSold"`
	TokensClaimed            string `json:"tokensClaimed"`
	SaleAllocation           string `json:"saleAllocation"`
	CurrentStageIndex        int    `json:"currentStageIndex"`
	TokensSoldInCurrentStage string `json:"tokensSoldInCurrentStage"`
	Finalized                bool   `json:"finalized"`
	MarketingPending         string `json:"marketingPending"`
}

// SaleStatus is the read-only lifecycle view returned to callers.
type SaleStatus struct {
	Active           bool   `json:"active"`
	Ended            bool   `json:"ended"`
	SoftCapMet       bool   `json:"softCapMet"`
	Finalized        bool   `json:"finalized"`
	TotalRaised      string `json:"totalRaised"`
	TokensSold       string `json:"tokensSold"`
	SaleAllocation   string `json:"saleAllocation"`
	CurrentStage     int    `json:"currentStage"`
	MarketingPending string `json:"marketingPending"`
}

// StageQuote prices an offered amount against the active stage without
// mutating anything.
type StageQuote struct {
	StageIndex int    `json:"stageIndex"`
	TokensOut  string `json:"tokensOut"`
	Used       string `json:"used"`
	Change     string `json:"change"`
}

func GetSaleConfig(ctx kalpsdk.TransactionContextInterface) (*SaleConfig, error) {
	configAsBytes, err := ctx.GetState(saleConfigKey)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to get sale config with Key %s", saleConfigKey), err)
	}
	if configAsBytes == nil {
		return &SaleConfig{
			SoftCap:         "0",
			HardCap:         "0",
			MinContribution: "0",
			MaxContribution: "0",
			ListingRate:     "0",
		}, nil
	}

	var config SaleConfig
	err = json.Unmarshal(configAsBytes, &config)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, "failed to unmarshal sale config", err)
	}

	return &config, nil
}

func SetSaleConfig(ctx kalpsdk.TransactionContextInterface, config *SaleConfig) error {
	configAsBytes, err := json.Marshal(config)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to marshal sale config", err)
	}

	err = ctx.PutStateWithoutKYC(saleConfigKey, configAsBytes)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to set sale config", err)
	}

	return nil
}

func GetStages(ctx kalpsdk.TransactionContextInterface) ([]Stage, error) {
	stagesAsBytes, err := ctx.GetState(stagesKey)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to get stages with Key %s", stagesKey), err)
	}
	if stagesAsBytes == nil {
		return []Stage{}, nil
	}

	var stages []Stage
	err = json.Unmarshal(stagesAsBytes, &stages)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, "failed to unmarshal stages", err)
	}

	return stages, nil
}

func SetStageTable(ctx kalpsdk.TransactionContextInterface, stages []Stage) error {
	stagesAsBytes, err := json.Marshal(stages)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to marshal stages", err)
	}

	err = ctx.PutStateWithoutKYC(stagesKey, stagesAsBytes)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to set stages", err)
	}

	return nil
}

func GetParticipant(ctx kalpsdk.TransactionContextInterface, address string) (*ParticipantRecord, error) {
	participantKey := fmt.Sprintf("%s%s", participantPrefix, address)
	participantAsBytes, err := ctx.GetState(participantKey)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to get participant with Key %s", participantKey), err)
	}
	if participantAsBytes == nil {
		return &ParticipantRecord{
			DocType:        participantDocType,
			Address:        address,
			Contributed:    "0",
			EntitledTokens: "0",
		}, nil
	}

	var participant ParticipantRecord
	err = json.Unmarshal(participantAsBytes, &participant)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, "failed to unmarshal participant", err)
	}

	return &participant, nil
}

func SetParticipant(ctx kalpsdk.TransactionContextInterface, participant *ParticipantRecord) error {
	participantKey := fmt.Sprintf("%s%s", participantPrefix, participant.Address)
	participantAsBytes, err := json.Marshal(participant)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to marshal participant", err)
	}

	err = ctx.PutStateWithoutKYC(participantKey, participantAsBytes)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to set participant with Key %s", participantKey), err)
	}

	return nil
}

func GetSaleTotals(ctx kalpsdk.TransactionContextInterface) (*SaleTotals, error) {
	totalsAsBytes, err := ctx.GetState(saleTotalsKey)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to get sale totals with Key %s", saleTotalsKey), err)
	}
	if totalsAsBytes == nil {
		return &SaleTotals{
			TotalRaised:              "0",
			TokensSold:               "0",
			TokensClaimed:            "0",
			SaleAllocation:           "0",
			TokensSoldInCurrentStage: "0",
			MarketingPending:         "0",
		}, nil
	}

	var totals SaleTotals
	err = json.Unmarshal(totalsAsBytes, &totals)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError, "failed to unmarshal sale totals", err)
	}

	return &totals, nil
}

func SetSaleTotals(ctx kalpsdk.TransactionContextInterface, totals *SaleTotals) error {
	totalsAsBytes, err := json.Marshal(totals)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to marshal sale totals", err)
	}

	err = ctx.PutStateWithoutKYC(saleTotalsKey, totalsAsBytes)
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, "failed to set sale totals", err)
	}

	return nil
}

func getAddressState(ctx kalpsdk.TransactionContextInterface, key string) (string, error) {
	addressAsBytes, err := ctx.GetState(key)
	if err != nil {
		return "", NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to get address with Key %s", key), err)
	}

	return string(addressAsBytes), nil
}

func setAddressState(ctx kalpsdk.TransactionContextInterface, key, address string) error {
	err := ctx.PutStateWithoutKYC(key, []byte(address))
	if err != nil {
		return NewCustomError(http.StatusInternalServerError, fmt.Sprintf("failed to set address with Key %s", key), err)
	}

	return nil
}
