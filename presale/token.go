/*
SPDX-License-Identifier: Apache-2.0
*/

package presale

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

// Collaborator contracts are reached only through these narrow wrappers;
// nothing else in the engine touches InvokeChaincode.

func invokeCollaborator(ctx kalpsdk.TransactionContextInterface, contractAddress string, args ...string) ([]byte, error) {
	byteArgs := make([][]byte, len(args))
	for i, arg := range args {
		byteArgs[i] = []byte(arg)
	}

	resp := ctx.InvokeChaincode(contractAddress, byteArgs, ctx.GetChannelID())
	if resp.Response.Status != http.StatusOK {
		return nil, NewCustomError(int(resp.Response.Status),
			fmt.Sprintf("call to %s on %s failed", args[0], contractAddress),
			errors.New(resp.Response.Message))
	}

	return resp.Response.Payload, nil
}

func tokenBalanceOf(ctx kalpsdk.TransactionContextInterface, tokenAddress, account string) (*big.Int, error) {
	payload, err := invokeCollaborator(ctx, tokenAddress, "BalanceOf", account)
	if err != nil {
		return nil, err
	}

	balance, ok := new(big.Int).SetString(string(payload), 10)
	if !ok {
		return nil, NewCustomError(http.StatusInternalServerError,
			fmt.Sprintf("failed to parse balance %q from token %s", string(payload), tokenAddress), nil)
	}

	return balance, nil
}

func tokenTransfer(ctx kalpsdk.TransactionContextInterface, tokenAddress, recipient string, amount *big.Int) error {
	payload, err := invokeCollaborator(ctx, tokenAddress, "Transfer", recipient, amount.String())
	if err != nil {
		return err
	}
	if string(payload) != "true" {
		return NewCustomError(http.StatusInternalServerError,
			fmt.Sprintf("token %s rejected transfer to %s", tokenAddress, recipient), nil)
	}

	return nil
}

func tokenTransferFrom(ctx kalpsdk.TransactionContextInterface, tokenAddress, from, to string, amount *big.Int) error {
	payload, err := invokeCollaborator(ctx, tokenAddress, "TransferFrom", from, to, amount.String())
	if err != nil {
		return err
	}
	if string(payload) != "true" {
		return NewCustomError(http.StatusInternalServerError,
			fmt.Sprintf("token %s rejected transferFrom %s", tokenAddress, from), nil)
	}

	return nil
}

func tokenApprove(ctx kalpsdk.TransactionContextInterface, tokenAddress, spender string, amount *big.Int) error {
	payload, err := invokeCollaborator(ctx, tokenAddress, "Approve", spender, amount.String())
	if err != nil {
		return err
	}
	if string(payload) != "true" {
		return NewCustomError(http.StatusInternalServerError,
			fmt.Sprintf("token %s rejected approval for %s", tokenAddress, spender), nil)
	}

	return nil
}

// LiquidityResult is the pool's report of what the add-liquidity call
// actually consumed and the receipt quantity it issued.
type LiquidityResult struct {
	AmountToken    string `json:"amountToken"`
	AmountCurrency string `json:"amountCurrency"`
	Liquidity      string `json:"liquidity"`
}

func addLiquidity(
	ctx kalpsdk.TransactionContextInterface,
	poolAddress, tokenAddress, currencyAddress string,
	tokenDesired, currencyDesired, tokenMin, currencyMin *big.Int,
	deadline uint64,
) (*LiquidityResult, error) {
	payload, err := invokeCollaborator(ctx, poolAddress, "AddLiquidity",
		tokenAddress, currencyAddress,
		tokenDesired.String(), currencyDesired.String(),
		tokenMin.String(), currencyMin.String(),
		fmt.Sprintf("%d", deadline))
	if err != nil {
		return nil, err
	}

	var result LiquidityResult
	err = json.Unmarshal(payload, &result)
	if err != nil {
		return nil, NewCustomError(http.StatusInternalServerError,
			fmt.Sprintf("failed to unmarshal liquidity result from pool %s", poolAddress), err)
	}

	return &result, nil
}
