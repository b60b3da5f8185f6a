/*
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"log"

	"github.com/KindoraHQ/presale-contract/presale"
	"github.com/p2eengineering/kalp-sdk-public/kalpsdk"
)

func main() {
	contract := kalpsdk.Contract{IsPayableContract: false}
	contract.Logger = kalpsdk.NewLogger()
	presaleChaincode, err := kalpsdk.NewChaincode(&presale.SmartContract{Contract: contract})
	if err != nil {
		log.Panicf("Error creating presale chaincode: %v", err)
	}

	if err := presaleChaincode.Start(); err != nil {
		log.Panicf("Error starting presale chaincode: %v", err)
	}
}
