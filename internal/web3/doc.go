// Package web3 houses blockchain connectivity for the paywall: chain
// definitions loaded from YAML, a registry of EVM clients, and the narrow
// client interface used to read balances, send USDC or native transfers and
// check receipts during settlement.
package web3
