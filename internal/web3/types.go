package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for the wallet view.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// ReceiptStatus is the settlement state of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Client defines the chain operations the payment layer needs: balances of
// the gas asset and of an ERC-20 token, signed transfers, and receipt
// lookups for settlement checks.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error)
	ReceiptStatus(ctx context.Context, hash common.Hash) (ReceiptStatus, error)
	Close()
}
