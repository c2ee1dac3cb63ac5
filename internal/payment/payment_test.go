package payment

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/web3"
	"LeoPrime-Chain/internal/web3/provider"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func TestSimulatorProducesSyntheticReceipt(t *testing.T) {
	sim := NewSimulator(WithDelay(0))
	receipt, err := sim.Simulate(context.Background(), Request{Service: model.ServiceVoyage, Amount: 0.5, Currency: "USDC", Recipient: "0xabc"})
	require.NoError(t, err)

	assert.Regexp(t, txHashPattern, receipt.TxHash)
	assert.True(t, receipt.Simulated)
	assert.Equal(t, "https://basescan.org/tx/"+receipt.TxHash, receipt.ExplorerURL)
	assert.InDelta(t, 0.5, receipt.Amount, 1e-9)

	again, err := sim.Simulate(context.Background(), Request{Service: model.ServiceVoyage})
	require.NoError(t, err)
	assert.NotEqual(t, receipt.TxHash, again.TxHash)

	_, err = sim.Pay(context.Background(), Request{})
	assert.Equal(t, xerrors.CodePaymentFailure, xerrors.CodeOf(err))
}

func TestSimulatorDelayHonoursCancellation(t *testing.T) {
	sim := NewSimulator(WithDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Simulate(ctx, Request{Service: model.ServiceCDP})
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
}

type stubChain struct {
	nativeWei   *big.Int
	tokenUnits  *big.Int
	decimals    uint8
	sentAmount  *big.Int
	sentTo      common.Address
	statuses    []web3.ReceiptStatus
	statusCalls atomic.Int32
}

func (s *stubChain) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "base", ChainID: "8453"}, nil
}
func (s *stubChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return s.nativeWei, nil
}
func (s *stubChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.tokenUnits, nil
}
func (s *stubChain) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return s.decimals, nil
}
func (s *stubChain) TransferToken(_ context.Context, _ *ecdsa.PrivateKey, _ common.Address, to common.Address, amount *big.Int) (common.Hash, error) {
	s.sentTo = to
	s.sentAmount = amount
	return common.HexToHash("0x01"), nil
}
func (s *stubChain) ReceiptStatus(context.Context, common.Hash) (web3.ReceiptStatus, error) {
	idx := int(s.statusCalls.Add(1)) - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return s.statuses[idx], nil
}
func (s *stubChain) Close() {}

func newTestGateway(t *testing.T, chain *stubChain) *ChainGateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gw, err := NewChainGateway(provider.Chain{
		Name:   "base",
		Client: chain,
		Definition: web3.ChainDefinition{
			USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			ExplorerURL: "https://basescan.org",
		},
	}, key, NewSimulator(WithDelay(0)))
	require.NoError(t, err)
	return gw
}

func TestChainGatewayBalancesAndPay(t *testing.T) {
	chain := &stubChain{
		nativeWei:  big.NewInt(20_000_000_000_000),
		tokenUnits: big.NewInt(3_500_000),
		decimals:   6,
	}
	gw := newTestGateway(t, chain)

	balances, err := gw.Balances(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.5, balances.Amount, 1e-9)
	assert.InDelta(t, 0.00002, balances.Gas, 1e-12)
	assert.Equal(t, gw.Address(), balances.Address)
	require.NotNil(t, balances.Chain)
	assert.Equal(t, "8453", balances.Chain.ChainID)

	recipient := "0x742d35Cc6634C0532925a3b844Bc9e7595f12AB3"
	receipt, err := gw.Pay(context.Background(), Request{Service: model.ServiceVoyage, Recipient: recipient, Amount: 0.5, Currency: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500_000), chain.sentAmount)
	assert.Equal(t, common.HexToAddress(recipient), chain.sentTo)
	assert.False(t, receipt.Simulated)
	assert.Equal(t, "https://basescan.org/tx/"+receipt.TxHash, receipt.ExplorerURL)

	_, err = gw.Pay(context.Background(), Request{Recipient: "not-an-address", Amount: 0.5})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestNewChainGatewayRequiresKey(t *testing.T) {
	_, err := NewChainGateway(provider.Chain{Client: &stubChain{}}, nil, nil)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestWaitForConfirmationPolls(t *testing.T) {
	chain := &stubChain{statuses: []web3.ReceiptStatus{web3.ReceiptPending, web3.ReceiptPending, web3.ReceiptSuccess}}
	gw := newTestGateway(t, chain)

	status, err := WaitForConfirmation(context.Background(), gw, "0x01", time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.TxConfirmed, status)
	assert.EqualValues(t, 3, chain.statusCalls.Load())
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	chain := &stubChain{statuses: []web3.ReceiptStatus{web3.ReceiptPending}}
	gw := newTestGateway(t, chain)

	status, err := WaitForConfirmation(context.Background(), gw, "0x01", time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, model.TxPending, status)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestWaitForConfirmationReportsFailure(t *testing.T) {
	chain := &stubChain{statuses: []web3.ReceiptStatus{web3.ReceiptFailed}}
	gw := newTestGateway(t, chain)

	status, err := WaitForConfirmation(context.Background(), gw, "0x01", time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, status)
}
