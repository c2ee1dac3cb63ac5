package payment

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/web3"
	"LeoPrime-Chain/internal/web3/provider"
)

const nativeDecimals = 18

// ChainGateway 通过 EVM 链上的 USDC 合约付款。
type ChainGateway struct {
	*Simulator

	chain   provider.Chain
	key     *ecdsa.PrivateKey
	account common.Address
	token   common.Address
	now     func() time.Time
}

// NewChainGateway 创建链上支付网关。私钥缺失属于配置错误。
func NewChainGateway(chain provider.Chain, key *ecdsa.PrivateKey, sim *Simulator) (*ChainGateway, error) {
	if chain.Client == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "链客户端未初始化")
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 WALLET_PRIVATE_KEY")
	}
	if sim == nil {
		sim = NewSimulator(WithExplorer(chain.Definition, chain.Name))
	}
	gw := &ChainGateway{
		Simulator: sim,
		chain:     chain,
		key:       key,
		account:   crypto.PubkeyToAddress(key.PublicKey),
		now:       time.Now,
	}
	if addr := strings.TrimSpace(chain.Definition.USDCAddress); addr != "" {
		gw.token = common.HexToAddress(addr)
	}
	return gw, nil
}

// Address 返回付款账户地址。
func (g *ChainGateway) Address() string { return g.account.Hex() }

// Balances 查询 USDC 与 gas 资产余额。
func (g *ChainGateway) Balances(ctx context.Context) (Balances, error) {
	out := Balances{Address: g.account.Hex(), Network: g.chain.Name, Currency: "USDC"}

	snapshot, err := g.chain.Client.Snapshot(ctx)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "查询链信息失败")
	}
	out.Chain = &snapshot

	wei, err := g.chain.Client.NativeBalance(ctx, g.account)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "查询 gas 余额失败")
	}
	out.Gas = web3.FromBaseUnits(wei, nativeDecimals)

	if g.token == (common.Address{}) {
		return out, nil
	}
	decimals, err := g.chain.Client.TokenDecimals(ctx, g.token)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "查询 USDC 精度失败")
	}
	units, err := g.chain.Client.TokenBalance(ctx, g.token, g.account)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "查询 USDC 余额失败")
	}
	out.Amount = web3.FromBaseUnits(units, decimals)
	return out, nil
}

// Pay 发送 USDC transfer 交易，不等待上链确认。
func (g *ChainGateway) Pay(ctx context.Context, req Request) (Receipt, error) {
	if g.token == (common.Address{}) {
		return Receipt{}, xerrors.Newf(xerrors.CodeConfiguration, "链 %s 未配置 USDC 合约地址", g.chain.Name)
	}
	if !common.IsHexAddress(req.Recipient) {
		return Receipt{}, xerrors.Newf(xerrors.CodeInvalidArgument, "收款地址无效: %s", req.Recipient)
	}
	decimals, err := g.chain.Client.TokenDecimals(ctx, g.token)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, "查询 USDC 精度失败")
	}
	units, err := web3.ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "支付金额无效")
	}
	hash, err := g.chain.Client.TransferToken(ctx, g.key, g.token, common.HexToAddress(req.Recipient), units)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, "发送 USDC 转账失败")
	}
	return Receipt{
		TxHash:      hash.Hex(),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Recipient:   req.Recipient,
		ExplorerURL: g.chain.Definition.TxURL(hash.Hex()),
		SubmittedAt: g.now().UTC(),
	}, nil
}

// Confirm 查询交易回执。
func (g *ChainGateway) Confirm(ctx context.Context, txHash string) (model.TxStatus, error) {
	status, err := g.chain.Client.ReceiptStatus(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeAdapterFailure, err, "查询交易回执失败")
	}
	switch status {
	case web3.ReceiptSuccess:
		return model.TxConfirmed, nil
	case web3.ReceiptFailed:
		return model.TxFailed, nil
	default:
		return model.TxPending, nil
	}
}
