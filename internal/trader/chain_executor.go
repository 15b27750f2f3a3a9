package trader

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/vault"
	"VaultTrader/internal/web3/contracts"
	"VaultTrader/internal/web3/ethereum"
	"VaultTrader/pkg/logger"
)

// SwapContract 是 ChainExecutor 需要的金库合约能力，contracts.VaultTrader 满足该接口。
type SwapContract interface {
	Address() common.Address
	SwapV2ExactIn(opts *bind.TransactOpts, tokenIn, tokenOut common.Address, amountIn, amountOutMin *big.Int) (*types.Transaction, error)
	SwapV3ExactIn(opts *bind.TransactOpts, tokenIn, tokenOut common.Address, fee uint32, amountIn, amountOutMin *big.Int) (*types.Transaction, error)
	FindSwapCompleted(receipt *types.Receipt) (*contracts.SwapCompleted, error)
}

// ReceiptWaiter 等待交易上链，web3.Client 满足该接口。
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// ChainExecutor 通过已部署的金库合约执行兑换。签名账户必须是合约的交易代理或所有者。
type ChainExecutor struct {
	contract SwapContract
	waiter   ReceiptWaiter
	nonces   *ethereum.NonceManager
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger
}

// ChainOption 定义可选配置。
type ChainOption func(*ChainExecutor)

// WithGasLimit 使用固定的 gas 上限，不再预估。
func WithGasLimit(limit uint64) ChainOption {
	return func(e *ChainExecutor) {
		e.gasLimit = limit
	}
}

// WithChainLogger 指定日志输出。
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(e *ChainExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewChainExecutor 构造 ChainExecutor。nonces 必须管理 key 对应的账户。
func NewChainExecutor(contract SwapContract, waiter ReceiptWaiter, nonces *ethereum.NonceManager, key *ecdsa.PrivateKey, chainID *big.Int, opts ...ChainOption) (*ChainExecutor, error) {
	if contract == nil || waiter == nil || nonces == nil || key == nil || chainID == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链上执行器缺少依赖")
	}
	e := &ChainExecutor{
		contract: contract,
		waiter:   waiter,
		nonces:   nonces,
		key:      key,
		chainID:  new(big.Int).Set(chainID),
		logger:   logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Submit 使用 nonce 管理器分配的序号签名并发送兑换交易。
// 发送失败时序号会从链上重新同步；ctx 的截止时间到期按通信失败处理。
func (e *ChainExecutor) Submit(ctx context.Context, leg Leg) (*Submission, error) {
	if err := leg.Validate(); err != nil {
		return nil, err
	}

	lease, err := e.nonces.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, xerrors.Wrap(CodeTransport, err, "获取 nonce 超时")
		case ctx.Err() != nil:
			return nil, xerrors.Wrap(CodeAborted, err, "等待 nonce 时被取消")
		}
		return nil, xerrors.Wrap(CodeTransport, err, "获取 nonce 失败")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		lease.Discard()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构造交易签名器失败")
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(lease.Nonce())
	opts.GasLimit = e.gasLimit

	var tx *types.Transaction
	switch leg.Route.Kind {
	case vault.RouteV2:
		tx, err = e.contract.SwapV2ExactIn(opts, leg.TokenIn, leg.TokenOut, leg.AmountIn, leg.AmountOutMin)
	case vault.RouteV3:
		tx, err = e.contract.SwapV3ExactIn(opts, leg.TokenIn, leg.TokenOut, leg.Route.FeeTier, leg.AmountIn, leg.AmountOutMin)
	default:
		err = vault.ErrInvalidRoute
	}
	if err != nil {
		lease.Discard()
		return nil, classifySendError(ctx, leg, err)
	}
	lease.Commit()

	e.logger.Info("兑换交易已提交",
		slog.String("side", string(leg.Side)),
		slog.String("route", leg.Route.String()),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)
	return &Submission{
		Leg:         leg,
		TxHash:      tx.Hash(),
		Nonce:       tx.Nonce(),
		SubmittedAt: time.Now(),
		tx:          tx,
	}, nil
}

// Confirm 等待回执。ctx 的截止时间即确认超时。
func (e *ChainExecutor) Confirm(ctx context.Context, sub *Submission) (*Confirmation, error) {
	if sub == nil || sub.tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "submission was not produced by this executor")
	}
	hash := sub.TxHash.Hex()

	receipt, err := e.waiter.WaitMined(ctx, sub.tx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, xerrors.Wrap(CodeConfirmTimeout, err, fmt.Sprintf("等待交易 %s 确认超时", hash),
				xerrors.WithMetadata("tx_hash", hash))
		case errors.Is(err, context.Canceled):
			return nil, xerrors.Wrap(CodeAborted, err, "等待确认时被取消", xerrors.WithMetadata("tx_hash", hash))
		default:
			return nil, xerrors.Wrap(CodeTransport, err, fmt.Sprintf("查询交易 %s 回执失败", hash),
				xerrors.WithMetadata("tx_hash", hash))
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeTxReverted, fmt.Sprintf("交易 %s 执行失败", hash),
			xerrors.WithMetadata("tx_hash", hash),
			xerrors.WithMetadata("block", receipt.BlockNumber.String()))
	}

	conf := &Confirmation{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	event, err := e.contract.FindSwapCompleted(receipt)
	switch {
	case err == nil:
		conf.AmountOut = event.AmountOut
	case errors.Is(err, contracts.ErrNoSwapCompleted):
		e.logger.Warn("回执中没有 SwapCompleted 事件", slog.String("tx_hash", hash))
	default:
		e.logger.Warn("解析 SwapCompleted 事件失败", slog.String("tx_hash", hash), slog.Any("error", err))
	}
	return conf, nil
}

// classifySendError 区分预估阶段的合约回滚与通信失败。
func classifySendError(ctx context.Context, leg Leg, err error) error {
	side := xerrors.WithMetadata("side", string(leg.Side))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(CodeTransport, err, "发送交易超时，节点无响应", side)
	}
	if ctx.Err() != nil {
		return xerrors.Wrap(CodeAborted, err, "提交交易时被取消", side)
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return xerrors.Wrap(CodeTxReverted, err, "交易预估失败，合约拒绝执行", side)
	}
	return xerrors.Wrap(CodeTransport, err, "发送交易失败", side)
}
