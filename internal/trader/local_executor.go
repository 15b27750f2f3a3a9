package trader

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/vault"
)

// LocalExecutor 以交易代理的身份驱动进程内的金库模型，用于模拟交易。
// 每次提交立即原子地执行，确认直接返回记录的结果。
type LocalExecutor struct {
	vault *vault.Vault
	agent common.Address

	mu  sync.Mutex
	seq uint64
}

// NewLocalExecutor 构造 LocalExecutor，agent 通常是 v.TradingAgent()。
func NewLocalExecutor(v *vault.Vault, agent common.Address) (*LocalExecutor, error) {
	if v == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "模拟执行器缺少金库")
	}
	return &LocalExecutor{vault: v, agent: agent}, nil
}

// Submit 执行兑换。金库拒绝的请求以金库的错误码返回。
func (e *LocalExecutor) Submit(ctx context.Context, leg Leg) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(CodeAborted, err, "提交前已取消")
	}
	if err := leg.Validate(); err != nil {
		return nil, err
	}
	amountIn, overflow := uint256.FromBig(leg.AmountIn)
	if overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountIn overflows uint256")
	}
	minOut, overflow := uint256.FromBig(leg.AmountOutMin)
	if overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountOutMin overflows uint256")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.vault.SwapExactIn(e.agent, vault.SwapRequest{
		Route:        leg.Route,
		TokenIn:      leg.TokenIn,
		TokenOut:     leg.TokenOut,
		AmountIn:     amountIn,
		AmountOutMin: minOut,
	})
	if err != nil {
		return nil, err
	}

	nonce := e.seq
	e.seq++
	hash := e.syntheticHash(nonce)
	return &Submission{
		Leg:         leg,
		TxHash:      hash,
		Nonce:       nonce,
		SubmittedAt: time.Now(),
		result: &Confirmation{
			TxHash:      hash,
			BlockNumber: nonce + 1,
			AmountOut:   out.ToBig(),
		},
	}, nil
}

// Confirm 返回提交时记录的结果。
func (e *LocalExecutor) Confirm(ctx context.Context, sub *Submission) (*Confirmation, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(CodeConfirmTimeout, err, "确认已超时")
		}
		return nil, xerrors.Wrap(CodeAborted, err, "确认前已取消")
	}
	if sub == nil || sub.result == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "submission was not produced by this executor")
	}
	conf := *sub.result
	return &conf, nil
}

func (e *LocalExecutor) syntheticHash(nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash(e.vault.Address().Bytes(), e.agent.Bytes(), buf[:])
}
