package trader

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/vault"
)

// Side 标识一次触发中的买入或卖出腿。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Leg 描述一次精确输入兑换的全部参数。
type Leg struct {
	Side         Side
	Route        vault.Route
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
}

// Validate 检查腿参数是否可以提交。
func (l Leg) Validate() error {
	if l.Side != SideBuy && l.Side != SideSell {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown side %q", l.Side)
	}
	if l.AmountIn == nil || l.AmountIn.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "amountIn must be positive")
	}
	if l.AmountOutMin == nil || l.AmountOutMin.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "amountOutMin must be set")
	}
	if l.TokenIn == (common.Address{}) || l.TokenOut == (common.Address{}) || l.TokenIn == l.TokenOut {
		return xerrors.New(xerrors.CodeInvalidArgument, "token pair is invalid")
	}
	return l.Route.Validate()
}

// Plan 是交易循环每次触发执行的固定参数。买入腿以 TokenIn 换 TokenOut，
// 卖出腿反向兑换。
type Plan struct {
	Route      vault.Route
	TokenIn    common.Address
	TokenOut   common.Address
	BuyAmount  *big.Int
	BuyMinOut  *big.Int
	SellAmount *big.Int
	SellMinOut *big.Int
}

// Legs 按执行顺序返回买入腿和卖出腿。
func (p Plan) Legs() []Leg {
	return []Leg{
		{
			Side:         SideBuy,
			Route:        p.Route,
			TokenIn:      p.TokenIn,
			TokenOut:     p.TokenOut,
			AmountIn:     p.BuyAmount,
			AmountOutMin: p.BuyMinOut,
		},
		{
			Side:         SideSell,
			Route:        p.Route,
			TokenIn:      p.TokenOut,
			TokenOut:     p.TokenIn,
			AmountIn:     p.SellAmount,
			AmountOutMin: p.SellMinOut,
		},
	}
}

// Validate 检查两条腿的参数。
func (p Plan) Validate() error {
	for _, leg := range p.Legs() {
		if err := leg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Submission 是已被执行器接受的一条腿。
type Submission struct {
	Leg         Leg
	TxHash      common.Hash
	Nonce       uint64
	SubmittedAt time.Time

	tx     *types.Transaction
	result *Confirmation
}

// Confirmation 是一条腿的最终结果。AmountOut 在无法从回执解析时为 nil。
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	AmountOut   *big.Int
}
