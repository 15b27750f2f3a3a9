package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VaultTrader/internal/errors"
)

// V2Router 是金库调用的 V2 路由接口。路由通过 sender 事先的授权拉取 amountIn，
// 并将产出支付给 recipient；产出低于 amountOutMin 时必须失败。
type V2Router interface {
	Address() common.Address
	SwapExactTokensForTokens(s *State, sender common.Address, amountIn, amountOutMin *uint256.Int, path []common.Address, recipient common.Address) ([]*uint256.Int, error)
}

// ExactInputSingleParams 对应 V3 单池精确输入兑换的参数。
type ExactInputSingleParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	AmountIn         *uint256.Int
	AmountOutMinimum *uint256.Int
}

// V3Router 是金库调用的 V3 路由接口。
type V3Router interface {
	Address() common.Address
	ExactInputSingle(s *State, sender common.Address, params ExactInputSingleParams) (*uint256.Int, error)
}

const (
	feeDenominator = 1_000_000
	// v2FeePPM 为 V2 池固定的 0.3% 手续费。
	v2FeePPM = 3000
)

var (
	_ V2Router = (*PoolRouter)(nil)
	_ V3Router = (*PoolRouter)(nil)
)

// PoolRouter 是进程内的恒定乘积路由，储备金记在路由自身地址上。
// 同时实现两种协议：V2 收取固定手续费，V3 按请求的费率档收取。
type PoolRouter struct {
	address common.Address
}

// NewPoolRouter 创建储备金位于 address 的路由。
func NewPoolRouter(address common.Address) *PoolRouter {
	return &PoolRouter{address: address}
}

// Address 实现 V2Router 与 V3Router。
func (r *PoolRouter) Address() common.Address { return r.address }

// Quote 计算按给定费率兑换的产出，不移动资金。
func (r *PoolRouter) Quote(s *State, tokenIn, tokenOut common.Address, amountIn *uint256.Int, feePPM uint32) (*uint256.Int, error) {
	if feePPM >= feeDenominator {
		return nil, xerrors.New(CodeInvalidRoute, fmt.Sprintf("fee %d exceeds denominator", feePPM))
	}
	reserveIn := s.BalanceOf(tokenIn, r.address)
	reserveOut := s.BalanceOf(tokenOut, r.address)
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, xerrors.New(CodeInsufficientLiquidity, fmt.Sprintf("no reserves for %s/%s", tokenIn.Hex(), tokenOut.Hex()))
	}

	inWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(uint64(feeDenominator-feePPM)))
	if overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount overflow")
	}
	denominator, overflow := new(uint256.Int).MulOverflow(reserveIn, uint256.NewInt(feeDenominator))
	if overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reserve overflow")
	}
	if _, overflow = denominator.AddOverflow(denominator, inWithFee); overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reserve overflow")
	}
	out, overflow := new(uint256.Int).MulDivOverflow(inWithFee, reserveOut, denominator)
	if overflow {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount overflow")
	}
	return out, nil
}

// SwapExactTokensForTokens 实现 V2Router，仅支持两个代币的直连路径。
func (r *PoolRouter) SwapExactTokensForTokens(s *State, sender common.Address, amountIn, amountOutMin *uint256.Int, path []common.Address, recipient common.Address) ([]*uint256.Int, error) {
	if len(path) != 2 {
		return nil, xerrors.New(CodeInvalidRoute, fmt.Sprintf("path of length %d not supported", len(path)))
	}
	out, err := r.swap(s, sender, path[0], path[1], amountIn, amountOutMin, recipient, v2FeePPM)
	if err != nil {
		return nil, err
	}
	return []*uint256.Int{amountIn.Clone(), out}, nil
}

// ExactInputSingle 实现 V3Router。
func (r *PoolRouter) ExactInputSingle(s *State, sender common.Address, params ExactInputSingleParams) (*uint256.Int, error) {
	if params.Fee == 0 || params.Fee >= MaxFeeTier {
		return nil, xerrors.New(CodeInvalidRoute, fmt.Sprintf("fee tier %d not enabled", params.Fee))
	}
	return r.swap(s, sender, params.TokenIn, params.TokenOut, params.AmountIn, params.AmountOutMinimum, params.Recipient, params.Fee)
}

func (r *PoolRouter) swap(s *State, sender, tokenIn, tokenOut common.Address, amountIn, amountOutMin *uint256.Int, recipient common.Address, feePPM uint32) (*uint256.Int, error) {
	out, err := r.Quote(s, tokenIn, tokenOut, amountIn, feePPM)
	if err != nil {
		return nil, err
	}
	if out.IsZero() {
		return nil, xerrors.New(CodeInsufficientLiquidity, "swap output rounds to zero")
	}
	if amountOutMin != nil && out.Lt(amountOutMin) {
		return nil, xerrors.New(CodeInsufficientOutput,
			fmt.Sprintf("router output %s below minimum %s", out.Dec(), amountOutMin.Dec()))
	}
	if err := s.TransferFrom(tokenIn, r.address, sender, r.address, amountIn); err != nil {
		return nil, err
	}
	if err := s.Transfer(tokenOut, r.address, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}
