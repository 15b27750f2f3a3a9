package vault

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VaultTrader/internal/errors"
)

// Config 描述金库部署时确定的参数。
type Config struct {
	Address       common.Address
	Owner         common.Address
	TradingAgent  common.Address
	NativeWrapper common.Address
	RouterV2      V2Router
	RouterV3      V3Router
}

// SwapRequest 是一次 SwapExactIn 调用的参数。
type SwapRequest struct {
	Route        Route
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *uint256.Int
	AmountOutMin *uint256.Int
}

// Vault 持有资金，只允许所有者与交易代理通过受信路由执行兑换。
// 所有状态变更都在 Ledger.Atomic 中完成，失败时整体回滚。
type Vault struct {
	ledger *Ledger

	address       common.Address
	tradingAgent  common.Address
	nativeWrapper common.Address
	routerV2      V2Router
	routerV3      V3Router

	mu    sync.RWMutex
	owner common.Address
}

// New 在给定账本上创建金库。
func New(ledger *Ledger, cfg Config) (*Vault, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger is required")
	}
	zero := common.Address{}
	switch {
	case cfg.Address == zero:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault address is required")
	case cfg.Owner == zero:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner is required")
	case cfg.TradingAgent == zero:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "trading agent is required")
	case cfg.NativeWrapper == zero:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "native wrapper is required")
	case cfg.RouterV2 == nil || cfg.RouterV3 == nil:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "both routers are required")
	}
	return &Vault{
		ledger:        ledger,
		address:       cfg.Address,
		owner:         cfg.Owner,
		tradingAgent:  cfg.TradingAgent,
		nativeWrapper: cfg.NativeWrapper,
		routerV2:      cfg.RouterV2,
		routerV3:      cfg.RouterV3,
	}, nil
}

// Address 返回金库地址。
func (v *Vault) Address() common.Address { return v.address }

// Owner 返回当前所有者。
func (v *Vault) Owner() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.owner
}

// TradingAgent 返回交易代理地址。
func (v *Vault) TradingAgent() common.Address { return v.tradingAgent }

// NativeWrapper 返回原生资产包装代币地址。
func (v *Vault) NativeWrapper() common.Address { return v.nativeWrapper }

// RouteV2 返回 V2 路由地址。
func (v *Vault) RouteV2() common.Address { return v.routerV2.Address() }

// RouteV3 返回 V3 路由地址。
func (v *Vault) RouteV3() common.Address { return v.routerV3.Address() }

// Ledger 返回金库所在的账本。
func (v *Vault) Ledger() *Ledger { return v.ledger }

// canSwap 需在持有 v.mu 时调用。
func (v *Vault) canSwap(caller common.Address) bool {
	return caller == v.owner || caller == v.tradingAgent
}

// SwapExactIn 以 amountIn 的 tokenIn 在指定路由上兑换至少 amountOutMin 的 tokenOut，
// 产出留在金库中，返回实际产出数量。
//
// 金库自身余额不足时，会通过调用方事先授予金库的额度补足差额；
// 补足失败返回 ErrInsufficientBalance。任何失败都不会留下状态或事件。
func (v *Vault) SwapExactIn(caller common.Address, req SwapRequest) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.canSwap(caller) {
		return nil, ErrNotAuthorized
	}
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountIn must be positive")
	}
	if req.TokenIn == (common.Address{}) || req.TokenOut == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "token address is required")
	}
	if req.TokenIn == req.TokenOut {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tokenIn and tokenOut must differ")
	}
	if err := req.Route.Validate(); err != nil {
		return nil, err
	}
	minOut := new(uint256.Int)
	if req.AmountOutMin != nil {
		minOut.Set(req.AmountOutMin)
	}

	var amountOut *uint256.Int
	err := v.ledger.Atomic(func(s *State) error {
		if err := v.fund(s, caller, req.TokenIn, req.AmountIn); err != nil {
			return err
		}

		var (
			out    *uint256.Int
			err    error
			router common.Address
		)
		switch req.Route.Kind {
		case RouteV2:
			router = v.routerV2.Address()
			s.Approve(req.TokenIn, v.address, router, req.AmountIn)
			var amounts []*uint256.Int
			amounts, err = v.routerV2.SwapExactTokensForTokens(s, v.address, req.AmountIn, minOut,
				[]common.Address{req.TokenIn, req.TokenOut}, v.address)
			if err == nil {
				if len(amounts) == 0 {
					return xerrors.New(CodeInsufficientOutput, "router returned no amounts")
				}
				out = amounts[len(amounts)-1]
			}
		case RouteV3:
			router = v.routerV3.Address()
			s.Approve(req.TokenIn, v.address, router, req.AmountIn)
			out, err = v.routerV3.ExactInputSingle(s, v.address, ExactInputSingleParams{
				TokenIn:          req.TokenIn,
				TokenOut:         req.TokenOut,
				Fee:              req.Route.FeeTier,
				Recipient:        v.address,
				AmountIn:         req.AmountIn,
				AmountOutMinimum: minOut,
			})
		}
		if err != nil {
			return err
		}
		// 路由未用完的额度清零。
		s.Approve(req.TokenIn, v.address, router, new(uint256.Int))
		// 路由实现不可信，重新校验最小产出。
		if out == nil || out.Lt(minOut) {
			got := "nil"
			if out != nil {
				got = out.Dec()
			}
			return xerrors.New(CodeInsufficientOutput,
				fmt.Sprintf("output %s below minimum %s", got, minOut.Dec()))
		}

		s.Emit(SwapCompleted{
			Vault:        v.address,
			Route:        req.Route,
			TokenIn:      req.TokenIn,
			TokenOut:     req.TokenOut,
			AmountIn:     req.AmountIn.Clone(),
			AmountOutMin: minOut.Clone(),
			AmountOut:    out.Clone(),
		})
		amountOut = out.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}

// fund 确保金库持有至少 amount 的 token，不足部分从调用方的授权额度中拉取。
func (v *Vault) fund(s *State, caller, token common.Address, amount *uint256.Int) error {
	held := s.BalanceOf(token, v.address)
	if !held.Lt(amount) {
		return nil
	}
	shortfall := new(uint256.Int).Sub(amount, held)
	if err := s.TransferFrom(token, v.address, caller, v.address, shortfall); err != nil {
		return xerrors.Wrap(CodeInsufficientBalance, err,
			fmt.Sprintf("vault holds %s of %s, needs %s", held.Dec(), token.Hex(), amount.Dec()))
	}
	return nil
}

// WithdrawWithUnwrap 将金库持有的全部 token 转给所有者并返回转出数量；
// 若 token 为原生包装代币，则先全部解包再以原生资产转出。仅所有者可调用。
// 余额为零时不做任何操作，也不报错。
func (v *Vault) WithdrawWithUnwrap(caller, token common.Address) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	owner := v.owner
	if caller != owner {
		return nil, ErrNotAuthorized
	}
	if token == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "token address is required")
	}
	var amount *uint256.Int
	err := v.ledger.Atomic(func(s *State) error {
		amount = s.BalanceOf(token, v.address)
		if amount.IsZero() {
			return nil
		}
		if token != v.nativeWrapper {
			return s.Transfer(token, v.address, owner, amount)
		}
		if err := s.Unwrap(v.nativeWrapper, v.address, amount); err != nil {
			return err
		}
		return s.TransferNative(v.address, owner, amount)
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// TransferOwnership 将所有权转给 newOwner，仅所有者可调用。
func (v *Vault) TransferOwnership(caller, newOwner common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotAuthorized
	}
	if newOwner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "new owner is the zero address")
	}
	previous := v.owner
	err := v.ledger.Atomic(func(s *State) error {
		s.Emit(OwnershipTransferred{Vault: v.address, PreviousOwner: previous, NewOwner: newOwner})
		return nil
	})
	if err != nil {
		return err
	}
	v.owner = newOwner
	return nil
}

// Deposit 将 from 持有的 token 转入金库，供资金准备使用。
func (v *Vault) Deposit(from, token common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	return v.ledger.Atomic(func(s *State) error {
		return s.Transfer(token, from, v.address, amount)
	})
}
