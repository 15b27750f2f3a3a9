package vault

import (
	xerrors "VaultTrader/internal/errors"
)

const (
	CodeNotAuthorized         xerrors.Code = "VAULT_NOT_AUTHORIZED"
	CodeInsufficientOutput    xerrors.Code = "VAULT_INSUFFICIENT_OUTPUT"
	CodeInsufficientBalance   xerrors.Code = "VAULT_INSUFFICIENT_BALANCE"
	CodeInsufficientLiquidity xerrors.Code = "VAULT_INSUFFICIENT_LIQUIDITY"
	CodeInvalidRoute          xerrors.Code = "VAULT_INVALID_ROUTE"
)

var (
	// ErrNotAuthorized 表示调用方既不是所有者，兑换时也不是交易代理。
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "Not authorized")
	// ErrInsufficientOutput 表示路由无法满足最小产出。
	ErrInsufficientOutput = xerrors.New(CodeInsufficientOutput, "insufficient output amount")
	// ErrInsufficientBalance 表示 tokenIn 资金不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInsufficientLiquidity 表示池中没有储备。
	ErrInsufficientLiquidity = xerrors.New(CodeInsufficientLiquidity, "insufficient liquidity")
	// ErrInvalidRoute 表示未知路由或非法费率档。
	ErrInvalidRoute = xerrors.New(CodeInvalidRoute, "invalid route")
	// ErrInvalidArgument 覆盖零数量、零地址与相同交易对。
	ErrInvalidArgument = xerrors.New(xerrors.CodeInvalidArgument, "invalid argument")
)

func init() {
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{
		Message:  "Not authorized",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientOutput, xerrors.Attributes{
		Message:   "insufficient output amount",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientLiquidity, xerrors.Attributes{
		Message:   "insufficient liquidity",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidRoute, xerrors.Attributes{
		Message:  "invalid route",
		Severity: xerrors.SeverityInfo,
	})
}
