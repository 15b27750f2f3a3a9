package trader

import (
	xerrors "VaultTrader/internal/errors"
)

const (
	CodeTransport      xerrors.Code = "TRADER_TRANSPORT"
	CodeConfirmTimeout xerrors.Code = "TRADER_CONFIRM_TIMEOUT"
	CodeTxReverted     xerrors.Code = "TRADER_TX_REVERTED"
	CodeLockHeld       xerrors.Code = "TRADER_LOCK_HELD"
	CodeAborted        xerrors.Code = "TRADER_ABORTED"
)

var (
	// ErrTransport 表示交易未能送达节点，或与节点的通信失败。
	ErrTransport = xerrors.New(CodeTransport, "transport failure")
	// ErrConfirmTimeout 表示在确认超时内没有拿到回执。交易可能仍会上链。
	ErrConfirmTimeout = xerrors.New(CodeConfirmTimeout, "confirmation timed out")
	// ErrTxReverted 表示交易已上链但执行失败。
	ErrTxReverted = xerrors.New(CodeTxReverted, "transaction reverted")
	// ErrLockHeld 表示签名凭证的运行锁被其他实例持有。
	ErrLockHeld = xerrors.New(CodeLockHeld, "credential lock held by another instance")
	// ErrAborted 表示进程退出打断了进行中的触发。
	ErrAborted = xerrors.New(CodeAborted, "tick aborted")
)

func init() {
	xerrors.Register(CodeTransport, xerrors.Attributes{
		Message:   "transport failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmTimeout, xerrors.Attributes{
		Message:  "confirmation timed out",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeLockHeld, xerrors.Attributes{
		Message:  "credential lock held by another instance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAborted, xerrors.Attributes{
		Message:  "tick aborted",
		Severity: xerrors.SeverityInfo,
	})
}
