package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Event 是写入账本的日志。失败的 Atomic 中产生的事件会随余额变更一起回滚。
type Event interface {
	EventName() string
}

// SwapCompleted 在每次成功的 SwapExactIn 中恰好产生一次。
type SwapCompleted struct {
	Vault        common.Address
	Route        Route
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *uint256.Int
	AmountOutMin *uint256.Int
	AmountOut    *uint256.Int
}

func (SwapCompleted) EventName() string { return "SwapCompleted" }

// Transfer 对应 ERC-20 Transfer 事件。
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (Transfer) EventName() string { return "Transfer" }

// Approval 对应 ERC-20 Approval 事件。
type Approval struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (Approval) EventName() string { return "Approval" }

// Deposit 在包装原生资产时产生。
type Deposit struct {
	Wrapper common.Address
	Account common.Address
	Amount  *uint256.Int
}

func (Deposit) EventName() string { return "Deposit" }

// Withdrawal 在解包原生资产时产生。
type Withdrawal struct {
	Wrapper common.Address
	Account common.Address
	Amount  *uint256.Int
}

func (Withdrawal) EventName() string { return "Withdrawal" }

// NativeTransfer 记录账户间的原生资产转移。
type NativeTransfer struct {
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (NativeTransfer) EventName() string { return "NativeTransfer" }

// OwnershipTransferred 由 TransferOwnership 产生。
type OwnershipTransferred struct {
	Vault         common.Address
	PreviousOwner common.Address
	NewOwner      common.Address
}

func (OwnershipTransferred) EventName() string { return "OwnershipTransferred" }

// FilterEvents 按产生顺序返回类型为 T 的事件。
func FilterEvents[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
