// Package contracts 提供链上 VaultTrader 合约的 go-ethereum 绑定，供交易循环与所有者工具使用。
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// VaultTraderABI 是本仓库用到的合约接口。
const VaultTraderABI = `[
  {"type":"function","name":"swapV2ExactIn","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"}],
   "outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"swapV3ExactIn","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"}],
   "outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"withdrawTokensWithUnwrapIfNecessary","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"transferOwnership","stateMutability":"nonpayable",
   "inputs":[{"name":"newOwner","type":"address"}],"outputs":[]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"swapper","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"routerV2","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"routerV3","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"nativeWrapper","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"SwapCompleted","anonymous":false,
   "inputs":[{"name":"route","type":"uint8","indexed":false},{"name":"tokenIn","type":"address","indexed":true},{"name":"tokenOut","type":"address","indexed":true},{"name":"fee","type":"uint24","indexed":false},{"name":"amountIn","type":"uint256","indexed":false},{"name":"amountOut","type":"uint256","indexed":false}]},
  {"type":"event","name":"OwnershipTransferred","anonymous":false,
   "inputs":[{"name":"previousOwner","type":"address","indexed":true},{"name":"newOwner","type":"address","indexed":true}]}
]`

// ErrNoSwapCompleted 表示回执中没有金库发出的 SwapCompleted 日志。
var ErrNoSwapCompleted = errors.New("receipt has no SwapCompleted event")

// SwapCompleted 是解码后的 SwapCompleted 事件。
type SwapCompleted struct {
	Route     uint8
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       *big.Int
	AmountIn  *big.Int
	AmountOut *big.Int
	Raw       types.Log
}

// VaultTrader 是已部署金库的类型化绑定。
type VaultTrader struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// ParsedABI 返回解析后的合约 ABI。
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(VaultTraderABI))
}

// NewVaultTrader 绑定部署在 address 的金库。
func NewVaultTrader(address common.Address, backend bind.ContractBackend) (*VaultTrader, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("解析 VaultTrader ABI 失败: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &VaultTrader{address: address, abi: parsed, contract: contract}, nil
}

// Address 返回绑定的合约地址。
func (v *VaultTrader) Address() common.Address { return v.address }

// SwapV2ExactIn 发送 swapV2ExactIn 交易。
func (v *VaultTrader) SwapV2ExactIn(opts *bind.TransactOpts, tokenIn, tokenOut common.Address, amountIn, amountOutMin *big.Int) (*types.Transaction, error) {
	return v.contract.Transact(opts, "swapV2ExactIn", tokenIn, tokenOut, amountIn, amountOutMin)
}

// SwapV3ExactIn 以给定的 uint24 费率档发送 swapV3ExactIn 交易。
func (v *VaultTrader) SwapV3ExactIn(opts *bind.TransactOpts, tokenIn, tokenOut common.Address, fee uint32, amountIn, amountOutMin *big.Int) (*types.Transaction, error) {
	return v.contract.Transact(opts, "swapV3ExactIn", tokenIn, tokenOut, new(big.Int).SetUint64(uint64(fee)), amountIn, amountOutMin)
}

// WithdrawTokensWithUnwrapIfNecessary 发送仅所有者可用的提取交易。
func (v *VaultTrader) WithdrawTokensWithUnwrapIfNecessary(opts *bind.TransactOpts, token common.Address) (*types.Transaction, error) {
	return v.contract.Transact(opts, "withdrawTokensWithUnwrapIfNecessary", token)
}

// TransferOwnership 发送 transferOwnership 交易。
func (v *VaultTrader) TransferOwnership(opts *bind.TransactOpts, newOwner common.Address) (*types.Transaction, error) {
	return v.contract.Transact(opts, "transferOwnership", newOwner)
}

// Owner 读取当前所有者。
func (v *VaultTrader) Owner(opts *bind.CallOpts) (common.Address, error) {
	return v.callAddress(opts, "owner")
}

// Swapper 读取交易代理地址。
func (v *VaultTrader) Swapper(opts *bind.CallOpts) (common.Address, error) {
	return v.callAddress(opts, "swapper")
}

// RouterV2 读取 V2 路由地址。
func (v *VaultTrader) RouterV2(opts *bind.CallOpts) (common.Address, error) {
	return v.callAddress(opts, "routerV2")
}

// RouterV3 读取 V3 路由地址。
func (v *VaultTrader) RouterV3(opts *bind.CallOpts) (common.Address, error) {
	return v.callAddress(opts, "routerV3")
}

// NativeWrapper 读取原生包装代币地址。
func (v *VaultTrader) NativeWrapper(opts *bind.CallOpts) (common.Address, error) {
	return v.callAddress(opts, "nativeWrapper")
}

func (v *VaultTrader) callAddress(opts *bind.CallOpts, method string) (common.Address, error) {
	var out []any
	if err := v.contract.Call(opts, &out, method); err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s 返回了 %d 个值", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s 返回了非地址类型 %T", method, out[0])
	}
	return addr, nil
}

// SwapCompletedTopic 返回 SwapCompleted 的事件签名哈希。
func (v *VaultTrader) SwapCompletedTopic() common.Hash {
	return v.abi.Events["SwapCompleted"].ID
}

// ParseSwapCompleted 解码一条 SwapCompleted 日志。
func (v *VaultTrader) ParseSwapCompleted(log types.Log) (*SwapCompleted, error) {
	event := new(SwapCompleted)
	if err := v.contract.UnpackLog(event, "SwapCompleted", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// FindSwapCompleted 返回回执中金库发出的第一条 SwapCompleted 日志。
func (v *VaultTrader) FindSwapCompleted(receipt *types.Receipt) (*SwapCompleted, error) {
	if receipt == nil {
		return nil, ErrNoSwapCompleted
	}
	topic := v.SwapCompletedTopic()
	for _, log := range receipt.Logs {
		if log == nil || log.Address != v.address || len(log.Topics) == 0 || log.Topics[0] != topic {
			continue
		}
		return v.ParseSwapCompleted(*log)
	}
	return nil, ErrNoSwapCompleted
}
