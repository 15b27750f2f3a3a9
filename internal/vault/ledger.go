package vault

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VaultTrader/internal/errors"
)

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// State 是交给 Ledger.Atomic 回调的可变视图，每次写入都会记录日志以便回滚。
type State struct {
	tokens     map[common.Address]map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	native     map[common.Address]*uint256.Int
	logs       []Event
	journal    []func()
}

func newState() *State {
	return &State{
		tokens:     make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		native:     make(map[common.Address]*uint256.Int),
	}
}

// Snapshot 返回当前日志位置。
func (s *State) Snapshot() int {
	return len(s.journal)
}

// RevertToSnapshot 撤销快照之后的所有写入。
func (s *State) RevertToSnapshot(id int) {
	if id < 0 || id > len(s.journal) {
		panic(fmt.Sprintf("vault: invalid snapshot %d (journal length %d)", id, len(s.journal)))
	}
	for i := len(s.journal) - 1; i >= id; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:id]
}

// BalanceOf 返回 holder 持有 token 的余额副本。
func (s *State) BalanceOf(token, holder common.Address) *uint256.Int {
	if bal, ok := s.tokens[token][holder]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (s *State) setBalance(token, holder common.Address, value *uint256.Int) {
	holders, ok := s.tokens[token]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		s.tokens[token] = holders
	}
	prev, existed := holders[holder]
	s.journal = append(s.journal, func() {
		if existed {
			holders[holder] = prev
		} else {
			delete(holders, holder)
		}
	})
	holders[holder] = value.Clone()
}

// Allowance 返回 spender 可从 owner 处划转的额度。
func (s *State) Allowance(token, owner, spender common.Address) *uint256.Int {
	if v, ok := s.allowances[allowanceKey{token, owner, spender}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Approve 设置 spender 对 owner 余额的授权额度。
func (s *State) Approve(token, owner, spender common.Address, amount *uint256.Int) {
	s.setAllowance(allowanceKey{token, owner, spender}, amount)
	s.Emit(Approval{Token: token, Owner: owner, Spender: spender, Amount: amount.Clone()})
}

// Mint 向账户增发代币。
func (s *State) Mint(token, to common.Address, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(s.BalanceOf(token, to), amount)
	if overflow {
		return xerrors.New(xerrors.CodeInvalidArgument, "balance overflow")
	}
	s.setBalance(token, to, next)
	s.Emit(Transfer{Token: token, From: common.Address{}, To: to, Amount: amount.Clone()})
	return nil
}

// Transfer 在两个持有人之间转移代币。
func (s *State) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	bal := s.BalanceOf(token, from)
	if bal.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("%s holds %s of %s, needs %s", from.Hex(), bal.Dec(), token.Hex(), amount.Dec()))
	}
	if from != to {
		s.setBalance(token, from, new(uint256.Int).Sub(bal, amount))
		next, overflow := new(uint256.Int).AddOverflow(s.BalanceOf(token, to), amount)
		if overflow {
			return xerrors.New(xerrors.CodeInvalidArgument, "balance overflow")
		}
		s.setBalance(token, to, next)
	}
	s.Emit(Transfer{Token: token, From: from, To: to, Amount: amount.Clone()})
	return nil
}

// TransferFrom 代表 from 转移代币并扣减 spender 的额度。
// 额度为 MaxUint256 时视为无限。
func (s *State) TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error {
	allowance := s.Allowance(token, from, spender)
	if allowance.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("allowance %s of %s to %s below %s", allowance.Dec(), from.Hex(), spender.Hex(), amount.Dec()))
	}
	if err := s.Transfer(token, from, to, amount); err != nil {
		return err
	}
	if !allowance.Eq(maxUint256) {
		s.setAllowance(allowanceKey{token, from, spender}, new(uint256.Int).Sub(allowance, amount))
	}
	return nil
}

func (s *State) setAllowance(key allowanceKey, value *uint256.Int) {
	prev, existed := s.allowances[key]
	s.journal = append(s.journal, func() {
		if existed {
			s.allowances[key] = prev
		} else {
			delete(s.allowances, key)
		}
	})
	s.allowances[key] = value.Clone()
}

// NativeBalance 返回账户的原生资产余额。
func (s *State) NativeBalance(account common.Address) *uint256.Int {
	if v, ok := s.native[account]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (s *State) setNative(account common.Address, value *uint256.Int) {
	prev, existed := s.native[account]
	s.journal = append(s.journal, func() {
		if existed {
			s.native[account] = prev
		} else {
			delete(s.native, account)
		}
	})
	s.native[account] = value.Clone()
}

// AddNative 为账户增加原生资产，相当于出块奖励或水龙头。
func (s *State) AddNative(account common.Address, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(s.NativeBalance(account), amount)
	if overflow {
		return xerrors.New(xerrors.CodeInvalidArgument, "native balance overflow")
	}
	s.setNative(account, next)
	return nil
}

// TransferNative 在账户之间转移原生资产。
func (s *State) TransferNative(from, to common.Address, amount *uint256.Int) error {
	bal := s.NativeBalance(from)
	if bal.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("%s holds %s native, needs %s", from.Hex(), bal.Dec(), amount.Dec()))
	}
	if from != to {
		s.setNative(from, new(uint256.Int).Sub(bal, amount))
		if err := s.AddNative(to, amount); err != nil {
			return err
		}
	}
	s.Emit(NativeTransfer{From: from, To: to, Amount: amount.Clone()})
	return nil
}

// Wrap 将账户的原生资产按 1:1 包装为代币。
func (s *State) Wrap(wrapper, account common.Address, amount *uint256.Int) error {
	bal := s.NativeBalance(account)
	if bal.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance, "native balance below wrap amount")
	}
	s.setNative(account, new(uint256.Int).Sub(bal, amount))
	next, overflow := new(uint256.Int).AddOverflow(s.BalanceOf(wrapper, account), amount)
	if overflow {
		return xerrors.New(xerrors.CodeInvalidArgument, "balance overflow")
	}
	s.setBalance(wrapper, account, next)
	s.Emit(Deposit{Wrapper: wrapper, Account: account, Amount: amount.Clone()})
	return nil
}

// Unwrap 销毁账户持有的包装代币并按 1:1 返还原生资产。
func (s *State) Unwrap(wrapper, account common.Address, amount *uint256.Int) error {
	bal := s.BalanceOf(wrapper, account)
	if bal.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance, "wrapped balance below unwrap amount")
	}
	s.setBalance(wrapper, account, new(uint256.Int).Sub(bal, amount))
	if err := s.AddNative(account, amount); err != nil {
		return err
	}
	s.Emit(Withdrawal{Wrapper: wrapper, Account: account, Amount: amount.Clone()})
	return nil
}

// Emit 追加一条事件。
func (s *State) Emit(ev Event) {
	n := len(s.logs)
	s.journal = append(s.journal, func() { s.logs = s.logs[:n] })
	s.logs = append(s.logs, ev)
}

// Logs 返回目前为止全部事件的副本。
func (s *State) Logs() []Event {
	return append([]Event(nil), s.logs...)
}

var maxUint256 = new(uint256.Int).SetAllOne()

// MaxAmount 返回表示无限授权的数值。
func MaxAmount() *uint256.Int { return maxUint256.Clone() }

// Ledger 是金库运行的执行环境。操作串行执行，Atomic 提供全部成功或全部回滚的语义。
type Ledger struct {
	mu    sync.Mutex
	state *State
}

// NewLedger 返回空账本。
func NewLedger() *Ledger {
	return &Ledger{state: newState()}
}

// Atomic 以独占方式执行 fn；fn 返回错误或 panic 时，其全部写入（包括事件）都会被回滚，
// panic 在回滚后继续向上传播。
func (l *Ledger) Atomic(fn func(*State) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.state.Snapshot()
	committed := false
	defer func() {
		if !committed {
			l.state.RevertToSnapshot(snap)
		}
	}()

	if err := fn(l.state); err != nil {
		return err
	}
	l.state.journal = l.state.journal[:snap]
	committed = true
	return nil
}

// View 以只读方式执行 fn。
func (l *Ledger) View(fn func(*State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.state)
}

// BalanceOf 返回 holder 的 token 余额。
func (l *Ledger) BalanceOf(token, holder common.Address) *uint256.Int {
	var out *uint256.Int
	l.View(func(s *State) { out = s.BalanceOf(token, holder) })
	return out
}

// NativeBalance 返回账户的原生资产余额。
func (l *Ledger) NativeBalance(account common.Address) *uint256.Int {
	var out *uint256.Int
	l.View(func(s *State) { out = s.NativeBalance(account) })
	return out
}

// Allowance 返回 spender 对 owner 的授权额度。
func (l *Ledger) Allowance(token, owner, spender common.Address) *uint256.Int {
	var out *uint256.Int
	l.View(func(s *State) { out = s.Allowance(token, owner, spender) })
	return out
}

// Logs 返回已提交的全部事件。
func (l *Ledger) Logs() []Event {
	var out []Event
	l.View(func(s *State) { out = s.Logs() })
	return out
}
