package ethereum

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource 提供账户的待处理交易计数。
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 独占签名账户的交易序号。同一时刻只有一个租约持有者可以
// 使用序号；首次使用或失败后会从链上重新同步。
type NonceManager struct {
	source  NonceSource
	account common.Address

	sem    chan struct{}
	next   uint64
	synced bool
}

// NewNonceManager 创建管理 account 序号的 NonceManager。
func NewNonceManager(source NonceSource, account common.Address) *NonceManager {
	return &NonceManager{
		source:  source,
		account: account,
		sem:     make(chan struct{}, 1),
	}
}

// Account 返回被管理的账户。
func (m *NonceManager) Account() common.Address { return m.account }

// NonceLease 表示对一个序号的独占使用权，必须以 Commit 或 Discard 结束。
type NonceLease struct {
	m     *NonceManager
	nonce uint64
	done  bool
}

// Nonce 返回租约持有的序号。
func (l *NonceLease) Nonce() uint64 { return l.nonce }

// Commit 表示交易已被节点接受，序号前进一位并释放租约。
func (l *NonceLease) Commit() {
	if l.done {
		return
	}
	l.done = true
	l.m.next = l.nonce + 1
	<-l.m.sem
}

// Discard 表示提交失败，下一次 Acquire 会从链上重新同步。
func (l *NonceLease) Discard() {
	if l.done {
		return
	}
	l.done = true
	l.m.synced = false
	<-l.m.sem
}

// Acquire 等待独占权并返回下一个序号。ctx 结束时放弃等待。
func (m *NonceManager) Acquire(ctx context.Context) (*NonceLease, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !m.synced {
		nonce, err := m.source.PendingNonceAt(ctx, m.account)
		if err != nil {
			<-m.sem
			return nil, fmt.Errorf("同步账户 %s 的 nonce 失败: %w", m.account.Hex(), err)
		}
		m.next = nonce
		m.synced = true
	}
	return &NonceLease{m: m, nonce: m.next}, nil
}

// Reset 丢弃缓存的序号，下一次 Acquire 时从链上同步。
func (m *NonceManager) Reset(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.synced = false
	<-m.sem
	return nil
}
