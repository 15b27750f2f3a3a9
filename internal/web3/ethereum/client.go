package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"VaultTrader/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	WSURL   string
	ChainID int64
	Notes   string
}

// chainBackend 是客户端依赖的链访问能力，ethclient.Client 与 simulated.Client 均满足。
type chainBackend interface {
	web3.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber
	backend     chainBackend

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
// 配置了 ChainID 时会与节点返回的链 ID 比对。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		eventClient: eventClient,
		backend:     eth,
	}

	if cfg.ChainID != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if id.Cmp(big.NewInt(cfg.ChainID)) != 0 {
			client.Close()
			return nil, fmt.Errorf("链 %s 的链 ID 为 %s，配置为 %d", cfg.Name, id, cfg.ChainID)
		}
	}
	return client, nil
}

// committingBackend 在每次发送交易后出块，让模拟链上的确认等待能够返回。
type committingBackend struct {
	simulated.Client
	sim *simulated.Backend
}

func (b committingBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := b.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	b.sim.Commit()
	return nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing and
// local dry runs. Every submitted transaction is mined immediately.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	backend := committingBackend{Client: sim.Client(), sim: sim}
	return &Client{
		name:        name,
		backend:     backend,
		eventClient: backend,
		notes:       "simulated backend",
	}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string { return c.name }

// Backend exposes the contract backend used by bindings.
func (c *Client) Backend() web3.Backend {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
	c.backend = nil
}

func (c *Client) chain() (chainBackend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	return c.backend, nil
}

// ChainID returns the chain ID, cached after the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.chain()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// PendingNonceAt returns the next nonce for account including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	backend, err := c.chain()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// BalanceAt returns the latest native balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// WaitMined blocks until tx is mined or ctx is done. The caller bounds the
// wait through ctx.
func (c *Client) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if tx == nil {
		return nil, errors.New("交易不能为空")
	}
	backend, err := c.chain()
	if err != nil {
		return nil, err
	}
	return bind.WaitMined(ctx, backend, tx)
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	subscriber := c.eventClient
	c.mu.Unlock()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
