package trader

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/storage/mysql"
	"VaultTrader/internal/vault"
	"VaultTrader/internal/web3/contracts"
	"VaultTrader/internal/web3/ethereum"
)

type swapCall struct {
	v3       bool
	fee      uint32
	nonce    uint64
	gasLimit uint64
	amountIn *big.Int
	minOut   *big.Int
}

type fakeContract struct {
	address common.Address
	calls   []swapCall
	sendErr error
	event   *contracts.SwapCompleted
	// hang 模拟接受连接但从不响应的节点。
	hang bool
}

func (f *fakeContract) Address() common.Address { return f.address }

func (f *fakeContract) send(opts *bind.TransactOpts, call swapCall) (*types.Transaction, error) {
	call.nonce = opts.Nonce.Uint64()
	call.gasLimit = opts.GasLimit
	f.calls = append(f.calls, call)
	if f.hang {
		<-opts.Context.Done()
		return nil, opts.Context.Err()
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	to := f.address
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    call.nonce,
		To:       &to,
		Gas:      200000,
		GasPrice: big.NewInt(1),
	})
	return opts.Signer(opts.From, tx)
}

func (f *fakeContract) SwapV2ExactIn(opts *bind.TransactOpts, _, _ common.Address, amountIn, amountOutMin *big.Int) (*types.Transaction, error) {
	return f.send(opts, swapCall{amountIn: amountIn, minOut: amountOutMin})
}

func (f *fakeContract) SwapV3ExactIn(opts *bind.TransactOpts, _, _ common.Address, fee uint32, amountIn, amountOutMin *big.Int) (*types.Transaction, error) {
	return f.send(opts, swapCall{v3: true, fee: fee, amountIn: amountIn, minOut: amountOutMin})
}

func (f *fakeContract) FindSwapCompleted(*types.Receipt) (*contracts.SwapCompleted, error) {
	if f.event == nil {
		return nil, contracts.ErrNoSwapCompleted
	}
	return f.event, nil
}

type fakeWaiter struct {
	receipt *types.Receipt
	err     error
}

func (f *fakeWaiter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.receipt == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	receipt := *f.receipt
	receipt.TxHash = tx.Hash()
	return &receipt, nil
}

type countingNonceSource struct {
	nonce uint64
	calls int
}

func (c *countingNonceSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.calls++
	return c.nonce, nil
}

func newTestChainExecutor(t *testing.T, contract *fakeContract, waiter *fakeWaiter, source *countingNonceSource) *ChainExecutor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	nonces := ethereum.NewNonceManager(source, crypto.PubkeyToAddress(key.PublicKey))
	exec, err := NewChainExecutor(contract, waiter, nonces, key, big.NewInt(1337), WithGasLimit(300000))
	require.NoError(t, err)
	return exec
}

func successReceipt(block int64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(block),
		GasUsed:     21000,
	}
}

func TestChainExecutorAssignsSequentialNonces(t *testing.T) {
	contract := &fakeContract{address: vaultAddr}
	source := &countingNonceSource{nonce: 5}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{receipt: successReceipt(10)}, source)

	plan := testPlan(100, 99, 99, 98)
	legs := plan.Legs()

	buy, err := exec.Submit(context.Background(), legs[0])
	require.NoError(t, err)
	sell, err := exec.Submit(context.Background(), legs[1])
	require.NoError(t, err)

	require.Equal(t, uint64(5), buy.Nonce)
	require.Equal(t, uint64(6), sell.Nonce)
	require.Equal(t, 1, source.calls)
	require.Len(t, contract.calls, 2)
	require.Equal(t, uint64(300000), contract.calls[0].gasLimit)
	require.Equal(t, "100", contract.calls[0].amountIn.String())
	require.Equal(t, "98", contract.calls[1].minOut.String())
}

func TestChainExecutorPassesV3Fee(t *testing.T) {
	contract := &fakeContract{address: vaultAddr}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{}, &countingNonceSource{})

	leg := Leg{
		Side:         SideBuy,
		Route:        vault.Route{Kind: vault.RouteV3, FeeTier: 3000},
		TokenIn:      tokenA,
		TokenOut:     tokenB,
		AmountIn:     big.NewInt(10),
		AmountOutMin: big.NewInt(1),
	}
	_, err := exec.Submit(context.Background(), leg)
	require.NoError(t, err)
	require.Len(t, contract.calls, 1)
	require.True(t, contract.calls[0].v3)
	require.Equal(t, uint32(3000), contract.calls[0].fee)
}

func TestChainExecutorSendFailureResyncsNonce(t *testing.T) {
	contract := &fakeContract{address: vaultAddr, sendErr: errors.New("connection refused")}
	source := &countingNonceSource{nonce: 5}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{}, source)
	leg := testPlan(100, 99, 99, 98).Legs()[0]

	_, err := exec.Submit(context.Background(), leg)
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, xerrors.ShouldAlert(err))

	contract.sendErr = errors.New("execution reverted: MIN_OUT")
	source.nonce = 9
	_, err = exec.Submit(context.Background(), leg)
	require.ErrorIs(t, err, ErrTxReverted)
	require.Equal(t, 2, source.calls)
	require.Equal(t, uint64(9), contract.calls[1].nonce)

	contract.sendErr = nil
	sub, err := exec.Submit(context.Background(), leg)
	require.NoError(t, err)
	require.Equal(t, uint64(9), sub.Nonce)
}

func TestChainExecutorSubmitCancelled(t *testing.T) {
	contract := &fakeContract{address: vaultAddr, sendErr: context.Canceled}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{}, &countingNonceSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Submit(ctx, testPlan(100, 99, 99, 98).Legs()[0])
	require.ErrorIs(t, err, ErrAborted)
	require.False(t, xerrors.ShouldAlert(err))
}

func TestChainExecutorSubmitDeadlineIsTransport(t *testing.T) {
	contract := &fakeContract{address: vaultAddr, hang: true}
	source := &countingNonceSource{nonce: 3}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{}, source)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Submit(ctx, testPlan(100, 99, 99, 98).Legs()[0])
	require.ErrorIs(t, err, ErrTransport)

	// 超时后序号需要重新同步。
	contract.hang = false
	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)
	require.Equal(t, uint64(3), sub.Nonce)
	require.Equal(t, 2, source.calls)
}

func TestTickWithUnresponsiveNodeIsBounded(t *testing.T) {
	contract := &fakeContract{address: vaultAddr, hang: true}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{receipt: successReceipt(1)}, &countingNonceSource{})
	alerts := &recordingDispatcher{}
	tr, err := New(exec, testPlan(100, 99, 99, 98), 200*time.Millisecond,
		WithSubmitTimeout(50*time.Millisecond), WithAlertDispatcher(alerts))
	require.NoError(t, err)

	done := make(chan struct{})
	var record mysql.TickRecord
	go func() {
		defer close(done)
		record, err = tr.RunTick(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tick did not finish while the node was unresponsive")
	}
	require.ErrorIs(t, err, ErrTransport)
	require.Len(t, record.Legs, 1)
	require.Empty(t, record.Legs[0].TxHash)
	require.Len(t, alerts.Events(), 1)
	require.Equal(t, stageSubmit, alerts.Events()[0].Stage)
}

func TestChainExecutorConfirmReadsSwapEvent(t *testing.T) {
	contract := &fakeContract{
		address: vaultAddr,
		event:   &contracts.SwapCompleted{AmountOut: big.NewInt(97)},
	}
	exec := newTestChainExecutor(t, contract, &fakeWaiter{receipt: successReceipt(42)}, &countingNonceSource{})

	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)
	conf, err := exec.Confirm(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, uint64(42), conf.BlockNumber)
	require.Equal(t, sub.TxHash, conf.TxHash)
	require.Equal(t, "97", conf.AmountOut.String())
	require.Equal(t, uint64(21000), conf.GasUsed)
}

func TestChainExecutorConfirmWithoutEvent(t *testing.T) {
	exec := newTestChainExecutor(t, &fakeContract{address: vaultAddr}, &fakeWaiter{receipt: successReceipt(3)}, &countingNonceSource{})
	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)

	conf, err := exec.Confirm(context.Background(), sub)
	require.NoError(t, err)
	require.Nil(t, conf.AmountOut)
}

func TestChainExecutorConfirmReverted(t *testing.T) {
	receipt := successReceipt(42)
	receipt.Status = types.ReceiptStatusFailed
	exec := newTestChainExecutor(t, &fakeContract{address: vaultAddr}, &fakeWaiter{receipt: receipt}, &countingNonceSource{})

	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)
	_, err = exec.Confirm(context.Background(), sub)
	require.ErrorIs(t, err, ErrTxReverted)
}

func TestChainExecutorConfirmTimeout(t *testing.T) {
	exec := newTestChainExecutor(t, &fakeContract{address: vaultAddr}, &fakeWaiter{}, &countingNonceSource{})
	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = exec.Confirm(ctx, sub)
	require.ErrorIs(t, err, ErrConfirmTimeout)
	require.True(t, xerrors.ShouldAlert(err))
}

func TestChainExecutorConfirmTransportError(t *testing.T) {
	exec := newTestChainExecutor(t, &fakeContract{address: vaultAddr}, &fakeWaiter{err: errors.New("rpc unavailable")}, &countingNonceSource{})
	sub, err := exec.Submit(context.Background(), testPlan(100, 99, 99, 98).Legs()[0])
	require.NoError(t, err)

	_, err = exec.Confirm(context.Background(), sub)
	require.ErrorIs(t, err, ErrTransport)

	_, err = exec.Confirm(context.Background(), &Submission{})
	require.Error(t, err)
}

func TestNewChainExecutorRequiresDependencies(t *testing.T) {
	_, err := NewChainExecutor(nil, &fakeWaiter{}, nil, nil, big.NewInt(1))
	require.Error(t, err)
}
