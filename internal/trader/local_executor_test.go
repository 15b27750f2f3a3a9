package trader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"VaultTrader/internal/vault"
)

func TestLocalExecutorSubmitAndConfirm(t *testing.T) {
	v := newPaperVault(t)
	exec, err := NewLocalExecutor(v, agentAddr)
	require.NoError(t, err)

	legs := testPlan(100, 1, 50, 1).Legs()
	first, err := exec.Submit(context.Background(), legs[0])
	require.NoError(t, err)
	second, err := exec.Submit(context.Background(), legs[1])
	require.NoError(t, err)

	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, uint64(1), second.Nonce)
	require.NotEqual(t, first.TxHash, second.TxHash)

	conf, err := exec.Confirm(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, first.TxHash, conf.TxHash)
	require.Equal(t, uint64(1), conf.BlockNumber)
	require.Equal(t, "99", conf.AmountOut.String())
}

func TestLocalExecutorRejectsNonAgent(t *testing.T) {
	exec, err := NewLocalExecutor(newPaperVault(t), tokenB)
	require.NoError(t, err)

	_, err = exec.Submit(context.Background(), testPlan(100, 1, 50, 1).Legs()[0])
	require.ErrorIs(t, err, vault.ErrNotAuthorized)
}

func TestLocalExecutorConfirmAfterDeadline(t *testing.T) {
	exec, err := NewLocalExecutor(newPaperVault(t), agentAddr)
	require.NoError(t, err)
	sub, err := exec.Submit(context.Background(), testPlan(100, 1, 50, 1).Legs()[0])
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Confirm(ctx, sub)
	require.ErrorIs(t, err, ErrAborted)

	_, err = exec.Confirm(context.Background(), &Submission{})
	require.Error(t, err)
}
