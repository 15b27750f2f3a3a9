package vault

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestParseRoute(t *testing.T) {
	r, err := ParseRoute("", 0)
	require.NoError(t, err)
	require.Equal(t, V2(), r)

	r, err = ParseRoute(" V3 ", FeeTier030)
	require.NoError(t, err)
	require.Equal(t, V3(3000), r)
	require.Equal(t, "v3/3000", r.String())

	for _, tc := range []struct {
		name string
		fee  uint32
	}{
		{"v2", 500},
		{"v3", 0},
		{"v3", MaxFeeTier},
		{"v4", 0},
	} {
		_, err := ParseRoute(tc.name, tc.fee)
		require.ErrorIs(t, err, ErrInvalidRoute, "%s/%d", tc.name, tc.fee)
	}
}

func TestPoolRouterQuoteAndPath(t *testing.T) {
	l := NewLedger()
	router := NewPoolRouter(routerV2)
	require.NoError(t, l.Atomic(func(s *State) error {
		if err := s.Mint(tokenA, routerV2, u(1_000)); err != nil {
			return err
		}
		return s.Mint(tokenB, routerV2, u(2_000))
	}))

	l.View(func(s *State) {
		out, err := router.Quote(s, tokenA, tokenB, u(100), 0)
		require.NoError(t, err)
		// 100 * 2000 / (1000 + 100)
		require.Equal(t, "181", out.Dec())

		withFee, err := router.Quote(s, tokenA, tokenB, u(100), v2FeePPM)
		require.NoError(t, err)
		require.True(t, withFee.Lt(out) || withFee.Eq(out))

		_, err = router.Quote(s, tokenA, tokenB, u(100), feeDenominator)
		require.ErrorIs(t, err, ErrInvalidRoute)
	})

	err := l.Atomic(func(s *State) error {
		_, err := router.SwapExactTokensForTokens(s, ownerAddr, u(1), u(0),
			[]common.Address{tokenA, tokenB, tokenA}, ownerAddr)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidRoute)
}

func TestPoolRouterRequiresApproval(t *testing.T) {
	l := NewLedger()
	router := NewPoolRouter(routerV3)
	require.NoError(t, l.Atomic(func(s *State) error {
		if err := s.Mint(tokenA, routerV3, u(1_000)); err != nil {
			return err
		}
		if err := s.Mint(tokenB, routerV3, u(1_000)); err != nil {
			return err
		}
		return s.Mint(tokenA, ownerAddr, u(10))
	}))

	swap := func(s *State) error {
		_, err := router.ExactInputSingle(s, ownerAddr, ExactInputSingleParams{
			TokenIn:   tokenA,
			TokenOut:  tokenB,
			Fee:       FeeTier100,
			Recipient: ownerAddr,
			AmountIn:  u(10),
		})
		return err
	}
	require.ErrorIs(t, l.Atomic(swap), ErrInsufficientBalance)

	require.NoError(t, l.Atomic(func(s *State) error {
		s.Approve(tokenA, ownerAddr, routerV3, u(10))
		return swap(s)
	}))
	require.Equal(t, "0", l.BalanceOf(tokenA, ownerAddr).Dec())
	require.Equal(t, "9", l.BalanceOf(tokenB, ownerAddr).Dec())
}
