package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"VaultTrader/internal/config"
	"VaultTrader/internal/trader"
	"VaultTrader/internal/vault"
)

// paperAddress 为模拟交易生成固定的地址。
func paperAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("vaulttrader.paper." + label))[12:])
}

// newPaperExecutor 在进程内构造一个金库与两个路由池，由模拟的交易代理驱动。
func newPaperExecutor(cfg config.TradingConfig) (*trader.LocalExecutor, error) {
	balance, err := config.ParseAmount("PAPER_VAULT_BALANCE", cfg.Paper.VaultBalance, cfg.AmountDecimals, true)
	if err != nil {
		return nil, err
	}
	reserve, err := config.ParseAmount("PAPER_POOL_RESERVE", cfg.Paper.PoolReserve, cfg.AmountDecimals, false)
	if err != nil {
		return nil, err
	}

	routerV2 := vault.NewPoolRouter(paperAddress("router.v2"))
	routerV3 := vault.NewPoolRouter(paperAddress("router.v3"))
	ledger := vault.NewLedger()
	v, err := vault.New(ledger, vault.Config{
		Address:       paperAddress("vault"),
		Owner:         paperAddress("owner"),
		TradingAgent:  paperAddress("agent"),
		NativeWrapper: paperAddress("wrapper"),
		RouterV2:      routerV2,
		RouterV3:      routerV3,
	})
	if err != nil {
		return nil, err
	}

	tokenIn := common.HexToAddress(cfg.TokenIn)
	tokenOut := common.HexToAddress(cfg.TokenOut)
	reserveAmount, _ := uint256.FromBig(reserve)
	balanceAmount, _ := uint256.FromBig(balance)
	err = ledger.Atomic(func(s *vault.State) error {
		for _, router := range []common.Address{routerV2.Address(), routerV3.Address()} {
			for _, token := range []common.Address{tokenIn, tokenOut} {
				if err := s.Mint(token, router, reserveAmount); err != nil {
					return err
				}
			}
		}
		return s.Mint(tokenIn, v.Address(), balanceAmount)
	})
	if err != nil {
		return nil, err
	}
	return trader.NewLocalExecutor(v, v.TradingAgent())
}
