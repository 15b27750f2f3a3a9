// Command vaultctl 是金库所有者的带外工具：查看金库状态、提取资金与转移所有权。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"VaultTrader/internal/config"
	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/vault"
	"VaultTrader/internal/web3"
	"VaultTrader/internal/web3/contracts"
	"VaultTrader/internal/web3/provider"
	"VaultTrader/pkg/logger"
	"VaultTrader/sdk/go/vaulttrader"
)

type options struct {
	rpcURL      string
	chainConfig string
	chain       string
	contract    string
	keyEnv      string
	timeout     time.Duration
	apiURL      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "VaultTrader 金库所有者工具",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.rpcURL, "rpc", os.Getenv("RPC_URL"), "节点 RPC 地址")
	flags.StringVar(&opts.chainConfig, "chain-config", os.Getenv("CHAIN_CONFIG"), "链定义 YAML 文件")
	flags.StringVar(&opts.chain, "chain", "", "使用的链名称，默认取配置中的默认链")
	flags.StringVar(&opts.contract, "contract", os.Getenv("CONTRACT_ADDRESS"), "金库合约地址")
	flags.StringVar(&opts.keyEnv, "key-env", "OWNER_PRIVATE_KEY", "保存所有者私钥的环境变量")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "等待交易确认的时长")
	flags.StringVar(&opts.apiURL, "api", envOr("VAULTTRADER_API", "http://127.0.0.1:8080"), "vaulttraderd API 地址")

	root.AddCommand(
		newInspectCommand(opts),
		newWithdrawCommand(opts),
		newTransferOwnershipCommand(opts),
		newTicksCommand(opts),
		newWatchCommand(opts),
		newChainsCommand(opts),
	)
	return root
}

func newInspectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "查看金库的所有者、交易代理与路由",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			call := &bind.CallOpts{Context: ctx}
			report := map[string]string{"vault": sess.vault.Address().Hex(), "chain": sess.client.Name()}
			for name, read := range map[string]func(*bind.CallOpts) (common.Address, error){
				"owner":          sess.vault.Owner,
				"swapper":        sess.vault.Swapper,
				"router_v2":      sess.vault.RouterV2,
				"router_v3":      sess.vault.RouterV3,
				"native_wrapper": sess.vault.NativeWrapper,
			} {
				addr, err := read(call)
				if err != nil {
					return fmt.Errorf("读取 %s 失败: %w", name, err)
				}
				report[name] = addr.Hex()
			}
			balance, err := sess.client.BalanceAt(ctx, sess.vault.Address())
			if err != nil {
				return err
			}
			report["native_balance"] = balance.String()
			snapshot, err := sess.client.FetchChainSnapshot(ctx)
			if err != nil {
				return err
			}
			report["chain_id"] = snapshot.ChainID
			report["block_number"] = snapshot.BlockNumber
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newWithdrawCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <token>",
		Short: "提取金库中某代币的全部余额，包装原生币会先解包",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := parseAddress("token", args[0])
			if err != nil {
				return err
			}
			return opts.transact(cmd, "withdraw", func(v *contracts.VaultTrader, tx *bind.TransactOpts) (*types.Transaction, error) {
				return v.WithdrawTokensWithUnwrapIfNecessary(tx, token)
			})
		},
	}
}

func newTransferOwnershipCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer-ownership <new-owner>",
		Short: "将金库所有权转移给新地址",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newOwner, err := parseAddress("new owner", args[0])
			if err != nil {
				return err
			}
			return opts.transact(cmd, "transfer-ownership", func(v *contracts.VaultTrader, tx *bind.TransactOpts) (*types.Transaction, error) {
				return v.TransferOwnership(tx, newOwner)
			})
		},
	}
}

func newTicksCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ticks",
		Short: "查询守护进程最近的触发记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := vaulttrader.NewClient(opts.apiURL, nil)
			if err != nil {
				return err
			}
			client.SetAccessToken(os.Getenv("API_TOKEN"))
			ticks, err := client.ListTicks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ticks)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "返回的记录数")
	return cmd
}

func newChainsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "列出已配置的链及其最新区块",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			registry, err := provider.NewRegistry(ctx, opts.web3Config())
			if err != nil {
				return err
			}
			defer registry.Close()

			var rows []web3.ChainSnapshot
			for _, name := range registry.Chains() {
				client, ok := registry.Client(name)
				if !ok {
					continue
				}
				snapshot, err := client.FetchChainSnapshot(ctx)
				if err != nil {
					return fmt.Errorf("查询链 %s 失败: %w", name, err)
				}
				rows = append(rows, snapshot)
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "订阅金库的 SwapCompleted 事件并逐行输出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			sub, err := sess.client.SubscribeEvents(ctx, gethcore.FilterQuery{
				Addresses: []common.Address{sess.vault.Address()},
				Topics:    [][]common.Hash{{sess.vault.SwapCompletedTopic()}},
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-sub.Err():
					return err
				case log, ok := <-sub.Logs():
					if !ok {
						return nil
					}
					event, err := sess.vault.ParseSwapCompleted(log)
					if err != nil {
						return err
					}
					if err := enc.Encode(swapLine(event)); err != nil {
						return err
					}
				}
			}
		},
	}
}

func swapLine(event *contracts.SwapCompleted) map[string]any {
	route := vault.Route{Kind: vault.RouteKind(event.Route)}
	if event.Fee != nil {
		route.FeeTier = uint32(event.Fee.Uint64())
	}
	return map[string]any{
		"route":      route.String(),
		"token_in":   event.TokenIn.Hex(),
		"token_out":  event.TokenOut.Hex(),
		"amount_in":  event.AmountIn.String(),
		"amount_out": event.AmountOut.String(),
		"tx_hash":    event.Raw.TxHash.Hex(),
		"block":      event.Raw.BlockNumber,
	}
}

type session struct {
	registry *provider.Registry
	client   web3.Client
	vault    *contracts.VaultTrader
}

func (s *session) close() { s.registry.Close() }

func (o *options) connect(ctx context.Context) (*session, error) {
	vaultAddr, err := parseAddress("contract", o.contract)
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(ctx, o.web3Config())
	if err != nil {
		return nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, err
	}
	binding, err := contracts.NewVaultTrader(vaultAddr, client.Backend())
	if err != nil {
		registry.Close()
		return nil, err
	}
	return &session{registry: registry, client: client, vault: binding}, nil
}

func (o *options) web3Config() config.Web3Config {
	return config.Web3Config{
		RPCURL:       o.rpcURL,
		ChainConfig:  o.chainConfig,
		DefaultChain: o.chain,
	}
}

// transact 以所有者身份发送交易并等待回执。
func (o *options) transact(cmd *cobra.Command, action string, send func(*contracts.VaultTrader, *bind.TransactOpts) (*types.Transaction, error)) error {
	ctx := cmd.Context()
	raw := strings.TrimSpace(os.Getenv(o.keyEnv))
	if raw == "" {
		return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("环境变量 %s 未设置", o.keyEnv))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return xerrors.New(xerrors.CodeConfig, fmt.Sprintf("环境变量 %s 中的私钥格式错误", o.keyEnv))
	}

	sess, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	chainID, err := sess.client.ChainID(ctx)
	if err != nil {
		return err
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return err
	}
	txOpts.Context = ctx

	tx, err := send(sess.vault, txOpts)
	if err != nil {
		return fmt.Errorf("%s 交易发送失败: %w", action, err)
	}
	logger.Audit().Info("所有者交易已提交",
		"action", action,
		"vault", sess.vault.Address().Hex(),
		"from", txOpts.From.Hex(),
		"tx_hash", tx.Hash().Hex(),
	)

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	receipt, err := sess.client.WaitMined(waitCtx, tx)
	if err != nil {
		return fmt.Errorf("等待交易 %s 确认失败: %w", tx.Hash().Hex(), err)
	}
	result := map[string]any{
		"action":   action,
		"tx_hash":  tx.Hash().Hex(),
		"block":    receipt.BlockNumber.Uint64(),
		"gas_used": receipt.GasUsed,
		"success":  receipt.Status == types.ReceiptStatusSuccessful,
	}
	if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("交易 %s 执行失败", tx.Hash().Hex())
	}
	return nil
}

func parseAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 地址格式错误: %q", name, raw))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不能是零地址", name))
	}
	return addr, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
