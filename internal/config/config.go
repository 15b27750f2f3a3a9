package config

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/pkg/logger"
)

// DefaultPath 是未设置 VAULTTRADER_CONFIG 时读取的配置文件。
const DefaultPath = "configs/vaulttrader.json"

// 交易模式。
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// 重叠策略。
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// Config 描述了 VaultTrader 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Web3     Web3Config     `json:"web3"`
	Vault    VaultConfig    `json:"vault"`
	Trading  TradingConfig  `json:"trading"`
	Lock     LockConfig     `json:"lock"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。APIToken 为空时不校验；
// MetricsAddress 非空时另起一个只暴露 /metrics 的监听。
type ServerConfig struct {
	Address        string `json:"address"`
	APIToken       string `json:"api_token"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述成交记录的存储后端。
type StorageConfig struct {
	TickStore TickStoreConfig `json:"tick_store"`
}

// TickStoreConfig 支持 memory、file 与 mysql 三种驱动。
type TickStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// Web3Config 包含访问区块链节点与签名所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	PrivateKey   string `json:"private_key"`
	GasLimit     uint64 `json:"gas_limit"`
}

// VaultConfig 指向已部署的金库合约。
type VaultConfig struct {
	Address string `json:"address"`
}

// TradingConfig 描述交易循环的静态参数。数量以字符串给出，
// 按 AmountDecimals 换算为链上最小单位。
type TradingConfig struct {
	Mode             string      `json:"mode"`
	TokenIn          string      `json:"token_in"`
	TokenOut         string      `json:"token_out"`
	Route            string      `json:"route"`
	FeeTier          uint32      `json:"fee_tier"`
	BuyAmount        string      `json:"buy_amount"`
	SellAmount       string      `json:"sell_amount"`
	BuyMinOut        string      `json:"buy_min_out"`
	SellMinOut       string      `json:"sell_min_out"`
	AmountDecimals   int32       `json:"amount_decimals"`
	IntervalMS       *int64      `json:"interval_ms,omitempty"`
	ConfirmTimeoutMS *int64      `json:"confirm_timeout_ms,omitempty"`
	SubmitTimeoutMS  *int64      `json:"submit_timeout_ms,omitempty"`
	Overlap          string      `json:"overlap"`
	Paper            PaperConfig `json:"paper"`
}

// PaperConfig 为模拟交易模式准备初始资金与池子储备。
type PaperConfig struct {
	VaultBalance string `json:"vault_balance"`
	PoolReserve  string `json:"pool_reserve"`
}

// LockConfig 描述签名凭证运行锁。
type LockConfig struct {
	Driver        string `json:"driver"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	Key           string `json:"key"`
	TTLMS         *int64 `json:"ttl_ms,omitempty"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 为空 URL 时不启用 RabbitMQ 告警。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Amounts 是换算为最小单位后的交易数量。
type Amounts struct {
	Buy        *big.Int
	Sell       *big.Int
	BuyMinOut  *big.Int
	SellMinOut *big.Int
}

// Load 读取 JSON 配置文件（可选），叠加环境变量并完成校验。
// path 为空时使用 DefaultPath；默认路径不存在时只使用环境变量。
func Load(path string) (*Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := &Config{}
	baseDir := "."
	content, err := readFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	case !explicit && stdErrors.Is(err, fs.ErrNotExist):
	default:
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取配置文件失败")
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// ApplyEnv 用环境变量覆盖文件中的配置。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("RPC_URL", &c.Web3.RPCURL)
	str("CHAIN_CONFIG", &c.Web3.ChainConfig)
	str("DEFAULT_CHAIN", &c.Web3.DefaultChain)
	str("PRIVATE_KEY", &c.Web3.PrivateKey)
	str("CONTRACT_ADDRESS", &c.Vault.Address)
	str("BUY_AMOUNT", &c.Trading.BuyAmount)
	str("SELL_AMOUNT", &c.Trading.SellAmount)
	str("BUY_MIN_OUT", &c.Trading.BuyMinOut)
	str("SELL_MIN_OUT", &c.Trading.SellMinOut)
	str("TOKEN_IN", &c.Trading.TokenIn)
	str("TOKEN_OUT", &c.Trading.TokenOut)
	str("SWAP_ROUTE", &c.Trading.Route)
	str("OVERLAP_POLICY", &c.Trading.Overlap)
	str("TRADING_MODE", &c.Trading.Mode)
	str("PAPER_VAULT_BALANCE", &c.Trading.Paper.VaultBalance)
	str("PAPER_POOL_RESERVE", &c.Trading.Paper.PoolReserve)
	str("LOCK_DRIVER", &c.Lock.Driver)
	str("REDIS_ADDR", &c.Lock.RedisAddr)
	str("REDIS_PASSWORD", &c.Lock.RedisPassword)
	str("TICK_STORE_DRIVER", &c.Storage.TickStore.Driver)
	str("MYSQL_DSN", &c.Storage.TickStore.DSN)
	str("RABBITMQ_URL", &c.Alerting.RabbitMQ.URL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("SERVER_ADDRESS", &c.Server.Address)
	str("API_TOKEN", &c.Server.APIToken)
	str("METRICS_ADDRESS", &c.Server.MetricsAddress)

	if v, ok := lookup("AMOUNT_DECIMALS"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return invalid("AMOUNT_DECIMALS", err)
		}
		c.Trading.AmountDecimals = int32(n)
	}
	if v, ok := lookup("FEE_TIER"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return invalid("FEE_TIER", err)
		}
		c.Trading.FeeTier = uint32(n)
	}
	if v, ok := lookup("GAS_LIMIT"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return invalid("GAS_LIMIT", err)
		}
		c.Web3.GasLimit = n
	}
	durations := []struct {
		key string
		dst **int64
	}{
		{"TICK_INTERVAL", &c.Trading.IntervalMS},
		{"CONFIRM_TIMEOUT", &c.Trading.ConfirmTimeoutMS},
		{"SUBMIT_TIMEOUT", &c.Trading.SubmitTimeoutMS},
		{"LOCK_TTL", &c.Lock.TTLMS},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return invalid(d.key, err)
		}
		if parsed < time.Millisecond {
			return invalid(d.key, fmt.Errorf("时长必须至少为 1ms: %q", strings.TrimSpace(v)))
		}
		ms := parsed.Milliseconds()
		*d.dst = &ms
	}
	return nil
}

// parseDuration 同时接受 Go 时长格式与毫秒整数。
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func invalid(key string, err error) error {
	return xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("%s 格式错误", key), xerrors.WithMetadata("key", key))
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModeLive
	}
	if c.Trading.Route == "" {
		c.Trading.Route = "v2"
	}
	if c.Trading.IntervalMS == nil {
		c.Trading.IntervalMS = millis(time.Second)
	}
	if c.Trading.ConfirmTimeoutMS == nil {
		c.Trading.ConfirmTimeoutMS = millis(2 * time.Minute)
	}
	if c.Trading.SubmitTimeoutMS == nil {
		c.Trading.SubmitTimeoutMS = millis(30 * time.Second)
	}
	if c.Trading.Overlap == "" {
		c.Trading.Overlap = OverlapSkip
	}
	if c.Trading.Paper.VaultBalance == "" {
		c.Trading.Paper.VaultBalance = "1000"
	}
	if c.Trading.Paper.PoolReserve == "" {
		c.Trading.Paper.PoolReserve = "1000000"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "vaulttrader:credential-lock"
	}
	if c.Lock.TTLMS == nil {
		c.Lock.TTLMS = millis(c.Trading.MaxTickDuration() + time.Minute)
	}
	if c.Alerting.RabbitMQ.Exchange == "" {
		c.Alerting.RabbitMQ.Exchange = "vaulttrader.alerts"
	}
	if c.Alerting.RabbitMQ.RoutingKey == "" {
		c.Alerting.RabbitMQ.RoutingKey = "tick.failed"
	}
	if c.Storage.TickStore.Driver == "" {
		c.Storage.TickStore.Driver = "memory"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.TickStore.Path == "" {
		c.Storage.TickStore.Path = filepath.Join(c.Runtime.DataDir, "ticks.jsonl")
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查必填项与取值范围，任何问题都返回 CONFIG_INVALID 错误。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Trading.Mode {
	case ModeLive:
		if c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
			add("RPC_URL 未配置")
		}
		if c.Web3.PrivateKey == "" {
			add("PRIVATE_KEY 未配置")
		}
		if !validAddress(c.Vault.Address) {
			add("CONTRACT_ADDRESS 缺失或格式错误")
		}
	case ModePaper:
	default:
		add("TRADING_MODE 只能是 live 或 paper: %q", c.Trading.Mode)
	}

	if !validAddress(c.Trading.TokenIn) {
		add("TOKEN_IN 缺失或格式错误")
	}
	if !validAddress(c.Trading.TokenOut) {
		add("TOKEN_OUT 缺失或格式错误")
	}
	if validAddress(c.Trading.TokenIn) && strings.EqualFold(c.Trading.TokenIn, c.Trading.TokenOut) {
		add("TOKEN_IN 与 TOKEN_OUT 不能相同")
	}

	switch strings.ToLower(c.Trading.Route) {
	case "v2":
		if c.Trading.FeeTier != 0 {
			add("FEE_TIER 仅适用于 v3 路由")
		}
	case "v3":
		if c.Trading.FeeTier == 0 || c.Trading.FeeTier >= 1<<24 {
			add("FEE_TIER 超出 uint24 范围: %d", c.Trading.FeeTier)
		}
	default:
		add("SWAP_ROUTE 只能是 v2 或 v3: %q", c.Trading.Route)
	}

	if c.Trading.AmountDecimals < 0 || c.Trading.AmountDecimals > 36 {
		add("AMOUNT_DECIMALS 超出范围: %d", c.Trading.AmountDecimals)
	}
	if _, err := c.Trading.Amounts(); err != nil {
		add("%s", xerrorsMessage(err))
	}
	if c.Trading.Interval() <= 0 {
		add("TICK_INTERVAL 必须为正")
	}
	if c.Trading.ConfirmTimeout() <= 0 {
		add("CONFIRM_TIMEOUT 必须为正")
	}
	if c.Trading.SubmitTimeout() <= 0 {
		add("SUBMIT_TIMEOUT 必须为正")
	}
	switch c.Trading.Overlap {
	case OverlapSkip, OverlapQueue:
	default:
		add("OVERLAP_POLICY 只能是 skip 或 queue: %q", c.Trading.Overlap)
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add("LOCK_DRIVER=redis 需要 REDIS_ADDR")
		}
		// 锁过期前必须能完成一次触发，否则其他实例可能同时使用同一签名凭证。
		if ttl, longest := c.Lock.TTL(), c.Trading.MaxTickDuration(); ttl <= longest {
			add("LOCK_TTL (%s) 必须大于一次触发的最长耗时 %s", ttl, longest)
		}
	default:
		add("LOCK_DRIVER 只能是 local 或 redis: %q", c.Lock.Driver)
	}

	switch c.Storage.TickStore.Driver {
	case "memory", "file":
	case "mysql":
		if c.Storage.TickStore.DSN == "" {
			add("TICK_STORE_DRIVER=mysql 需要 MYSQL_DSN")
		}
	default:
		add("TICK_STORE_DRIVER 只能是 memory、file 或 mysql: %q", c.Storage.TickStore.Driver)
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfig, "配置无效: "+strings.Join(problems, "; "))
}

func xerrorsMessage(err error) string {
	if coded, ok := xerrors.From(err); ok {
		return coded.Message()
	}
	return err.Error()
}

func validAddress(v string) bool {
	return common.IsHexAddress(v) && common.HexToAddress(v) != (common.Address{})
}

// Interval 返回交易周期。
func (t TradingConfig) Interval() time.Duration {
	return duration(t.IntervalMS)
}

// ConfirmTimeout 返回单次确认等待的上限。
func (t TradingConfig) ConfirmTimeout() time.Duration {
	return duration(t.ConfirmTimeoutMS)
}

// SubmitTimeout 返回单次提交（取 nonce、预估、发送）的上限。
func (t TradingConfig) SubmitTimeout() time.Duration {
	return duration(t.SubmitTimeoutMS)
}

// MaxTickDuration 返回一次触发（两条腿各自提交与确认）的最长耗时。
func (t TradingConfig) MaxTickDuration() time.Duration {
	return 2 * (t.SubmitTimeout() + t.ConfirmTimeout())
}

// TTL 返回运行锁的租期。
func (l LockConfig) TTL() time.Duration {
	return duration(l.TTLMS)
}

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

func duration(ms *int64) time.Duration {
	if ms == nil {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}

// ZeroMinOut 返回显式配置为 0 的最小产出项，调用方应据此告警。
func (t TradingConfig) ZeroMinOut() []string {
	amounts, err := t.Amounts()
	if err != nil {
		return nil
	}
	var keys []string
	if amounts.BuyMinOut.Sign() == 0 {
		keys = append(keys, "BUY_MIN_OUT")
	}
	if amounts.SellMinOut.Sign() == 0 {
		keys = append(keys, "SELL_MIN_OUT")
	}
	return keys
}

// Amounts 将配置的十进制数量换算为最小单位。买卖数量必须为正，
// 最小产出必须显式给出，允许为 0。
func (t TradingConfig) Amounts() (Amounts, error) {
	var (
		out Amounts
		err error
	)
	if out.Buy, err = ParseAmount("BUY_AMOUNT", t.BuyAmount, t.AmountDecimals, false); err != nil {
		return Amounts{}, err
	}
	if out.Sell, err = ParseAmount("SELL_AMOUNT", t.SellAmount, t.AmountDecimals, false); err != nil {
		return Amounts{}, err
	}
	if out.BuyMinOut, err = ParseAmount("BUY_MIN_OUT", t.BuyMinOut, t.AmountDecimals, true); err != nil {
		return Amounts{}, err
	}
	if out.SellMinOut, err = ParseAmount("SELL_MIN_OUT", t.SellMinOut, t.AmountDecimals, true); err != nil {
		return Amounts{}, err
	}
	return out, nil
}

// ParseAmount 把形如 "1.5" 的十进制数量按 decimals 位换算为整数。
// 结果必须是非负整数且不超过 uint256。
func ParseAmount(key, raw string, decimals int32, allowZero bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeConfig, key+" 未配置", xerrors.WithMetadata("key", key))
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, key+" 不是合法的数量", xerrors.WithMetadata("key", key))
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, xerrors.New(xerrors.CodeConfig,
			fmt.Sprintf("%s 的精度超过 %d 位小数", key, decimals), xerrors.WithMetadata("key", key))
	}
	if scaled.IsNegative() {
		return nil, xerrors.New(xerrors.CodeConfig, key+" 不能为负数", xerrors.WithMetadata("key", key))
	}
	if scaled.IsZero() && !allowZero {
		return nil, xerrors.New(xerrors.CodeConfig, key+" 必须大于 0", xerrors.WithMetadata("key", key))
	}
	value := scaled.BigInt()
	if value.BitLen() > 256 {
		return nil, xerrors.New(xerrors.CodeConfig, key+" 超出 uint256 范围", xerrors.WithMetadata("key", key))
	}
	return value, nil
}
