package trader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/observability/alerting"
	"VaultTrader/internal/observability/metrics"
	"VaultTrader/internal/storage/mysql"
	"VaultTrader/internal/vault"
	"VaultTrader/pkg/logger"
)

// 腿失败时所处的阶段。
const (
	stageSubmit  = "submit"
	stageConfirm = "confirm"
)

// 跳过触发的原因。
const (
	SkipOverlap   = "overlap"
	SkipCoalesced = "coalesced"
	SkipLockHeld  = "lock_held"
	SkipLockError = "lock_error"
)

// Trader 执行一次触发：先买入并等待确认，再卖出并等待确认。
// 两次触发之间不保留任何状态。
type Trader struct {
	executor       Executor
	plan           Plan
	confirmTimeout time.Duration
	submitTimeout  time.Duration

	repo    mysql.TickRepository
	alerter alerting.Dispatcher
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option 定义可选配置。
type Option func(*Trader)

// WithRepository 配置成交记录仓库。
func WithRepository(repo mysql.TickRepository) Option {
	return func(t *Trader) {
		t.repo = repo
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(t *Trader) {
		t.alerter = dispatcher
	}
}

// WithSubmitTimeout 限定每条腿提交交易的时长，默认与确认超时相同。
func WithSubmitTimeout(d time.Duration) Option {
	return func(t *Trader) {
		if d > 0 {
			t.submitTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(t *Trader) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(t *Trader) {
		if now != nil {
			t.now = now
		}
	}
}

// New 构造 Trader。confirmTimeout 限定每条腿等待确认的时长。
func New(executor Executor, plan Plan, confirmTimeout time.Duration, opts ...Option) (*Trader, error) {
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置兑换执行器")
	}
	if confirmTimeout <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "确认超时必须为正")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	t := &Trader{
		executor:       executor,
		plan:           plan,
		confirmTimeout: confirmTimeout,
		submitTimeout:  confirmTimeout,
		logger:         logger.Named("trader"),
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// legFailure 记录失败的腿以及所处阶段，供告警使用。
type legFailure struct {
	leg    Side
	stage  string
	txHash string
	err    error
}

// RunTick 顺序执行买入腿和卖出腿。任一腿失败即终止本次触发并返回错误；
// 结果总会被记录、计数，失败时发送告警。
func (t *Trader) RunTick(ctx context.Context) (mysql.TickRecord, error) {
	started := t.now()
	record := mysql.TickRecord{
		ID:        t.newID(),
		StartedAt: started.UnixMilli(),
		Status:    mysql.StatusSucceeded,
	}

	var failure *legFailure
	for _, leg := range t.plan.Legs() {
		legRecord, f := t.runLeg(ctx, leg)
		record.Legs = append(record.Legs, legRecord)
		if f != nil {
			failure = f
			break
		}
	}

	finished := t.now()
	record.FinishedAt = finished.UnixMilli()
	var tickErr error
	if failure != nil {
		tickErr = failure.err
		record.Status = mysql.StatusFailed
		record.ErrorCode = string(xerrors.CodeOf(tickErr))
		record.Error = tickErr.Error()
	}
	metrics.ObserveTick(record.Status, finished.Sub(started))
	t.save(record)

	if failure == nil {
		logger.Audit().Info("触发执行成功",
			slog.String("tick_id", record.ID),
			slog.String("buy_tx", record.Legs[0].TxHash),
			slog.String("buy_out", record.Legs[0].AmountOut),
			slog.String("sell_tx", record.Legs[1].TxHash),
			slog.String("sell_out", record.Legs[1].AmountOut),
		)
		return record, nil
	}

	logger.Audit().Warn("触发执行失败",
		slog.String("tick_id", record.ID),
		slog.String("leg", string(failure.leg)),
		slog.String("stage", failure.stage),
		slog.String("tx_hash", failure.txHash),
		slog.String("error_code", record.ErrorCode),
		slog.String("error", record.Error),
	)
	t.emitAlert(ctx, record.ID, failure)
	return record, tickErr
}

func (t *Trader) runLeg(ctx context.Context, leg Leg) (mysql.LegRecord, *legFailure) {
	rec := mysql.LegRecord{
		Side:         string(leg.Side),
		Route:        routeName(leg),
		Fee:          leg.Route.FeeTier,
		TokenIn:      leg.TokenIn.Hex(),
		TokenOut:     leg.TokenOut.Hex(),
		AmountIn:     leg.AmountIn.String(),
		AmountOutMin: leg.AmountOutMin.String(),
		Status:       mysql.StatusFailed,
	}

	submitCtx, cancelSubmit := context.WithTimeout(ctx, t.submitTimeout)
	sub, err := t.executor.Submit(submitCtx, leg)
	submitExpired := errors.Is(submitCtx.Err(), context.DeadlineExceeded)
	cancelSubmit()
	if err != nil {
		err = normalizeSubmit(ctx, submitExpired, err)
		rec.Error = err.Error()
		metrics.ObserveLeg(rec.Side, mysql.StatusFailed, 0)
		t.logger.Error("兑换提交失败", slog.String("side", rec.Side), slog.Any("error", err))
		return rec, &legFailure{leg: leg.Side, stage: stageSubmit, err: err}
	}
	rec.TxHash = sub.TxHash.Hex()
	rec.Nonce = sub.Nonce

	waitStart := t.now()
	confirmCtx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	conf, err := t.executor.Confirm(confirmCtx, sub)
	cancel()
	waited := t.now().Sub(waitStart)
	if err != nil {
		err = normalizeConfirm(ctx, err)
		rec.Error = err.Error()
		metrics.ObserveLeg(rec.Side, mysql.StatusFailed, waited)
		t.logger.Error("兑换确认失败",
			slog.String("side", rec.Side),
			slog.String("tx_hash", rec.TxHash),
			slog.Any("error", err),
		)
		return rec, &legFailure{leg: leg.Side, stage: stageConfirm, txHash: rec.TxHash, err: err}
	}

	rec.Status = mysql.StatusSucceeded
	rec.Block = conf.BlockNumber
	if conf.AmountOut != nil {
		rec.AmountOut = conf.AmountOut.String()
	}
	metrics.ObserveLeg(rec.Side, mysql.StatusSucceeded, waited)
	t.logger.Info("兑换已确认",
		slog.String("side", rec.Side),
		slog.String("tx_hash", rec.TxHash),
		slog.Uint64("block", rec.Block),
		slog.String("amount_out", rec.AmountOut),
	)
	return rec, nil
}

// RecordSkip 记录一次未执行的触发。
func (t *Trader) RecordSkip(_ context.Context, reason string) {
	metrics.ObserveSkip(reason)
	now := t.now().UnixMilli()
	t.save(mysql.TickRecord{
		ID:         t.newID(),
		StartedAt:  now,
		FinishedAt: now,
		Status:     mysql.StatusSkipped,
		Error:      reason,
	})
}

func (t *Trader) save(record mysql.TickRecord) {
	if t.repo == nil {
		return
	}
	// 进程退出时仍需落库，不使用触发的 ctx。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.repo.Save(ctx, record); err != nil {
		t.logger.Error("保存成交记录失败", slog.String("tick_id", record.ID), slog.Any("error", err))
	}
}

func (t *Trader) emitAlert(ctx context.Context, tickID string, failure *legFailure) {
	if t.alerter == nil || !xerrors.ShouldAlert(failure.err) {
		return
	}
	event := alerting.EventFromError(tickID, failure.err)
	event.Leg = string(failure.leg)
	event.Stage = failure.stage
	event.TxHash = failure.txHash
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := t.alerter.Notify(ctx, event); err != nil {
		t.logger.Error("告警通知失败", slog.String("tick_id", tickID), slog.Any("error", err))
	}
}

// normalizeSubmit 保证提交阶段的错误带有错误码。父 ctx 已结束视为中止；
// 提交自身的截止时间到期说明节点无响应，按通信失败处理。
func normalizeSubmit(ctx context.Context, expired bool, err error) error {
	if ctx.Err() == nil && expired {
		if code := xerrors.CodeOf(err); code == xerrors.CodeUnknown || code == CodeAborted {
			return xerrors.Wrap(CodeTransport, err, "提交交易超时")
		}
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return xerrors.Wrap(CodeAborted, err, "触发被中止")
	}
	return xerrors.Wrap(CodeTransport, err, "执行器返回未分类错误")
}

// normalizeConfirm 保证确认阶段的错误带有错误码。父 ctx 已结束视为中止，
// 仅确认阶段自身的截止时间才算确认超时。
func normalizeConfirm(ctx context.Context, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case ctx.Err() != nil:
		return xerrors.Wrap(CodeAborted, err, "触发被中止")
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(CodeConfirmTimeout, err, "确认超时")
	default:
		return xerrors.Wrap(CodeTransport, err, "执行器返回未分类错误")
	}
}

func routeName(leg Leg) string {
	if leg.Route.Kind == vault.RouteV3 {
		return "v3"
	}
	return "v2"
}
