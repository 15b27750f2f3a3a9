package trader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/storage/mysql"
	"VaultTrader/pkg/logger"
)

// 重叠策略。
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// TickRunner 执行一次触发并记录被跳过的触发，Trader 满足该接口。
type TickRunner interface {
	RunTick(ctx context.Context) (mysql.TickRecord, error)
	RecordSkip(ctx context.Context, reason string)
}

// Scheduler 按固定间隔驱动触发。只有一个工作协程执行触发，计时协程只负责
// 通知到期，因此触发之间永不并发。
//
// skip 策略下，执行中或已排队时到期的触发被跳过；queue 策略下最多排队一个，
// 更多到期的触发并入已排队的那一个。
type Scheduler struct {
	runner   TickRunner
	interval time.Duration
	policy   string
	locker   Locker
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight bool
	pending  bool
	wake     chan struct{}
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger 指定日志输出。
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocker 替换默认的进程内运行锁。
func WithLocker(locker Locker) SchedulerOption {
	return func(s *Scheduler) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// NewScheduler 构造 Scheduler。
func NewScheduler(runner TickRunner, interval time.Duration, policy string, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置触发执行者")
	}
	if interval <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "触发间隔必须为正")
	}
	switch policy {
	case "":
		policy = OverlapSkip
	case OverlapSkip, OverlapQueue:
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的重叠策略 %q", policy)
	}
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		policy:   policy,
		locker:   NewLocalLocker(),
		logger:   logger.Named("scheduler"),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run 立即触发一次，之后每个间隔触发一次，直到 ctx 结束。
// 返回前会等待进行中的触发结束。
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.work(ctx)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-ticker.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger 通知一次到期的触发，返回该触发是否被接受（立即执行或排队）。
func (s *Scheduler) Trigger(ctx context.Context) bool {
	s.mu.Lock()
	var reason string
	switch {
	case !s.inFlight && !s.pending:
		s.pending = true
	case s.policy == OverlapQueue && !s.pending:
		s.pending = true
		s.logger.Info("上一次触发仍在执行，本次触发已排队")
	case s.policy == OverlapQueue:
		reason = SkipCoalesced
	default:
		reason = SkipOverlap
	}
	s.mu.Unlock()

	if reason != "" {
		s.logger.Warn("跳过到期的触发", slog.String("reason", reason), slog.String("policy", s.policy))
		s.runner.RecordSkip(ctx, reason)
		return false
	}
	s.signal()
	return true
}

// Busy 报告是否有触发正在执行或排队。
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight || s.pending
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			continue
		}
		s.pending = false
		s.inFlight = true
		s.mu.Unlock()

		s.runOnce(ctx)

		s.mu.Lock()
		s.inFlight = false
		again := s.pending
		s.mu.Unlock()
		if again {
			s.signal()
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	lock, err := s.locker.TryAcquire(ctx)
	if err != nil {
		reason := SkipLockError
		if errors.Is(err, ErrLockHeld) {
			reason = SkipLockHeld
		}
		s.logger.Warn("未能获取签名凭证运行锁，跳过本次触发", slog.String("reason", reason), slog.Any("error", err))
		s.runner.RecordSkip(ctx, reason)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			s.logger.Error("释放运行锁失败", slog.Any("error", err))
		}
	}()

	record, err := s.runner.RunTick(ctx)
	if err != nil {
		s.logger.Warn("触发失败，等待下一次触发",
			slog.String("tick_id", record.ID),
			slog.String("error_code", record.ErrorCode),
		)
		return
	}
	s.logger.Debug("触发完成", slog.String("tick_id", record.ID))
}
