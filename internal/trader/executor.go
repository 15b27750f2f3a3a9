package trader

import "context"

// Executor 提交兑换并等待确认。Confirm 的等待上限由调用方通过 ctx 控制。
type Executor interface {
	Submit(ctx context.Context, leg Leg) (*Submission, error)
	Confirm(ctx context.Context, sub *Submission) (*Confirmation, error)
}
