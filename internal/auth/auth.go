// Package auth 以静态 Bearer 令牌保护运维 API。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
)

// 认证失败的原因。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject 是通过认证的调用方。静态令牌只有一个调用方。
type Subject struct {
	Name string
}

// Authenticator 校验 Authorization 头中的 Bearer 令牌。令牌为空时不启用认证。
type Authenticator struct {
	token []byte
	audit *slog.Logger
}

// Option 定义可选配置。
type Option func(*Authenticator)

// WithAuditLogger 指定记录拒绝访问事件的日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.audit = l
	}
}

// NewAuthenticator 构造 Authenticator。
func NewAuthenticator(token string, opts ...Option) *Authenticator {
	a := &Authenticator{token: []byte(strings.TrimSpace(token))}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Enabled 报告是否配置了令牌。
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.token) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。
func (a *Authenticator) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !a.Enabled() {
		return &Subject{Name: "anonymous"}, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), a.token) != 1 {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: "operator"}, nil
}

type subjectKey struct{}

// WithSubject 将调用方写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中取出调用方。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
