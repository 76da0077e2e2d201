package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"IMCore/logger"
	"IMCore/metrics"
	"IMCore/protocol"
	errs "IMCore/tools/errs"
)

// HookDecision 钩子裁决
type HookDecision int

const (
	HookPass HookDecision = iota
	HookReject
)

// PreSendHook 发送前扩展点：内容审核、敏感词替换、计费等。
// 可原地修改 msg；返回 HookReject 时整条消息被拒绝。
type PreSendHook interface {
	Name() string
	OnPreSend(ctx context.Context, msg *protocol.Message) (HookDecision, error)
}

// HookFunc 便捷适配
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, msg *protocol.Message) (HookDecision, error)
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) OnPreSend(ctx context.Context, msg *protocol.Message) (HookDecision, error) {
	return h.Fn(ctx, msg)
}

// HookChain 按注册顺序串行执行；单钩子超时按 failOpen 决定放行还是拒绝
type HookChain struct {
	hooks    []PreSendHook
	timeout  time.Duration
	failOpen bool
	log      *zap.SugaredLogger
}

func NewHookChain(timeout time.Duration, failOpen bool, hooks ...PreSendHook) *HookChain {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &HookChain{
		hooks:    hooks,
		timeout:  timeout,
		failOpen: failOpen,
		log:      logger.S("hooks"),
	}
}

type hookResult struct {
	decision HookDecision
	err      error
}

// Run 返回 nil 表示放行；返回错误表示消息被拒绝或钩子不可用
func (c *HookChain) Run(ctx context.Context, msg *protocol.Message) error {
	for _, h := range c.hooks {
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		resCh := make(chan hookResult, 1)
		go func(h PreSendHook) {
			d, err := h.OnPreSend(hctx, msg)
			resCh <- hookResult{decision: d, err: err}
		}(h)

		select {
		case res := <-resCh:
			cancel()
			if res.err != nil {
				if c.failOpen {
					c.log.Warnf("hook %s error, fail-open: %v", h.Name(), res.err)
					continue
				}
				return errs.ErrHookUnavailable.WithDetail(h.Name() + ": " + res.err.Error())
			}
			if res.decision == HookReject {
				return errs.ErrHookRejected.WithDetail(h.Name())
			}
		case <-hctx.Done():
			cancel()
			if c.failOpen {
				metrics.HookTimeouts.WithLabelValues("open").Inc()
				c.log.Warnf("hook %s timeout after %s, fail-open", h.Name(), c.timeout)
				continue
			}
			metrics.HookTimeouts.WithLabelValues("closed").Inc()
			return errs.ErrHookUnavailable.WithDetail(h.Name() + ": timeout")
		}
	}
	return nil
}
