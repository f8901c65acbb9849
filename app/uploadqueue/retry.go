package uploadqueue

import (
	"time"
)

// RetryPolicy 重试决策：指数退避，延迟有上限
type RetryPolicy struct {
	BaseDelay time.Duration // 第 0 次重试的延迟
	MaxDelay  time.Duration // 延迟上限
}

// Decision 一次重试决策的结果
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide 根据已重试次数与错误分类决定是否重试。
// 延迟为 BaseDelay * 2^attempt，超过 MaxDelay 时取上限。
func (p RetryPolicy) Decide(attempt int, kind ErrorKind) Decision {
	if !kind.Retryable() {
		return Decision{}
	}

	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return Decision{Retry: true, Delay: delay}
}
