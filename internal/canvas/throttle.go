package canvas

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultThrottleInterval = 50 * time.Millisecond
	MinThrottleInterval     = 10 * time.Millisecond
	MaxThrottleInterval     = 200 * time.Millisecond
)

var ErrInvalidInterval = errors.New("throttle interval must be between 10ms and 200ms")

// Clock 返回当前时间；测试中替换为可控时钟
type Clock func() time.Time

// ValidateInterval 检查调用方配置的节流间隔。0 表示使用默认值。
func ValidateInterval(d time.Duration) (time.Duration, error) {
	if d == 0 {
		return DefaultThrottleInterval, nil
	}
	if d < MinThrottleInterval || d > MaxThrottleInterval {
		return 0, ErrInvalidInterval
	}
	return d, nil
}

// Throttle 是带丢弃的限速器：距上次放行不足 interval 的调用直接丢弃，不排队。
// 令牌桶容量为 1，因此窗口从上一次放行开始计算，而不是固定时钟。
type Throttle struct {
	limiter *rate.Limiter
	now     Clock
}

// NewThrottle 创建节流器。now 为 nil 时使用 time.Now。
func NewThrottle(interval time.Duration, now Clock) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     now,
	}
}

// Allow 判断此刻是否允许发送一次；返回 true 即记为一次发送。
func (t *Throttle) Allow() bool {
	return t.limiter.AllowN(t.now(), 1)
}

// SetInterval 修改节流间隔
func (t *Throttle) SetInterval(interval time.Duration) {
	t.limiter.SetLimitAt(t.now(), rate.Every(interval))
}
