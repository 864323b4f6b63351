package traffic

import (
	"time"

	"cefguard/pkg/model"
)

// Result 过滤结果
type Result string

const (
	ResultBlocked Result = "blocked"
	ResultPassed  Result = "passed"
)

// Decision 中立的过滤决策记录，由注入侧经 Logger 回调上报
type Decision struct {
	Session string          // 所属会话ID
	Hook    model.HookPoint // 拦截点
	Blocked bool            // 是否被阻止
	URL     string          // 主机名或完整URL
	Time    time.Time       // 宿主收到的时间
}

// NewDecision 创建决策记录
func NewDecision(session string, hook model.HookPoint, blocked bool, url string) *Decision {
	return &Decision{
		Session: session,
		Hook:    hook,
		Blocked: blocked,
		URL:     url,
		Time:    time.Now(),
	}
}

// Result 返回决策结果
func (d *Decision) Result() Result {
	if d.Blocked {
		return ResultBlocked
	}
	return ResultPassed
}

// Sign 日志中使用的符号：阻止为 '-'，放行为 '+'
func (d *Decision) Sign() byte {
	if d.Blocked {
		return '-'
	}
	return '+'
}
