package graph

import "math"

// Policy 定义通路强度的更新规则。
type Policy struct {
	SuccessDelta    float64 `json:"success_delta"`
	FailureDelta    float64 `json:"failure_delta"`
	DefaultStrength float64 `json:"default_strength"`
}

// DefaultPolicy 返回默认的强度策略：失败的惩罚大于成功的奖励。
func DefaultPolicy() Policy {
	return Policy{SuccessDelta: 0.05, FailureDelta: 0.1, DefaultStrength: 0.5}
}

// Validate 校验策略参数。
func (p Policy) Validate() error {
	if p.SuccessDelta < 0 || p.SuccessDelta > 1 {
		return invalidRange("success_delta", p.SuccessDelta)
	}
	if p.FailureDelta < 0 || p.FailureDelta > 1 {
		return invalidRange("failure_delta", p.FailureDelta)
	}
	if p.DefaultStrength < 0 || p.DefaultStrength > 1 {
		return invalidRange("default_strength", p.DefaultStrength)
	}
	return nil
}

// Apply 返回一次调用结果之后的新强度。
func (p Policy) Apply(strength float64, outcome Outcome) float64 {
	if outcome == OutcomeSuccess {
		return ClampUnit(strength + p.SuccessDelta)
	}
	return ClampUnit(strength - p.FailureDelta)
}

// ClampUnit 将数值限制在 [0,1] 内，并舍入到 1e-6 以避免浮点漂移累积。
func ClampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v*1e6) / 1e6
	return math.Max(0, math.Min(1, v))
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
