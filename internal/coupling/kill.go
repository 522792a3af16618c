package coupling

import (
	"fmt"
	"time"
)

// Window summarizes one measurement window
type Window struct {
	Index           int             `json:"index"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	Capability      float64         `json:"capability"`
	Growth          float64         `json:"growth"`
	OracleCalls     float64         `json:"oracle_calls"`
	Efficiency      float64         `json:"efficiency"` // growth per oracle call
	Healthy         map[string]bool `json:"healthy"`
	MeanCorrelation float64         `json:"mean_correlation"`
	Improved        bool            `json:"improved"`
}

// HealthyCount returns how many components were healthy
func (w Window) HealthyCount() int {
	n := 0
	for _, ok := range w.Healthy {
		if ok {
			n++
		}
	}
	return n
}

// KillConfig parameterizes the kill criteria
type KillConfig struct {
	GrowthWindows      int     // N: consecutive zero-growth windows for a hard kill
	EfficiencyWindows  int     // M: windows of strictly falling oracle efficiency for a hard kill
	HealthWindows      int     // N: windows with exactly one healthy component for a soft kill
	CorrelationWindows int     // M: windows below CorrelationFloor for a soft kill
	CorrelationFloor   float64 // mean absolute cross-component correlation
	GrowthEpsilon      float64 // growth at or below this counts as zero
}

// DefaultKillConfig returns the kill criteria defaults
func DefaultKillConfig() KillConfig {
	return KillConfig{
		GrowthWindows:      4,
		EfficiencyWindows:  3,
		HealthWindows:      4,
		CorrelationWindows: 6,
		CorrelationFloor:   0.1,
		GrowthEpsilon:      1e-6,
	}
}

// Criterion names one kill criterion
type Criterion string

const (
	CriterionZeroGrowth      Criterion = "zero_growth"
	CriterionFallingEfficacy Criterion = "falling_oracle_efficiency"
	CriterionSingleHealthy   Criterion = "single_healthy_component"
	CriterionWeakCoupling    Criterion = "weak_coupling"
)

// KillStatus is the evaluation of every criterion over recent windows
type KillStatus struct {
	ZeroGrowth      bool     `json:"zero_growth"`
	FallingEfficacy bool     `json:"falling_oracle_efficiency"`
	SingleHealthy   bool     `json:"single_healthy_component"` // exactly one; zero healthy is not this criterion
	WeakCoupling    bool     `json:"weak_coupling"`
	Hard            bool     `json:"hard"`
	Soft            bool     `json:"soft"`
	Reasons         []string `json:"reasons,omitempty"`
}

// Active returns the criteria currently met
func (k KillStatus) Active() map[Criterion]bool {
	return map[Criterion]bool{
		CriterionZeroGrowth:      k.ZeroGrowth,
		CriterionFallingEfficacy: k.FallingEfficacy,
		CriterionSingleHealthy:   k.SingleHealthy,
		CriterionWeakCoupling:    k.WeakCoupling,
	}
}

// IsHard reports whether c is a hard criterion
func (c Criterion) IsHard() bool {
	return c == CriterionZeroGrowth || c == CriterionFallingEfficacy
}

// EvaluateKillCriteria is a pure function of the most recent windows,
// ordered oldest first.
func EvaluateKillCriteria(windows []Window, cfg KillConfig) KillStatus {
	var k KillStatus

	if tail, ok := last(windows, cfg.GrowthWindows); ok {
		k.ZeroGrowth = all(tail, func(w Window) bool { return w.Growth <= cfg.GrowthEpsilon })
		if k.ZeroGrowth {
			k.Reasons = append(k.Reasons, fmt.Sprintf("no capability growth for %d windows", cfg.GrowthWindows))
		}
	}

	if tail, ok := last(windows, cfg.EfficiencyWindows); ok && len(tail) >= 2 {
		falling := true
		for i := 1; i < len(tail); i++ {
			if !(tail[i].Efficiency < tail[i-1].Efficiency) {
				falling = false
				break
			}
		}
		k.FallingEfficacy = falling
		if falling {
			k.Reasons = append(k.Reasons, fmt.Sprintf("oracle efficiency fell for %d windows", cfg.EfficiencyWindows))
		}
	}

	if tail, ok := last(windows, cfg.HealthWindows); ok {
		k.SingleHealthy = all(tail, func(w Window) bool { return w.HealthyCount() == 1 })
		if k.SingleHealthy {
			k.Reasons = append(k.Reasons, fmt.Sprintf("only one healthy component for %d windows", cfg.HealthWindows))
		}
	}

	if tail, ok := last(windows, cfg.CorrelationWindows); ok {
		k.WeakCoupling = all(tail, func(w Window) bool { return w.MeanCorrelation < cfg.CorrelationFloor })
		if k.WeakCoupling {
			k.Reasons = append(k.Reasons, fmt.Sprintf("coupling below %.2f for %d windows", cfg.CorrelationFloor, cfg.CorrelationWindows))
		}
	}

	k.Hard = k.ZeroGrowth || k.FallingEfficacy
	k.Soft = k.SingleHealthy || k.WeakCoupling
	return k
}

func last(windows []Window, n int) ([]Window, bool) {
	if n <= 0 || len(windows) < n {
		return nil, false
	}
	return windows[len(windows)-n:], true
}

func all(windows []Window, pred func(Window) bool) bool {
	for _, w := range windows {
		if !pred(w) {
			return false
		}
	}
	return true
}
