package coupling

import "fmt"

// Strategy is one rung of the plateau escape ladder
type Strategy string

const (
	StrategyExplorationBump    Strategy = "gentle_exploration_bump"
	StrategyDomainSwitch       Strategy = "domain_switch"
	StrategyHypothesisInject   Strategy = "radical_hypothesis_injection"
	StrategyAggressiveMutation Strategy = "aggressive_mutation"
	StrategyPerturbation       Strategy = "bounded_perturbation"
	StrategyExternalEscalation Strategy = "external_escalation"
)

// Strategies lists the ladder from gentlest to most drastic
var Strategies = []Strategy{
	StrategyExplorationBump,
	StrategyDomainSwitch,
	StrategyHypothesisInject,
	StrategyAggressiveMutation,
	StrategyPerturbation,
	StrategyExternalEscalation,
}

// Escalation is the ladder's decision for one tick
type Escalation struct {
	Level    int      `json:"level"`
	Strategy Strategy `json:"strategy"`
	Bandit   bool     `json:"bandit"` // chosen by historical success rather than the fixed sequence
}

// StrategyStats counts attempts and successes of one strategy
type StrategyStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// SuccessRate is the Laplace-smoothed success rate
func (s StrategyStats) SuccessRate() float64 {
	return float64(s.Successes+1) / float64(s.Attempts+2)
}

// LadderState is the persisted escape ladder
type LadderState struct {
	Level   int                        `json:"level"`
	Last    Strategy                   `json:"last,omitempty"` // strategy awaiting its outcome
	Stats   map[Strategy]StrategyStats `json:"stats"`
	Applied int                        `json:"applied"`
}

// ladder is the stateful escape ladder. It is not safe for concurrent use.
type ladder struct {
	state     LadderState
	minTrials int
}

func newLadder(minTrials int) *ladder {
	return &ladder{
		state:     LadderState{Stats: make(map[Strategy]StrategyStats)},
		minTrials: minTrials,
	}
}

// step advances the ladder. A significant improvement credits the pending
// strategy and resets to level 0; otherwise the level rises and a strategy
// is chosen among those up to the level.
func (l *ladder) step(improved bool) *Escalation {
	if l.state.Last != "" {
		if improved {
			st := l.state.Stats[l.state.Last]
			st.Successes++
			l.state.Stats[l.state.Last] = st
		}
		l.state.Last = ""
	}

	if improved {
		l.state.Level = 0
		return nil
	}

	l.state.Level = min(l.state.Level+1, len(Strategies))
	esc := &Escalation{Level: l.state.Level, Strategy: Strategies[l.state.Level-1]}

	total := 0
	for _, st := range l.state.Stats {
		total += st.Attempts
	}
	if total >= l.minTrials {
		best := esc.Strategy
		bestRate := l.state.Stats[best].SuccessRate()
		for _, s := range Strategies[:l.state.Level] {
			if r := l.state.Stats[s].SuccessRate(); r > bestRate {
				best, bestRate = s, r
			}
		}
		if best != esc.Strategy {
			esc.Strategy = best
			esc.Bandit = true
		}
	}

	st := l.state.Stats[esc.Strategy]
	st.Attempts++
	l.state.Stats[esc.Strategy] = st
	l.state.Last = esc.Strategy
	l.state.Applied++
	return esc
}

func (l *ladder) export() LadderState {
	s := l.state
	s.Stats = make(map[Strategy]StrategyStats, len(l.state.Stats))
	for k, v := range l.state.Stats {
		s.Stats[k] = v
	}
	return s
}

func (l *ladder) restore(s LadderState) error {
	if s.Level < 0 || s.Level > len(Strategies) {
		return fmt.Errorf("ladder level %d out of range", s.Level)
	}
	stats := make(map[Strategy]StrategyStats, len(s.Stats))
	for k, v := range s.Stats {
		if v.Attempts < 0 || v.Successes < 0 || v.Successes > v.Attempts {
			return fmt.Errorf("invalid stats for strategy %s", k)
		}
		stats[k] = v
	}
	s.Stats = stats
	l.state = s
	return nil
}
