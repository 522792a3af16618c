package evolver

import (
	"strings"
	"unicode"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/faults"
)

// Vocabulary lists the values each field may take under variation
type Vocabulary struct {
	Actions []string `yaml:"actions"`
	Targets []string `yaml:"targets"`
	Metrics []string `yaml:"metrics"`
	Amounts []string `yaml:"amounts"`
}

// Values returns the vocabulary of field f
func (v Vocabulary) Values(f Field) []string {
	switch f {
	case FieldAction:
		return v.Actions
	case FieldTarget:
		return v.Targets
	case FieldMetric:
		return v.Metrics
	case FieldAmount:
		return v.Amounts
	}
	return nil
}

// Merge returns v extended with every value of fs it does not already hold
func (v Vocabulary) Merge(fs Fields) Vocabulary {
	add := func(list []string, s string) []string {
		for _, x := range list {
			if x == s {
				return list
			}
		}
		return append(append([]string(nil), list...), s)
	}
	v.Actions = add(v.Actions, fs.Action)
	v.Targets = add(v.Targets, fs.Target)
	v.Metrics = add(v.Metrics, fs.Metric)
	v.Amounts = add(v.Amounts, fs.Amount)
	return v
}

// DefaultVocabulary mixes concrete and vague values so variation can move both ways
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Actions: []string{"reduce", "increase", "cache", "index", "batch", "parallelize", "precompute", "improve", "optimize"},
		Targets: []string{"query latency", "oracle calls", "pattern reuse", "answer accuracy", "memory hit rate", "belief consistency", "things", "overall system"},
		Metrics: []string{"p99_latency_ms", "oracle_calls_count", "reuse_rate", "accuracy_pct", "hit_rate_pct", "energy_score", "quality", "general performance"},
		Amounts: []string{"10%", "20%", "30%", "50%", "2x", "somewhat", "a lot"},
	}
}

var actionVerbs = map[string]bool{
	"reduce": true, "increase": true, "cache": true, "index": true, "batch": true,
	"parallelize": true, "precompute": true, "remove": true, "add": true, "split": true,
	"merge": true, "inline": true, "shard": true, "compress": true, "limit": true,
	"raise": true, "lower": true, "halve": true, "double": true, "prune": true,
}

var vagueTerms = map[string]bool{
	"improve": true, "enhance": true, "optimize": true, "better": true, "things": true,
	"stuff": true, "everything": true, "quality": true, "overall": true, "general": true,
	"somewhat": true, "bit": true, "more": true, "various": true, "some": true,
	"lot": true, "nicer": true, "system": true, "performance": true,
}

var unitSuffixes = []string{"_ms", "_pct", "_rps", "_seconds", "_mb", "_rate", "_count", "_score"}

const (
	minWords = 3
	maxWords = 12
)

// Specificity scores how concrete and actionable fs is: 0.3 for an action
// verb, 0.3 for measurable terms, 0.2 inverted by the vague-term fraction and
// 0.2 for a well-formed length. The result is clamped to [0, 1].
func Specificity(fs Fields) (float64, bool) {
	fs = fs.Normalize()

	var action float64
	if words := strings.Fields(fs.Action); len(words) > 0 && actionVerbs[words[0]] {
		action = 1
	}

	var measurable float64
	if hasUnit(fs.Metric) {
		measurable += 0.5
	}
	if strings.IndexFunc(fs.Amount, unicode.IsDigit) >= 0 {
		measurable += 0.5
	}

	tokens := embedding.Tokenize(strings.Join([]string{fs.Action, fs.Target, fs.Metric, fs.Amount}, " "))
	var vague float64
	if len(tokens) > 0 {
		n := 0
		for _, t := range tokens {
			if vagueTerms[t] {
				n++
			}
		}
		vague = float64(n) / float64(len(tokens))
	}

	var length float64
	switch n := len(tokens); {
	case n == 0:
	case n < minWords:
		length = float64(n) / minWords
	case n > maxWords:
		length = float64(maxWords) / float64(n)
	default:
		length = 1
	}

	return faults.Clamp01(0.3*action + 0.3*measurable + 0.2*(1-vague) + 0.2*length)
}

func hasUnit(metric string) bool {
	for _, s := range unitSuffixes {
		if strings.HasSuffix(metric, s) {
			return true
		}
	}
	return false
}
