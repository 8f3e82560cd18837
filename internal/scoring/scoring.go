// Package scoring ranks catalog models by suitability for short structured
// generations. Every sub-score is a pure function over the model descriptor,
// normalized to [0,1], and the total is a weighted linear sum — so each term
// is independently testable and the weights are the whole tuning surface.
package scoring

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/meetframe/orfree/pkg/types"
)

const (
	weightContext      = 0.35
	weightInstruct     = 0.15
	weightQuality      = 0.20
	weightSpeed        = 0.20
	weightAvailability = 0.10

	// contextCeiling normalizes context length: 128K and above score 1.0.
	contextCeiling = 131072

	// Inferred parameter counts in this band get a quality bonus. Sub-3B
	// models produce noticeably worse structured JSON, so the penalty below
	// the band outweighs the speed advantage they would otherwise gain.
	preferredMinB = 3.0
	preferredMaxB = 7.0
)

// familyQuality assigns higher base quality to stronger free-tier families.
// Extend as new families appear on OpenRouter.
var familyQuality = map[string]float64{
	"meta-llama": 0.85,
	"mistralai":  0.80,
	"google":     0.80,
	"qwen":       0.75,
	"deepseek":   0.75,
	"microsoft":  0.70,
}

var paramPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)b`)

// ParamBillions infers the parameter count in billions from a model id,
// matching patterns like "7b", "3.8b", "13B". ok is false when the id
// carries no size marker.
func ParamBillions(modelID string) (billions float64, ok bool) {
	m := paramPattern.FindStringSubmatch(modelID)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Scored pairs a model with its computed score.
type Scored struct {
	Model types.Model
	Score float64
}

// Scorer computes suitability scores. It is stateless; the zero value is
// ready to use.
type Scorer struct{}

// Score returns the weighted suitability of a model in [0,1].
func (Scorer) Score(m types.Model) float64 {
	return contextScore(m.ContextLength)*weightContext +
		instructScore(m)*weightInstruct +
		qualityScore(m)*weightQuality +
		speedScore(m)*weightSpeed +
		availabilityScore(m)*weightAvailability
}

// Rank returns the models ordered by score descending. The sort is stable so
// equal scores keep their input order.
func (s Scorer) Rank(models []types.Model) []Scored {
	scored := make([]Scored, len(models))
	for i, m := range models {
		scored[i] = Scored{Model: m, Score: s.Score(m)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

func contextScore(contextLength int) float64 {
	if contextLength <= 0 {
		return 0
	}
	return clamp01(float64(contextLength) / contextCeiling)
}

func instructScore(m types.Model) float64 {
	if m.Architecture != nil && m.Architecture.InstructType != "" {
		return 1
	}
	return 0
}

func qualityScore(m types.Model) float64 {
	family, _, _ := strings.Cut(m.ID, "/")
	base, ok := familyQuality[family]
	if !ok {
		base = 0.50
	}
	params, known := ParamBillions(m.ID)
	if !known {
		return base
	}
	switch {
	case params >= preferredMinB && params <= preferredMaxB:
		return base + 0.15
	case params < preferredMinB:
		return max(0, base-0.25)
	default:
		// Above the band: acceptable, no bonus.
		return base
	}
}

func speedScore(m types.Model) float64 {
	params, known := ParamBillions(m.ID)
	if !known {
		return 0.50
	}
	// Smaller = faster: 1B -> 1.0, 7B -> ~0.54, 14B+ -> 0.
	return clamp01(1 - (params-1)/13)
}

func availabilityScore(m types.Model) float64 {
	score := 0.50
	if m.TopProvider != nil && m.TopProvider.MaxCompletionTokens != nil {
		score += 0.25
	}
	if m.Architecture != nil && m.Architecture.Modality == "text->text" {
		score += 0.25
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
