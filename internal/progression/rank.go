package progression

import (
	"fmt"
	"math"
)

// Tier is a named rank band of total score
type Tier struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
}

// Tiers lists rank bands in ascending order. Each band spans [Min, next.Min).
var Tiers = []Tier{
	{Name: "Bronze", Min: 0},
	{Name: "Silver", Min: 1000},
	{Name: "Gold", Min: 2000},
	{Name: "Platinum", Min: 3500},
	{Name: "Diamond", Min: 5200},
}

// MaxRankLabel is shown once the top tier is reached
const MaxRankLabel = "Max Rank"

// Rank is the learner's tier and progress towards the next one
type Rank struct {
	Tier           Tier    `json:"tier"`
	TotalScore     float64 `json:"total_score"`
	Next           *Tier   `json:"next,omitempty"`
	ProgressToNext int     `json:"progress_to_next"`
	Label          string  `json:"label"`
}

// ComputeRank places a total score in its tier. Negative scores rank Bronze.
func ComputeRank(totalScore float64) Rank {
	if math.IsNaN(totalScore) {
		totalScore = 0
	}
	idx := 0
	for i, t := range Tiers {
		if totalScore >= t.Min {
			idx = i
		}
	}

	r := Rank{Tier: Tiers[idx], TotalScore: totalScore, ProgressToNext: 100, Label: MaxRankLabel}
	if idx+1 < len(Tiers) {
		next := Tiers[idx+1]
		r.Next = &next
		span := next.Min - r.Tier.Min
		progress := math.Round((totalScore - r.Tier.Min) / span * 100)
		r.ProgressToNext = int(math.Max(0, math.Min(100, progress)))
		r.Label = fmt.Sprintf("%s at %s", next.Name, formatScore(next.Min))
	}
	return r
}

func formatScore(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
