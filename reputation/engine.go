package reputation

import (
	"math"
	"sort"
	"time"
)

// Params tune the fixed-point computation.
type Params struct {
	HalfLife      time.Duration
	Epsilon       float64
	MaxIterations int
	Prior         float64
}

// Result holds one full recomputation.
type Result struct {
	Scores     map[string]float64
	Counts     map[string]int
	Iterations int
	Converged  bool
}

// Compute derives every agent's score from the complete review set.
//
// Each review about an agent is weighted by the reviewer's current score,
// normalized by the mean score of that agent's reviewers, and by the decay
// 0.5^(age/HalfLife) where age is measured from the newest review. Scores
// are solved by Jacobi iteration from a uniform prior. Reviews are visited
// in ID order and agents in ID order, so identical inputs produce identical
// floats. If the iteration does not settle within MaxIterations the result
// falls back to the unweighted mean and Converged is false.
func Compute(reviews []Review, p Params) Result {
	sorted := make([]Review, len(reviews))
	copy(sorted, reviews)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var newest time.Time
	agentSet := make(map[string]struct{})
	about := make(map[string][]int)
	for i, r := range sorted {
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
		agentSet[r.Reviewer] = struct{}{}
		agentSet[r.Subject] = struct{}{}
		about[r.Subject] = append(about[r.Subject], i)
	}
	agents := make([]string, 0, len(agentSet))
	for a := range agentSet {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	decay := make([]float64, len(sorted))
	for i, r := range sorted {
		decay[i] = decayFactor(newest.Sub(r.CreatedAt), p.HalfLife)
	}

	counts := make(map[string]int, len(about))
	for subject, idx := range about {
		counts[subject] = len(idx)
	}

	scores := make(map[string]float64, len(agents))
	for _, a := range agents {
		scores[a] = p.Prior
	}

	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	for iter := 1; iter <= maxIter; iter++ {
		next := make(map[string]float64, len(agents))
		var delta float64
		for _, a := range agents {
			idx := about[a]
			if len(idx) == 0 {
				next[a] = scores[a]
				continue
			}
			var mean float64
			for _, i := range idx {
				mean += scores[sorted[i].Reviewer]
			}
			mean /= float64(len(idx))

			var num, den float64
			for _, i := range idx {
				w := 1.0
				if mean > 0 {
					w = scores[sorted[i].Reviewer] / mean
				}
				wd := w * decay[i]
				num += wd * sorted[i].Rating
				den += wd
			}
			v := p.Prior
			if den > 0 {
				v = num / den
			}
			next[a] = v
			if d := math.Abs(v - scores[a]); d > delta {
				delta = d
			}
		}
		scores = next
		if delta <= p.Epsilon {
			return Result{Scores: scores, Counts: counts, Iterations: iter, Converged: true}
		}
	}

	return Result{Scores: unweighted(sorted, agents, about, p.Prior), Counts: counts, Iterations: maxIter, Converged: false}
}

func decayFactor(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

func unweighted(sorted []Review, agents []string, about map[string][]int, prior float64) map[string]float64 {
	out := make(map[string]float64, len(agents))
	for _, a := range agents {
		idx := about[a]
		if len(idx) == 0 {
			out[a] = prior
			continue
		}
		var sum float64
		for _, i := range idx {
			sum += sorted[i].Rating
		}
		out[a] = sum / float64(len(idx))
	}
	return out
}
