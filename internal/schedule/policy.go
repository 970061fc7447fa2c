package schedule

import (
	"math"
	"math/rand/v2"
)

const (
	mutateCorpusScale = 100.0
	mutateProbCap     = 0.8

	deleteThreshold = 0.1
	deleteSteepness = 10.0

	shuffleMinAttempts = 10
	shuffleRatio       = 10
)

// DeterministicMutateProbability is min(corpusSize/100, 0.8).
func DeterministicMutateProbability(corpusSize int) float64 {
	if corpusSize <= 0 {
		return 0
	}
	return math.Min(float64(corpusSize)/mutateCorpusScale, mutateProbCap)
}

// ShouldDeterministicMutate flips a coin weighted by DeterministicMutateProbability.
// True means mutate the current prompt line by line; false means assemble a
// fresh energy-weighted combination.
func ShouldDeterministicMutate(rng *rand.Rand, corpusSize int) bool {
	return coin(rng, DeterministicMutateProbability(corpusSize))
}

func sigmoid(x, threshold, steepness float64) float64 {
	return 1 / (1 + math.Exp(steepness*(threshold-x)))
}

// DeleteProbability is 1 - sigmoid(successRate; threshold 0.1, steepness 10).
func DeleteProbability(successRate float64) float64 {
	return 1 - sigmoid(successRate, deleteThreshold, deleteSteepness)
}

// ShouldDelete decides whether an artifact with the given success rate is dropped.
func ShouldDelete(rng *rand.Rand, successRate float64) bool {
	return coin(rng, DeleteProbability(successRate))
}

// ShouldShuffle reports whether the current prompt is stuck: no success after
// ten attempts, or fewer than one success per ten attempts.
func ShouldShuffle(succ, total int) bool {
	if succ == 0 {
		return total >= shuffleMinAttempts
	}
	return succ*shuffleRatio < total
}

func coin(rng *rand.Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rng.Float64() < p
}

// weightedChoose draws an index with probability proportional to weights.
// When no weight is positive (or the total is not finite) the draw is uniform.
func weightedChoose(rng *rand.Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return rng.IntN(len(weights))
	}
	r := rng.Float64() * total
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = i
		if r < w {
			return i
		}
		r -= w
	}
	return last
}
