package service

import (
	"math/rand"
	"sync"
)

// Randomizer abstracts the randomness used by assignment, probe injection,
// and review-sampling decisions so tests can substitute deterministic values.
// Seeds are never exposed to callers.
type Randomizer interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// Intn returns a value in [0, n). n must be positive.
	Intn(n int) int
	// Shuffle randomizes the order of n elements via swap.
	Shuffle(n int, swap func(i, j int))
}

type systemRandomizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomizer returns the production randomizer.
func NewRandomizer(seed int64) Randomizer {
	return &systemRandomizer{rng: rand.New(rand.NewSource(seed))}
}

func (s *systemRandomizer) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *systemRandomizer) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *systemRandomizer) Shuffle(n int, swap func(i, j int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(n, swap)
}
