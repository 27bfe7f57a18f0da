package testing

import "math/rand"

// Reverse returns a reversed copy of items
func Reverse[T any](items []T) []T {
	reversed := make([]T, len(items))
	copy(reversed, items)

	for i := len(reversed)/2 - 1; i >= 0; i-- {
		opp := len(reversed) - 1 - i
		reversed[i], reversed[opp] = reversed[opp], reversed[i]
	}

	return reversed
}

// Shuffle returns a copy of items in random order, deterministic for a given seed
func Shuffle[T any](items []T, seed int64) []T {
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
