package core

import "math"

// CosineSimilarity returns the cosine of the angle between a and b.
// It returns 0 when either vector has zero magnitude and compares only the
// common prefix when lengths differ; callers that care must check lengths first.
// The result is clamped to [-1, 1] to absorb rounding error.
func CosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

// NormalizeVector scales v to unit length.
// Returns a new vector. If the input is a zero vector, returns a zero vector.
func NormalizeVector(v []float32) []float32 {
	result := make([]float32, len(v))
	var magnitude float64
	for _, val := range v {
		magnitude += float64(val) * float64(val)
	}
	if magnitude == 0 {
		return result
	}
	magnitude = math.Sqrt(magnitude)
	for i, val := range v {
		result[i] = float32(float64(val) / magnitude)
	}
	return result
}
