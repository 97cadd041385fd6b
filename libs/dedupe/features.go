package dedupe

import (
	"math"
	"math/rand/v2"
	"unicode/utf16"
)

// FeatureDimensions is the length of every feature vector and of the
// image_vector column.
const FeatureDimensions = 512

// ExtractFeatures derives a deterministic feature vector from an image
// reference. The vector encodes the reference string, not the pixels, so two
// uploads of the same photo under different names will not match.
//
// Each element is sin(hash+i)*0.5+0.5 where hash folds the UTF-16 code units
// of ref with hash*31+unit in 32-bit signed arithmetic.
func ExtractFeatures(ref string) (vector []float64) {
	defer func() {
		if r := recover(); r != nil {
			vector = randomFeatures()
		}
	}()

	hash := referenceHash(ref)
	vector = make([]float64, FeatureDimensions)
	for i := range vector {
		vector[i] = math.Sin(float64(hash)+float64(i))*0.5 + 0.5
	}
	return vector
}

func referenceHash(ref string) int32 {
	var hash int32
	for _, unit := range utf16.Encode([]rune(ref)) {
		hash = hash*31 + int32(unit)
	}
	return hash
}

func randomFeatures() []float64 {
	vector := make([]float64, FeatureDimensions)
	for i := range vector {
		vector[i] = rand.Float64()
	}
	return vector
}

// Float32s converts a feature vector to the single precision form stored in
// pgvector columns.
func Float32s(vector []float64) []float32 {
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(v)
	}
	return out
}
