package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// defaultDimensions balances hash collision rate against vector size.
const defaultDimensions = 256

// HashEmbedding returns a deterministic bag-of-words embedding function.
// Tokens are hashed into a fixed number of buckets and the vector is
// L2-normalized, so cosine similarity reflects token overlap. It needs no
// model and no network access.
func HashEmbedding(dimensions int) chromem.EmbeddingFunc {
	if dimensions <= 0 {
		dimensions = defaultDimensions
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dimensions)
		for _, token := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(token))
			vec[h.Sum32()%uint32(dimensions)]++
		}
		normalize(vec)
		return vec, nil
	}
}

// tokenize lowercases text and splits on anything that is not a letter or a
// digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length. A zero vector gets a fixed component
// so the cosine math downstream stays defined.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
