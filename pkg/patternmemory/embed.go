package patternmemory

import (
	"crypto/sha256"
	"math"
	"strings"

	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
)

// hashedEmbedding produces a deterministic, fixed-dimension embedding from
// the lowercased whitespace-split tokens of text, used when no embedding
// endpoint is configured (§4.6 fallback). Each token deterministically
// perturbs a fixed number of dimensions via its sha256 digest, then the
// vector is L2-normalized so cosine similarity behaves sensibly.
func hashedEmbedding(text string) []float32 {
	vec := make([]float32, modelclient.Dimension)
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < len(sum); i += 2 {
			idx := (int(sum[i])<<8 | int(sum[i+1])) % modelclient.Dimension
			sign := float32(1)
			if sum[i]&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	norm := math.Sqrt(sumSquares)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
