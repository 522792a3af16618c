package embedding

import (
	"context"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true, "in": true,
	"and": true, "or": true, "is": true, "are": true, "for": true, "on": true,
	"by": true, "with": true, "it": true, "be": true, "as": true, "at": true,
}

// HashEmbedder is a deterministic feature-hashing embedder that needs no
// external service. Identical text always yields the identical vector, and
// texts sharing tokens have positive cosine similarity.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates a hash embedder with dims dimensions
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dims: dims}
}

// Embed implements Provider
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.Dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i > 0 {
			addFeature(vec, tokens[i-1]+"_"+tok, 0.5)
		}
	}
	return Normalize(vec), nil
}

// addFeature hashes feature into one signed bucket
func addFeature(vec []float32, feature string, weight float32) {
	hash := fnv1aHash(feature)
	idx := int(hash % uint64(len(vec)))
	if (hash>>32)&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// fnv1aHash computes FNV-1a hash (deterministic, good distribution)
func fnv1aHash(s string) uint64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, c := range s {
		h ^= uint64(c)
		h *= 1099511628211 // FNV prime
	}
	return h
}

// Tokenize lowercases text and splits it into content words
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '%'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
