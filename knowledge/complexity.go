package knowledge

import "strings"

// Complexity is a chatbot's retrieval preset.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

var explanationKeywords = map[string]struct{}{
	"why":          {},
	"how":          {},
	"explain":      {},
	"describe":     {},
	"compare":      {},
	"contrast":     {},
	"analyze":      {},
	"relationship": {},
	"difference":   {},
}

// RetrievalSettings is how wide a search runs for a given complexity.
type RetrievalSettings struct {
	TopK   int
	Cutoff float64
}

// ClassifyComplexity grades a query by word count and by the presence of
// explanation seeking words.
func ClassifyComplexity(query string) Complexity {
	words := strings.Fields(strings.ToLower(query))
	for _, w := range words {
		if _, ok := explanationKeywords[strings.Trim(w, ".,;:!?\"'()")]; ok {
			return ComplexityHigh
		}
	}
	switch {
	case len(words) > 15:
		return ComplexityHigh
	case len(words) > 8:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

// Retrieval returns the preset settings, falling back to simple for unknown
// values.
func (c Complexity) Retrieval() RetrievalSettings {
	switch c {
	case ComplexityHigh:
		return RetrievalSettings{TopK: 8, Cutoff: 0.5}
	case ComplexityMedium:
		return RetrievalSettings{TopK: 5, Cutoff: 0.55}
	default:
		return RetrievalSettings{TopK: 3, Cutoff: 0.6}
	}
}
