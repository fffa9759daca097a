package optimizer

import (
	"regexp"
	"strings"
)

// Complexity buckets a prompt by how much reasoning it demands.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityCreative Complexity = "creative"
)

// classPatterns holds the scored signals for one complexity class.
type classPatterns struct {
	complexity Complexity
	keywords   []string
	patterns   []*regexp.Regexp
}

// Ordered so later classes win score ties: a prompt that looks both simple
// and creative is treated as creative.
var classifierClasses = []classPatterns{
	{
		complexity: ComplexitySimple,
		keywords:   []string{"what is", "who is", "when", "where", "define", "meaning of", "yes or no"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you)\b`),
			regexp.MustCompile(`(?i)^\s*\w+(\s+\w+){0,7}\s*\?\s*$`),
		},
	},
	{
		complexity: ComplexityModerate,
		keywords:   []string{"explain", "summarize", "compare", "how do", "how does", "list", "steps", "translate"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(pros and cons|difference between)\b`),
		},
	},
	{
		complexity: ComplexityComplex,
		keywords:   []string{"analyze", "architecture", "optimize", "algorithm", "prove", "debug", "trade-off", "tradeoff", "implement", "refactor", "derive"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile("(?s)```"),
			regexp.MustCompile(`(?i)\bstep[- ]by[- ]step\b`),
		},
	},
	{
		complexity: ComplexityCreative,
		keywords:   []string{"write a story", "poem", "imagine", "brainstorm", "fiction", "creative", "lyrics", "screenplay"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bin the style of\b`),
		},
	},
}

// Classify scores the prompt against the four ordered pattern classes and
// returns the highest-scoring non-empty class, defaulting to simple.
func Classify(prompt string) Complexity {
	lowered := strings.ToLower(prompt)
	best := ComplexitySimple
	bestScore := 0
	for _, class := range classifierClasses {
		score := 0
		for _, kw := range class.keywords {
			if strings.Contains(lowered, kw) {
				score++
			}
		}
		for _, re := range class.patterns {
			if re.MatchString(prompt) {
				score++
			}
		}
		// Long prompts lean complex even without keyword signals.
		if class.complexity == ComplexityComplex && len(prompt) > 800 {
			score++
		}
		if score >= bestScore && score > 0 {
			best = class.complexity
			bestScore = score
		}
	}
	return best
}
