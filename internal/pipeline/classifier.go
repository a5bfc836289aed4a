// Package pipeline wires the market event analysis stages (screen, filter,
// classify, assess, decide) onto the workflow engine and the memory store.
// The wiring is declarative: a stage list plus a routing table, so new
// pipelines can be assembled by recomposing stages.
package pipeline

import (
	"context"
	"regexp"
	"strings"
)

// Request is the bounded payload a stage adapter sends to its classifier.
type Request struct {
	// Stage names the decision being asked for (screen, filter, classify).
	Stage string
	// Text is the event payload, already bounded by the caller.
	Text string
	// Symbols are the market symbols the event mentions.
	Symbols []string
	// Context is an optional memory digest for the symbols.
	Context string
}

// Result is a classifier decision.
type Result struct {
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Classifier is the external decision function each stage adapter wraps.
// Implementations may be rule engines or model calls; their internals are
// outside this package.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// classifierRule pairs a compiled regex with the category it detects and a
// base confidence score. Rules are evaluated in order; the first match wins.
type classifierRule struct {
	regex      *regexp.Regexp
	category   string
	confidence float64
}

// RuleClassifier classifies event text using ordered regex rules per stage.
// Thread-safe: all patterns are compiled at construction time.
type RuleClassifier struct {
	screenRules   []classifierRule
	sentimentPos  *regexp.Regexp
	sentimentNeg  *regexp.Regexp
	relevantWords *regexp.Regexp
}

// NewRuleClassifier creates a classifier with built-in rules.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		screenRules: []classifierRule{
			// Promotional junk first so it never shadows real updates.
			{regexp.MustCompile(`(?i)\b(sponsored|giveaway|airdrop|click here|subscribe now|promo code)\b`), VerdictSpam, 0.95},
			{regexp.MustCompile(`(?i)\b(updates?|revise[ds]?|correction|follow[- ]?up|reiterate[ds]?)\b`), VerdictUpdate, 0.7},
		},
		sentimentPos:  regexp.MustCompile(`(?i)\b(beats?|surge[ds]?|record|upgrade[ds]?|rally|growth|outperform|soar(s|ed)?|bullish|profit)\b`),
		sentimentNeg:  regexp.MustCompile(`(?i)\b(miss(es|ed)?|plunge[ds]?|downgrade[ds]?|lawsuit|recall|bankruptcy|layoffs?|bearish|loss(es)?|probe)\b`),
		relevantWords: regexp.MustCompile(`(?i)\b(earnings|revenue|guidance|merger|acquisition|dividend|buyback|sec|fda|rating|price target|forecast)\b`),
	}
}

// Classify dispatches on the requested stage decision.
func (c *RuleClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	switch req.Stage {
	case StageScreen:
		return c.screen(req), nil
	case StageFilter:
		return c.filter(req), nil
	case StageClassify:
		return c.sentiment(req), nil
	default:
		return c.sentiment(req), nil
	}
}

// screen triages the event into new, update, or spam. Duplicate detection
// is the memory store's job, not the classifier's.
func (c *RuleClassifier) screen(req Request) Result {
	for _, rule := range c.screenRules {
		if rule.regex.MatchString(req.Text) {
			return Result{Category: rule.category, Confidence: rule.confidence}
		}
	}
	return Result{Category: VerdictNew, Confidence: 0.8}
}

// filter decides whether the event is worth deeper analysis.
func (c *RuleClassifier) filter(req Request) Result {
	if len(req.Symbols) == 0 {
		return Result{Category: "irrelevant", Confidence: 0.9}
	}
	if c.relevantWords.MatchString(req.Text) {
		return Result{Category: "relevant", Confidence: 0.85}
	}
	// Symbol-bearing events with sentiment signal still qualify.
	if c.sentimentPos.MatchString(req.Text) || c.sentimentNeg.MatchString(req.Text) {
		return Result{Category: "relevant", Confidence: 0.6}
	}
	return Result{Category: "irrelevant", Confidence: 0.6}
}

// sentiment scores positive against negative signal words.
func (c *RuleClassifier) sentiment(req Request) Result {
	pos := len(c.sentimentPos.FindAllString(req.Text, -1))
	neg := len(c.sentimentNeg.FindAllString(req.Text, -1))

	var category string
	var score float64
	switch {
	case pos > neg:
		category = "positive"
		score = float64(pos-neg) / float64(pos+neg)
	case neg > pos:
		category = "negative"
		score = -float64(neg-pos) / float64(pos+neg)
	default:
		category = "neutral"
	}

	confidence := 0.5
	if pos+neg > 0 {
		confidence = 0.5 + 0.5*abs(score)
	}

	return Result{
		Category:   category,
		Confidence: confidence,
		Fields: map[string]any{
			"score":     score,
			"positives": pos,
			"negatives": neg,
			"facts":     extractFacts(req.Text),
		},
	}
}

// sentenceBoundary ends a sentence at '.' or ';' only before whitespace or
// end of text, so decimals like "4.2" survive, or at a newline.
var sentenceBoundary = regexp.MustCompile(`[.;](?:\s+|$)|\n`)

// extractFacts pulls short factual fragments (sentences containing numbers
// or percent signs) out of the payload.
func extractFacts(text string) []string {
	var facts []string
	for _, sentence := range sentenceBoundary.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if strings.ContainsAny(sentence, "0123456789%$") {
			facts = append(facts, sentence)
		}
		if len(facts) == 5 {
			break
		}
	}
	return facts
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
