// Package emotion provides keyword-based affect detection and message
// importance scoring. Detection is deliberately cheap: it runs on every
// stored message and must never call out to a model.
package emotion

import (
	"fmt"
	"math"
	"strings"
)

// Neutral is the label assigned when no emotion keyword matches.
const Neutral = "neutral"

// AffectState is the detected emotional state of a message.
type AffectState struct {
	Label      string
	Confidence float64
	// Importance is the storage weight in [0.1, 1.0].
	Importance float64
}

// IsNeutral reports whether no meaningful emotion was detected.
func (a AffectState) IsNeutral() bool {
	return a.Label == Neutral
}

// keyword tables, matched as substrings against lowercased text.
// labels iterates in fixed order so ties break deterministically.
var labels = []string{"joy", "sadness", "anger", "fear", "surprise", "disgust"}

var keywords = map[string][]string{
	"joy": {
		"happy", "excited", "love", "wonderful", "amazing", "great",
		"fantastic", "thrilled", "delighted", "cheerful", "joyful",
		"glad", "pleased", "ecstatic", "elated", "😊", "😄", "❤️", "🥰",
	},
	"sadness": {
		"sad", "depressed", "hurt", "cry", "crying", "tears", "upset",
		"disappointed", "heartbroken", "miserable", "lonely", "down",
		"devastated", "gloomy", "melancholy", "😢", "😭", "💔",
	},
	"anger": {
		"angry", "furious", "hate", "annoyed", "frustrated", "mad",
		"rage", "irritated", "infuriated", "outraged", "bitter",
		"resentful", "hostile", "aggressive", "😠", "😡", "🤬",
	},
	"fear": {
		"scared", "afraid", "worried", "anxious", "terrified", "panic",
		"nervous", "frightened", "alarmed", "concerned", "uneasy",
		"apprehensive", "dread", "horror", "😰", "😨", "😱",
	},
	"surprise": {
		"surprised", "shocked", "amazed", "astonished", "stunned",
		"startled", "unexpected", "wow", "omg", "😮", "😲", "🤯",
	},
	"disgust": {
		"disgusted", "gross", "revolting", "repulsive", "nasty",
		"awful", "terrible", "horrible", "sickening", "🤢", "🤮",
	},
}

// weights scale how strongly each emotion contributes to importance.
var weights = map[string]float64{
	"joy":      0.8,
	"sadness":  1.0,
	"anger":    0.9,
	"fear":     0.95,
	"surprise": 0.7,
	"disgust":  0.75,
	Neutral:    0.5,
}

// Score detects the dominant emotion in text and computes its importance.
func Score(text string) AffectState {
	lower := strings.ToLower(text)

	best := Neutral
	bestCount := 0
	for _, label := range labels {
		count := 0
		for _, kw := range keywords[label] {
			if strings.Contains(lower, kw) {
				count++
			}
		}
		if count > bestCount {
			best = label
			bestCount = count
		}
	}

	confidence := 0.5
	if best != Neutral {
		confidence = math.Min(float64(bestCount)/3.0, 1.0)
	}

	return AffectState{
		Label:      best,
		Confidence: confidence,
		Importance: importance(text, best, confidence),
	}
}

// importance scores a message in [0.1, 1.0] from its emotional weight,
// length, questions, exclamations and first-person investment.
func importance(text, label string, confidence float64) float64 {
	score := 0.5

	if label != Neutral {
		score += confidence * weights[label] * 0.3
	}

	switch n := len(text); {
	case n > 200:
		score += 0.15
	case n > 100:
		score += 0.1
	case n < 20:
		score -= 0.1
	}

	if q := strings.Count(text, "?"); q > 0 {
		score += math.Min(float64(q)*0.1, 0.15)
	}
	if e := strings.Count(text, "!"); e > 0 {
		score += math.Min(float64(e)*0.05, 0.1)
	}

	markers := []string{"i ", "me ", "my ", "mine ", "i'm ", "i've ", "i'll "}
	padded := " " + strings.ToLower(text) + " "
	hits := 0
	for _, m := range markers {
		if strings.Contains(padded, m) {
			hits++
		}
	}
	if hits > 0 {
		score += math.Min(float64(hits)*0.05, 0.1)
	}

	score = math.Min(score, 1.0)
	score = math.Max(score, 0.1)
	return math.Round(score*1000) / 1000
}

// guidance maps an emotion label to a response steer for the model.
var guidance = map[string]string{
	"joy":      "Respond with enthusiasm and positive reinforcement.",
	"sadness":  "Respond with empathy, validation, and gentle support.",
	"anger":    "Respond calmly with understanding and de-escalation.",
	"fear":     "Respond reassuringly with comfort and practical suggestions.",
	"surprise": "Acknowledge the unexpected nature and provide clarity.",
	"disgust":  "Validate their feelings and redirect if appropriate.",
}

// GuidancePrompt renders a system-prompt addition for the detected affect.
// It returns "" for neutral or low-confidence states so callers can append
// it unconditionally.
func GuidancePrompt(state AffectState) string {
	if state.IsNeutral() || state.Confidence < 0.4 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Emotional Context\n")
	fmt.Fprintf(&b, "User's current emotional state: **%s** (confidence: %.0f%%)",
		state.Label, state.Confidence*100)
	if g, ok := guidance[state.Label]; ok {
		b.WriteString("\n" + g)
	}
	return b.String()
}
