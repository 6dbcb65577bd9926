package sentiment

import (
	"sort"
	"strings"
	"unicode"
)

type Label string

const (
	Positive Label = "positive"
	Neutral  Label = "neutral"
	Negative Label = "negative"
	Angry    Label = "angry"
)

// Result is the outcome of scoring one message.
type Result struct {
	Sentiment      Label    `json:"sentiment"`
	Score          float64  `json:"score"`
	ShouldEscalate bool     `json:"should_escalate"`
	Keywords       []string `json:"keywords,omitempty"`
}

const (
	positiveWeight       = 1.0
	negativeWeight       = -1.0
	strongNegativeWeight = -2.0
	escalationWeight     = -3.0
	exclamationWeight    = -0.5
	shoutingWeight       = -1.0
	maxExclamations      = 3

	positiveThreshold      = 1.0
	angryTriggerThreshold  = -3.0
	angryScoreThreshold    = -5.0
	shoutingMinWordLetters = 3
)

var (
	positiveTerms = []string{
		"good", "great", "thanks", "thank you", "love", "excellent", "perfect",
		"happy", "awesome", "helpful", "amazing", "fantastic", "appreciate",
		"wonderful", "nice",
	}
	negativeTerms = []string{
		"bad", "poor", "slow", "broken", "disappointed", "late", "wrong",
		"damaged", "problem", "issue", "not working", "unhappy", "missing",
		"delayed", "annoyed", "frustrated", "confusing", "never arrived",
	}
	strongNegativeTerms = []string{
		"terrible", "awful", "worst", "horrible", "useless", "ridiculous",
		"unacceptable", "disgusting", "pathetic", "hate", "scam", "rubbish",
		"garbage",
	}
	escalationTerms = []string{
		"refund now", "want a refund", "worst service", "speak to a manager",
		"talk to a manager", "lawyer", "sue", "report you", "fraud",
		"chargeback", "cancel my account", "never buy again",
	}
	humanRequestTerms = []string{
		"speak to a human", "talk to a human", "real person", "human agent",
		"live agent", "speak to someone", "talk to someone",
	}
	negators = []string{"not", "never", "no", "dont", "isnt", "wasnt"}
)

// Analyzer scores text without any external calls.
type Analyzer struct{}

func NewAnalyzer() *Analyzer { return &Analyzer{} }

func (*Analyzer) Analyze(text string) Result { return Analyze(text) }

// Analyze scores text with weighted keyword sets. Identical input always
// yields an identical Result.
func Analyze(text string) Result {
	padded := " " + normalize(text) + " "
	if strings.TrimSpace(padded) == "" {
		return Result{Sentiment: Neutral}
	}

	var (
		score     float64
		triggered bool
		human     bool
		keywords  = make(map[string]struct{})
	)

	for _, term := range positiveTerms {
		if !containsTerm(padded, term) {
			continue
		}
		if negated(padded, term) {
			score += negativeWeight
			keywords["not "+term] = struct{}{}
			continue
		}
		score += positiveWeight
		keywords[term] = struct{}{}
	}
	for _, term := range negativeTerms {
		if containsTerm(padded, term) {
			score += negativeWeight
			keywords[term] = struct{}{}
		}
	}
	for _, term := range strongNegativeTerms {
		if containsTerm(padded, term) {
			score += strongNegativeWeight
			keywords[term] = struct{}{}
		}
	}
	for _, term := range escalationTerms {
		if containsTerm(padded, term) {
			score += escalationWeight
			triggered = true
			keywords[term] = struct{}{}
		}
	}
	for _, term := range humanRequestTerms {
		if containsTerm(padded, term) {
			human = true
			keywords[term] = struct{}{}
		}
	}

	if score < 0 {
		excl := strings.Count(text, "!")
		if excl > maxExclamations {
			excl = maxExclamations
		}
		score += float64(excl) * exclamationWeight
		if shouting(text) {
			score += shoutingWeight
		}
	}

	res := Result{
		Score:    score,
		Keywords: sortedKeys(keywords),
	}
	switch {
	case (triggered && score <= angryTriggerThreshold) || score <= angryScoreThreshold:
		res.Sentiment = Angry
	case score < 0:
		res.Sentiment = Negative
	case score >= positiveThreshold:
		res.Sentiment = Positive
	default:
		res.Sentiment = Neutral
	}
	res.ShouldEscalate = res.Sentiment == Angry || human
	return res
}

// Severity orders labels from calm to angry.
func (l Label) Severity() int {
	switch l {
	case Angry:
		return 3
	case Negative:
		return 2
	case Neutral:
		return 1
	default:
		return 0
	}
}

func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '\'':
			// "don't" -> "dont"
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func containsTerm(padded, term string) bool {
	return strings.Contains(padded, " "+term+" ")
}

func negated(padded, term string) bool {
	for _, n := range negators {
		if strings.Contains(padded, " "+n+" "+term+" ") {
			return true
		}
	}
	return false
}

func shouting(text string) bool {
	for _, w := range strings.Fields(text) {
		letters := 0
		upper := true
		for _, r := range w {
			if !unicode.IsLetter(r) {
				continue
			}
			letters++
			if !unicode.IsUpper(r) {
				upper = false
				break
			}
		}
		if upper && letters >= shoutingMinWordLetters {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
