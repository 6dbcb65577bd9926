package sentiment

import (
	"reflect"
	"testing"
)

func TestAnalyzeBuckets(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		want     Label
		escalate bool
	}{
		{name: "empty", text: "", want: Neutral},
		{name: "plain shopping", text: "show me red shoes", want: Neutral},
		{name: "positive", text: "Thanks, that was great!", want: Positive},
		{name: "negative", text: "My package is late", want: Negative},
		{name: "negated positive", text: "This is not good", want: Negative},
		{name: "human request", text: "Can I speak to a human please", want: Neutral, escalate: true},
		{name: "shouting", text: "THIS IS TERRIBLE AND AWFUL!!!", want: Angry, escalate: true},
		{name: "refund demand", text: "This is the worst service ever, I want a refund now!", want: Angry, escalate: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Analyze(tc.text)
			if got.Sentiment != tc.want {
				t.Fatalf("Sentiment = %q (score %.1f), want %q", got.Sentiment, got.Score, tc.want)
			}
			if got.ShouldEscalate != tc.escalate {
				t.Fatalf("ShouldEscalate = %v, want %v", got.ShouldEscalate, tc.escalate)
			}
		})
	}
}

func TestAnalyzeRefundDemandScore(t *testing.T) {
	got := Analyze("This is the worst service ever, I want a refund now!")
	if got.Score > -7 {
		t.Fatalf("Score = %.1f, want <= -7", got.Score)
	}
	want := []string{"refund now", "want a refund", "worst", "worst service"}
	if !reflect.DeepEqual(got.Keywords, want) {
		t.Fatalf("Keywords = %v, want %v", got.Keywords, want)
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	inputs := []string{
		"This is the worst service ever, I want a refund now!",
		"thanks, love it",
		"the zipper is broken and the delivery was slow",
	}
	a := NewAnalyzer()
	for _, in := range inputs {
		first := a.Analyze(in)
		for i := 0; i < 50; i++ {
			if got := a.Analyze(in); !reflect.DeepEqual(got, first) {
				t.Fatalf("Analyze(%q) run %d = %+v, want %+v", in, i, got, first)
			}
		}
	}
}

func TestEmphasisOnlyAmplifiesNegative(t *testing.T) {
	calm := Analyze("great")
	loud := Analyze("GREAT!!!")
	if calm.Score != loud.Score {
		t.Fatalf("positive score changed with emphasis: %.1f vs %.1f", calm.Score, loud.Score)
	}
	if Analyze("bad!!!").Score >= Analyze("bad").Score {
		t.Fatalf("exclamations did not amplify a negative score")
	}
}

func TestSeverityOrder(t *testing.T) {
	if !(Angry.Severity() > Negative.Severity() && Negative.Severity() > Neutral.Severity() && Neutral.Severity() > Positive.Severity()) {
		t.Fatalf("severity order broken")
	}
}
