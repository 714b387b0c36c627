package market

import (
	"strings"
	"testing"
)

func TestScoreResultSolidResponse(t *testing.T) {
	prompt := "Explain how garbage collection works in modern runtimes"
	response := "Garbage collection in modern runtimes reclaims memory that a program " +
		"no longer references. Collectors trace reachable objects starting from roots, " +
		"mark everything still in use, and sweep or compact the rest. Generational " +
		"collectors split the heap by object age because most objects die young."

	report := ScoreResult(prompt, response)
	if report.Score < AutoApproveScore {
		t.Fatalf("score %f below auto-approve for a solid response: notes %v", report.Score, report.Notes)
	}
	if report.SuggestedVerdict() != VerdictValid {
		t.Fatalf("suggested verdict %s, want valid", report.SuggestedVerdict())
	}
}

func TestScoreResultShortResponse(t *testing.T) {
	report := ScoreResult("Explain quantum entanglement in detail", "It is complicated...")
	if report.Score >= DisputeScore {
		t.Fatalf("score %f not below dispute threshold for a three word answer", report.Score)
	}
	if report.SuggestedVerdict() != VerdictInvalid {
		t.Fatalf("suggested verdict %s, want invalid", report.SuggestedVerdict())
	}
}

func TestScoreResultUnrelatedResponse(t *testing.T) {
	prompt := "Describe the architecture of a relational database engine"
	response := "My favourite recipes include pasta with tomato sauce, grilled cheese " +
		"sandwiches, roasted vegetables, chocolate cake, pancakes with maple syrup and " +
		"a large pot of vegetable soup simmered slowly over a low flame for hours."

	report := ScoreResult(prompt, response)
	hasNote := false
	for _, note := range report.Notes {
		if strings.Contains(note, "unrelated") {
			hasNote = true
		}
	}
	if !hasNote {
		t.Fatalf("expected a relevance note, got %v", report.Notes)
	}
}

func TestScoreResultTruncationMarker(t *testing.T) {
	prompt := "List sorting algorithms"
	response := "Common sorting algorithms include quicksort, mergesort, heapsort and " +
		"insertion sort, each with different complexity tradeoffs depending on input..."

	report := ScoreResult(prompt, response)
	hasNote := false
	for _, note := range report.Notes {
		if strings.Contains(note, "truncated") {
			hasNote = true
		}
	}
	if !hasNote {
		t.Fatalf("expected a truncation note, got %v", report.Notes)
	}
}

func TestScoreResultUnterminatedCodeBlock(t *testing.T) {
	response := "Here is the implementation you asked for with inline commentary " +
		"covering the edge cases and the expected complexity of each operation\n" +
		"```go\nfunc sum(xs []int) int {"

	report := ScoreResult("Write a sum function in Go", response)
	hasNote := false
	for _, note := range report.Notes {
		if strings.Contains(note, "code block") {
			hasNote = true
		}
	}
	if !hasNote {
		t.Fatalf("expected a code block note, got %v", report.Notes)
	}
}

func TestSuggestedVerdictThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Verdict
	}{
		{score: 0.9, want: VerdictValid},
		{score: AutoApproveScore, want: VerdictValid},
		{score: 0.5, want: VerdictNone},
		{score: DisputeScore, want: VerdictNone},
		{score: 0.39, want: VerdictInvalid},
		{score: 0.0, want: VerdictInvalid},
	}
	for _, tc := range cases {
		if got := (QualityReport{Score: tc.score}).SuggestedVerdict(); got != tc.want {
			t.Fatalf("score %f suggested %s, want %s", tc.score, got, tc.want)
		}
	}
}
