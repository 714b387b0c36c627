package market

import "strings"

// Quality score thresholds used by validators when judging a submitted
// result. The escrow core only consumes the final verdict; these helpers are
// a convenience for validator operators and the requester's auto-approval.
const (
	AutoApproveScore = 0.6
	DisputeScore     = 0.4
)

// QualityReport captures a heuristic assessment of a response.
type QualityReport struct {
	Score float64
	Notes []string
}

// SuggestedVerdict maps the score to a verdict: scores at or above the
// auto-approve threshold are valid, scores below the dispute threshold are
// invalid, anything between is inconclusive (VerdictNone).
func (r QualityReport) SuggestedVerdict() Verdict {
	switch {
	case r.Score >= AutoApproveScore:
		return VerdictValid
	case r.Score < DisputeScore:
		return VerdictInvalid
	default:
		return VerdictNone
	}
}

// ScoreResult runs cheap structural checks over a prompt/response pair:
// length sanity, term overlap with the prompt, and truncation markers. It is
// intentionally heuristic; a real validator substitutes a stronger judge.
func ScoreResult(prompt, response string) QualityReport {
	report := QualityReport{}
	scores := []float64{
		scoreLength(response, &report),
		scoreRelevance(prompt, response, &report),
		scoreCompleteness(response, &report),
	}
	total := 0.0
	for _, s := range scores {
		total += s
	}
	report.Score = total / float64(len(scores))
	return report
}

func scoreLength(response string, report *QualityReport) float64 {
	words := len(strings.Fields(response))
	switch {
	case words < 10:
		report.Notes = append(report.Notes, "response too short")
		return 0.0
	case words < 25:
		report.Notes = append(report.Notes, "response shorter than expected")
		return 0.5
	default:
		return 1.0
	}
}

func scoreRelevance(prompt, response string, report *QualityReport) float64 {
	stop := map[string]struct{}{
		"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "in": {}, "on": {},
		"at": {}, "to": {}, "for": {}, "of": {}, "and": {}, "or": {},
		"that": {}, "this": {}, "with": {},
	}
	promptTerms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(prompt)) {
		if _, skip := stop[word]; !skip {
			promptTerms[word] = struct{}{}
		}
	}
	if len(promptTerms) == 0 {
		return 1.0
	}
	responseTerms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(response)) {
		responseTerms[word] = struct{}{}
	}
	overlap := 0
	for term := range promptTerms {
		if _, ok := responseTerms[term]; ok {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(promptTerms))
	switch {
	case ratio < 0.1:
		report.Notes = append(report.Notes, "response seems unrelated to prompt")
		return 0.2
	case ratio < 0.3:
		report.Notes = append(report.Notes, "response only partially relevant")
		return 0.5
	default:
		return 1.0
	}
}

func scoreCompleteness(response string, report *QualityReport) float64 {
	trimmed := strings.TrimSpace(response)
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "..") {
		report.Notes = append(report.Notes, "response may be truncated")
		return 0.5
	}
	if strings.Count(trimmed, "```")%2 != 0 {
		report.Notes = append(report.Notes, "unterminated code block")
		return 0.5
	}
	return 1.0
}
