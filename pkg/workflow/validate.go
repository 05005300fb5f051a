package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// citationPattern is the only accepted citation token shape.
var citationPattern = regexp.MustCompile(`\[D\d+:p\d+\]`)

// ValidationReport is the outcome of the post-generation citation pass.
type ValidationReport struct {
	Citations []string // unique tokens in order of first appearance
	Unknown   []string // tokens not in the whitelist
	Minimum   int
	Warnings  []string
	Errors    []string
}

func (r ValidationReport) OK() bool { return len(r.Errors) == 0 }

// ExtractCitations returns the unique citation tokens in text, in order of
// first appearance.
func ExtractCitations(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, token := range citationPattern.FindAllString(text, -1) {
		if !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}
	return out
}

// MinCitations computes the adaptive citation floor: single-document runs
// need 3, multi-document runs scale with document count, long contexts
// demand a little more, and a sparse whitelist relaxes the floor.
func MinCitations(docCount, contextChars, whitelistSize int) int {
	var floor int
	if docCount <= 1 {
		floor = 3
	} else {
		floor = 2 * docCount
		if floor > 15 {
			floor = 15
		}
	}
	if contextChars > 150_000 {
		floor += 2
	}
	if half := whitelistSize / 2; floor > half {
		floor = half
	}
	return floor
}

// ValidateCitations checks the raw response against the run's whitelist.
// Unknown citations are errors; a count below the adaptive minimum is only
// a warning.
func ValidateCitations(raw string, whitelist []string, docCount, contextChars int) ValidationReport {
	allowed := make(map[string]bool, len(whitelist))
	for _, token := range whitelist {
		allowed[token] = true
	}

	report := ValidationReport{
		Citations: ExtractCitations(raw),
		Minimum:   MinCitations(docCount, contextChars, len(whitelist)),
	}
	for _, token := range report.Citations {
		if !allowed[token] {
			report.Unknown = append(report.Unknown, token)
		}
	}
	if len(report.Unknown) > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("citations not present in context: %s", strings.Join(report.Unknown, ", ")))
	}
	if len(report.Citations) < report.Minimum {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("citation density low: %d found, %d expected", len(report.Citations), report.Minimum))
	}
	return report
}

// CorrectivePreamble builds the system-prompt addendum for a retry after a
// validation failure, listing the violations and the allowed tokens
// (capped so the preamble itself stays small).
func CorrectivePreamble(report ValidationReport, whitelist []string, limit int) string {
	var b strings.Builder
	b.WriteString("\n\nYour previous response had validation problems that must be fixed:\n")
	for _, e := range report.Errors {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	for _, w := range report.Warnings {
		b.WriteString("- ")
		b.WriteString(w)
		b.WriteString("\n")
	}
	listed := whitelist
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	b.WriteString("Only cite these tokens: ")
	b.WriteString(strings.Join(listed, " "))
	return b.String()
}
