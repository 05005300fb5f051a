package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCitationsUniqueInOrder(t *testing.T) {
	text := "Revenue grew [D1:p3] and margins held [D2:p7]. See also [D1:p3]."
	assert.Equal(t, []string{"[D1:p3]", "[D2:p7]"}, ExtractCitations(text))

	// Malformed tokens are ignored.
	assert.Empty(t, ExtractCitations("[D1p3] [d1:p3] [D:p3] [D1:3]"))
}

func TestMinCitations(t *testing.T) {
	// Single document.
	assert.Equal(t, 3, MinCitations(1, 1000, 100))
	// Multi-document scales at 2 per doc, capped at 15.
	assert.Equal(t, 6, MinCitations(3, 1000, 100))
	assert.Equal(t, 15, MinCitations(10, 1000, 100))
	// Long contexts add 2.
	assert.Equal(t, 8, MinCitations(3, 200_000, 100))
	// Sparse whitelists relax the floor to half the whitelist.
	assert.Equal(t, 2, MinCitations(3, 1000, 4))
}

func TestValidateCitations(t *testing.T) {
	whitelist := []string{"[D1:p1]", "[D1:p2]", "[D2:p5]", "[D2:p6]", "[D2:p7]", "[D2:p8]"}

	// Unknown token is an error.
	report := ValidateCitations("fact [D1:p1], fiction [D9:p9]", whitelist, 1, 1000)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"[D9:p9]"}, report.Unknown)

	// Low density is only a warning.
	report = ValidateCitations("fact [D1:p1]", whitelist, 1, 1000)
	assert.True(t, report.OK())
	assert.NotEmpty(t, report.Warnings)

	// Enough valid citations pass cleanly.
	report = ValidateCitations("a [D1:p1] b [D1:p2] c [D2:p5]", whitelist, 1, 1000)
	assert.True(t, report.OK())
	assert.Empty(t, report.Warnings)
}

func TestCorrectivePreambleCapsWhitelist(t *testing.T) {
	report := ValidationReport{Errors: []string{"citations not present in context: [D9:p9]"}}
	whitelist := make([]string, 100)
	for i := range whitelist {
		whitelist[i] = "[D1:p1]"
	}

	preamble := CorrectivePreamble(report, whitelist, 60)
	assert.Contains(t, preamble, "[D9:p9]")
	assert.Equal(t, 60, strings.Count(preamble, "[D1:p1]"))
}
