package lease

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDisambiguate_PassesThroughCleanShortInput(t *testing.T) {
	got := sanitizeDisambiguate("my-svc:01_A", 28)
	assert.Equal(t, "my-svc:01_A", got)
}

func TestSanitizeDisambiguate_ReplacesDisallowedChars(t *testing.T) {
	got := sanitizeDisambiguate("my svc/v2", 28)
	assert.NotEqual(t, "my svc/v2", got)
	assert.NotContains(t, got, " ")
	assert.NotContains(t, got, "/")
}

func TestSanitizeDisambiguate_DistinctInputsDisambiguate(t *testing.T) {
	a := sanitizeDisambiguate("svc a", 28)
	b := sanitizeDisambiguate("svc/a", 28)
	// Both sanitize to "svc_a" on their own, but since sanitization changed
	// the input, each gets a distinct content-hash suffix instead.
	assert.NotEqual(t, a, b)
}

func TestSanitizeDisambiguate_TruncatesOverlongClean(t *testing.T) {
	raw := ""
	for i := 0; i < 100; i++ {
		raw += "a"
	}
	got := sanitizeDisambiguate(raw, 10)
	assert.LessOrEqual(t, len(got), 10)
	assert.NotEqual(t, raw, got)
}

func TestNormalize_BudgetShrinksWithInstanceLength(t *testing.T) {
	shortInst := sanitizeDisambiguate("i1", maxInstanceLen)
	longInst := sanitizeDisambiguate("a-fairly-long-instance-identifier", maxInstanceLen)

	svcShort := Normalize("myservicename", shortInst)
	svcLong := Normalize("myservicename", longInst)

	// Same raw service name, but less budget available once the instance
	// id is long enough -> the normalized service name must not grow.
	assert.LessOrEqual(t, len(svcLong), len(svcShort))
}

func TestNormalize_NeverExceedsLabelBudget(t *testing.T) {
	longRaw := ""
	for i := 0; i < 300; i++ {
		longRaw += "x"
	}
	inst := sanitizeDisambiguate(longRaw, maxInstanceLen)
	svc := Normalize(longRaw, inst)
	assert.LessOrEqual(t, fixedLabelOverhead+len(inst)+len(svc), MaxLabelBytes)
}
