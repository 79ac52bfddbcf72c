package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	messages []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func TestTextAsserterMatchesEqualText(t *testing.T) {
	rt := &recordingT{}
	assert.True(t, NewTextAsserter(rt).Assert("a\nb\n", "a\nb\n"))
	assert.Empty(t, rt.messages)
}

func TestTextAsserterReportsUnifiedDiff(t *testing.T) {
	// GOAL: Verify a mismatch is reported as a unified diff naming both sides
	//
	// TEST SCENARIO: one changed line → failure message contains -expected/+actual lines
	rt := &recordingT{}
	assert.False(t, NewTextAsserter(rt).Assert("idx,c\n1,23\n", "idx,c\n1,22\n"))
	assert.Len(t, rt.messages, 1)
	msg := rt.messages[0]
	assert.Contains(t, msg, "--- expected")
	assert.Contains(t, msg, "+++ actual")
	assert.Contains(t, msg, "-1,22")
	assert.Contains(t, msg, "+1,23")
}

func TestTextAsserterNormalization(t *testing.T) {
	rt := &recordingT{}
	ta := NewTextAsserter(rt,
		WithTrimSpace(true),
		WithIgnoreEmptyLines(true),
		WithIgnoreTrailingWhitespace(true),
	)
	assert.True(t, ta.Assert("\n a  \n\nb\t\n", "a\nb"), "normalization MUST hide whitespace-only differences")
	assert.Empty(t, rt.messages)
}

func TestTextAsserterColorsMarkWhitespace(t *testing.T) {
	rt := &recordingT{}
	d := NewTextAsserter(rt, WithEnableColors(true)).Diff("a b\n", "ab\n")
	assert.True(t, strings.Contains(d, "a·b"), "colored diffs MUST make spaces visible")
}

func TestJSONAsserterIgnoresExtraKeysAndPlaceholders(t *testing.T) {
	rt := &recordingT{}
	ok := NewJSONAsserter(rt).Assert(`{"a": 1, "b": "x", "extra": true}`, `{"a": 1, "b": "<<PRESENCE>>"}`)
	assert.True(t, ok)
	assert.Empty(t, rt.messages)
}

func TestJSONAsserterReportsMismatch(t *testing.T) {
	rt := &recordingT{}
	ok := NewJSONAsserter(rt, WithIgnoreExtraKeys(false)).Assert(`{"a": 2, "extra": true}`, `{"a": 1}`)
	assert.False(t, ok)
	assert.Len(t, rt.messages, 1)
}
