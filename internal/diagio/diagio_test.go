package diagio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestBlockRendersRuleMessageAndRemediation(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Block(&buf, "schema-change", "migrations/001.sql", "review before editing", "re-run with --force")

	out := buf.String()
	assert.True(t, strings.Contains(out, "BLOCKED: schema-change"))
	assert.True(t, strings.Contains(out, "migrations/001.sql"))
	assert.True(t, strings.Contains(out, "review before editing"))
	assert.True(t, strings.Contains(out, "re-run with --force"))
}

func TestWarnRendersRuleAndMessage(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Warn(&buf, "digest-reminder", "it's been a while since the last DIGEST")

	out := buf.String()
	assert.True(t, strings.Contains(out, "WARNING: digest-reminder"))
	assert.True(t, strings.Contains(out, "it's been a while since the last DIGEST"))
}

func TestBlockWithNoRemediationStillRendersHeader(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Block(&buf, "dependency-removal", "")

	out := buf.String()
	assert.True(t, strings.Contains(out, "BLOCKED: dependency-removal"))
	assert.False(t, strings.Contains(out, "Input:"))
}
