package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodRules = `rules:
  - id: brute-force-then-block
    name: Block brute force sources
    pattern: brute_force_attack
    severity: high
    enabled: true
    actions: [alert, block_ip]
  - id: audit-escalations
    name: Log privilege escalations
    pattern: privilege_escalation
    severity: critical
    enabled: false
    actions: [log]
`

const badRules = `rules:
  - id: broken
    name: Unclosed group
    pattern: "(unclosed"
    severity: high
    enabled: true
    actions: [alert]
`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runRulesCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	outputJSON = false

	cmd := NewRulesCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLintValidFile(t *testing.T) {
	path := writeRulesFile(t, goodRules)
	out, err := runRulesCmd(t, "lint", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules OK (1 enabled)")
	assert.Contains(t, out, "brute-force-then-block")
	assert.Contains(t, out, "disabled")
}

func TestLintJSONOutput(t *testing.T) {
	path := writeRulesFile(t, goodRules)
	out, err := runRulesCmd(t, "lint", "--json", path)
	require.NoError(t, err)

	var summaries []ruleSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "brute-force-then-block", summaries[0].ID)
	assert.Equal(t, "high", summaries[0].Severity)
	assert.Equal(t, 2, summaries[0].Actions)
}

func TestLintRejectsInvalidPattern(t *testing.T) {
	path := writeRulesFile(t, badRules)
	_, err := runRulesCmd(t, "lint", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestLintRejectsMissingFile(t *testing.T) {
	_, err := runRulesCmd(t, "lint", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLintRejectsTraversal(t *testing.T) {
	_, err := runRulesCmd(t, "lint", "../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}
