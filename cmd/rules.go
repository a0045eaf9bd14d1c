// Package cmd provides command-line interface commands for bastion.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"bastion/detect"
)

var outputJSON bool

// maxRulesFileSize guards against memory exhaustion from a runaway file.
const maxRulesFileSize = 10 * 1024 * 1024

// NewRulesCmd creates the rules command tree.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage threat rule files",
		Long:  "Validate and inspect YAML threat rule files before deploying them.",
	}
	rulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rulesCmd.AddCommand(newLintCmd())
	return rulesCmd
}

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file>",
		Short: "Validate a threat rule file",
		Long:  "Parses the rule file, compiles every pattern and reports problems without loading anything into a running service.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(cmd, args[0])
		},
	}
}

// ruleSummary is the lint report entry for one rule.
type ruleSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Enabled  bool   `json:"enabled"`
	Actions  int    `json:"actions"`
}

func runLint(cmd *cobra.Command, path string) error {
	if err := checkRulesFile(path); err != nil {
		return err
	}

	rules, err := detect.LoadRules(path)
	if err != nil {
		return fmt.Errorf("rule file is invalid: %w", err)
	}

	summaries := make([]ruleSummary, 0, len(rules))
	enabled := 0
	for _, rule := range rules {
		if rule.Enabled {
			enabled++
		}
		summaries = append(summaries, ruleSummary{
			ID:       rule.ID,
			Name:     rule.Name,
			Severity: string(rule.Severity),
			Enabled:  rule.Enabled,
			Actions:  len(rule.Actions),
		})
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return json.NewEncoder(out).Encode(summaries)
	}

	fmt.Fprintf(out, "%s: %d rules OK (%d enabled)\n", filepath.Base(path), len(rules), enabled)
	for _, s := range summaries {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %-24s %-8s %-8s actions=%d  %s\n", s.ID, s.Severity, state, s.Actions, s.Name)
	}
	return nil
}

func checkRulesFile(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot read rule file: %w", err)
	}
	if info.Size() > maxRulesFileSize {
		return fmt.Errorf("rule file exceeds %d bytes", maxRulesFileSize)
	}
	return nil
}
