// Package security implements the scan orchestrator that gates
// newly-registered servers: pluggable analyzers inspect each tool, the
// orchestrator folds per-tool findings into a verdict, and unsafe servers
// stay disabled until an admin overrides.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"mcpgateway/internal/api"
)

// Finding severities, ordered. HIGH and CRITICAL make the overall verdict
// unsafe.
const (
	SeveritySafe     = "SAFE"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// ToolFinding is one analyzer's judgement of one tool.
type ToolFinding struct {
	ToolName      string   `json:"tool_name"`
	Severity      string   `json:"severity"`
	ThreatNames   []string `json:"threat_names,omitempty"`
	ThreatSummary string   `json:"threat_summary,omitempty"`
	IsSafe        bool     `json:"is_safe"`
}

// Analyzer inspects a single tool definition. Implementations must be safe
// for concurrent use.
type Analyzer interface {
	Name() string
	AnalyzeTool(ctx context.Context, serverPath string, tool api.ToolDefinition) (ToolFinding, error)
}

// NewAnalyzers instantiates the configured analyzer set by name.
func NewAnalyzers(names []string) ([]Analyzer, error) {
	var out []Analyzer
	for _, name := range names {
		switch name {
		case "rules":
			out = append(out, NewRuleAnalyzer())
		default:
			return nil, fmt.Errorf("unknown security analyzer %q", name)
		}
	}
	return out, nil
}

// threatRule is one signature the rule analyzer matches against a tool's
// name, description and schema text.
type threatRule struct {
	name     string
	severity string
	pattern  *regexp.Regexp
}

// ruleAnalyzer flags tool-poisoning and prompt-injection signatures with a
// fixed rule set, the way a YARA pass over tool descriptions would.
type ruleAnalyzer struct {
	rules []threatRule
}

// NewRuleAnalyzer builds the built-in rule analyzer.
func NewRuleAnalyzer() Analyzer {
	return &ruleAnalyzer{rules: []threatRule{
		{"PromptInjection.IgnoreInstructions", SeverityCritical,
			regexp.MustCompile(`(?i)(ignore|disregard)\s+(all\s+)?(previous|prior|above)\s+(instructions|rules)`)},
		{"PromptInjection.HiddenDirective", SeverityHigh,
			regexp.MustCompile(`(?i)<\s*(important|system|secret)\s*>`)},
		{"Exfiltration.CredentialHarvest", SeverityCritical,
			regexp.MustCompile(`(?i)(send|post|forward|upload)\s+.{0,40}(credentials?|password|api[_ ]?key|token|\.ssh|private key)`)},
		{"Exfiltration.FileRead", SeverityHigh,
			regexp.MustCompile(`(?i)(read|cat|open)\s+.{0,30}(/etc/passwd|\.env|id_rsa|\.aws/credentials)`)},
		{"Obfuscation.EncodedPayload", SeverityMedium,
			regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)},
		{"Shadowing.CrossToolOverride", SeverityHigh,
			regexp.MustCompile(`(?i)(instead of|before)\s+(using|calling)\s+.{0,30}(other|another|any)\s+tool`)},
		{"Suspicious.DestructiveHint", SeverityLow,
			regexp.MustCompile(`(?i)(delete|drop|wipe|destroy)\s+(all|every|entire)`)},
	}}
}

func (a *ruleAnalyzer) Name() string { return "rules" }

func (a *ruleAnalyzer) AnalyzeTool(ctx context.Context, serverPath string, tool api.ToolDefinition) (ToolFinding, error) {
	if err := ctx.Err(); err != nil {
		return ToolFinding{}, err
	}

	text := tool.Name + "\n" + tool.Description
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			text += "\n" + string(raw)
		}
	}

	finding := ToolFinding{ToolName: tool.Name, Severity: SeveritySafe, IsSafe: true}
	var summaries []string
	for _, rule := range a.rules {
		if rule.pattern.MatchString(text) {
			finding.ThreatNames = append(finding.ThreatNames, rule.name)
			summaries = append(summaries, rule.name)
			if severityRank(rule.severity) > severityRank(finding.Severity) {
				finding.Severity = rule.severity
			}
		}
	}
	if len(finding.ThreatNames) > 0 {
		finding.IsSafe = severityRank(finding.Severity) < severityRank(SeverityHigh)
		finding.ThreatSummary = "matched " + strings.Join(summaries, ", ")
	}
	return finding, nil
}

func severityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
