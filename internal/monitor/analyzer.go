package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScriptAnalyzer scans script source and captured logs for idioms that try to
// reach outside the injected globals.
type ScriptAnalyzer struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one matched pattern.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewScriptAnalyzer creates an analyzer with the default patterns.
func NewScriptAnalyzer() *ScriptAnalyzer {
	return &ScriptAnalyzer{
		patterns: defaultPatterns(),
	}
}

// AnalyzeSource checks script source before execution. Findings are
// informational; they never block a run.
func (a *ScriptAnalyzer) AnalyzeSource(src string) []Finding {
	var findings []Finding

	lines := strings.Split(src, "\n")
	for i, line := range lines {
		for _, p := range a.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious idiom in script")
			}
		}
	}

	return findings
}

// AnalyzeLogs checks captured script output for signs that host state leaked
// into the run.
func (a *ScriptAnalyzer) AnalyzeLogs(logs []string) []Finding {
	var findings []Finding

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"host_process_object", "[object process]", SeverityHigh},
		{"passwd_leak", "root:x:0:0", SeverityCritical},
		{"env_leak", "AWS_SECRET_ACCESS_KEY", SeverityCritical},
		{"host_path_leak", "/proc/self/", SeverityMedium},
	}

	joined := strings.Join(logs, "\n")
	for _, p := range outputPatterns {
		if strings.Contains(joined, p.substr) {
			findings = append(findings, Finding{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in logs: " + p.name,
			})
		}
	}

	return findings
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "module_loader",
			Description: "Attempting to load host modules with require",
			Regex:       regexp.MustCompile(`\brequire\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "process_access",
			Description: "Accessing the host process object",
			Regex:       regexp.MustCompile(`\bprocess\s*\.\s*(env|exit|binding|mainModule|kill)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_eval",
			Description: "Evaluating dynamically built code",
			Regex:       regexp.MustCompile(`\beval\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "function_constructor",
			Description: "Building functions from strings",
			Regex:       regexp.MustCompile(`\bnew\s+Function\s*\(|\bFunction\s*\(\s*["'` + "`" + `]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "constructor_escape",
			Description: "Reaching the Function constructor through a prototype chain",
			Regex:       regexp.MustCompile(`constructor\s*\.\s*constructor|\[\s*["']constructor["']\s*\]\s*\[\s*["']constructor["']\s*\]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "dynamic_import",
			Description: "Dynamic module import",
			Regex:       regexp.MustCompile(`\bimport\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "prototype_tampering",
			Description: "Mutating shared prototypes",
			Regex:       regexp.MustCompile(`__proto__|Object\.setPrototypeOf|(Object|Array|Function)\.prototype\.\w+\s*=`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "infinite_loop",
			Description: "Unbounded loop that relies on the timeout to stop",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
		},
	}
}
