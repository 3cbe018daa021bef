package monitor

import (
	"strings"
	"testing"
)

func TestAnalyzeSource(t *testing.T) {
	a := NewScriptAnalyzer()

	tests := []struct {
		name         string
		src          string
		wantMinCount int
		wantPattern  string
	}{
		{"require", `const fs = require("fs")`, 1, "module_loader"},
		{"process env", `console.log(process.env.HOME)`, 1, "process_access"},
		{"eval", `eval("1 + 1")`, 1, "dynamic_eval"},
		{"new Function", `const f = new Function("return this")`, 1, "function_constructor"},
		{"constructor chain", `const g = ({}).constructor.constructor("return this")()`, 1, "constructor_escape"},
		{"dynamic import", `await import("os")`, 1, "dynamic_import"},
		{"proto", `obj.__proto__.polluted = true`, 1, "prototype_tampering"},
		{"prototype assignment", `Array.prototype.map = null`, 1, "prototype_tampering"},
		{"while true", `while (true) {}`, 1, "infinite_loop"},
		{"for ever", `for (;;) {}`, 1, "infinite_loop"},
		{"clean code", `const rows = await api.query("customers", {}); console.log(rows.length)`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := a.AnalyzeSource(tt.src)
			if len(found) < tt.wantMinCount {
				t.Errorf("got %d findings, want >= %d", len(found), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(found) != 0 {
				t.Errorf("clean source produced findings: %v", found)
			}
			if tt.wantPattern != "" {
				ok := false
				for _, f := range found {
					if f.Pattern == tt.wantPattern {
						ok = true
						break
					}
				}
				if !ok {
					t.Errorf("pattern %q not found in findings: %v", tt.wantPattern, found)
				}
			}
		})
	}
}

func TestAnalyzeSourceLineNumbers(t *testing.T) {
	a := NewScriptAnalyzer()
	found := a.AnalyzeSource("const x = 1;\n\neval(x)")
	if len(found) != 1 || found[0].Line != 3 {
		t.Errorf("findings = %v, want one at line 3", found)
	}
}

func TestAnalyzeLogs(t *testing.T) {
	a := NewScriptAnalyzer()

	tests := []struct {
		name         string
		logs         []string
		wantMinCount int
		wantSeverity string
	}{
		{"passwd", []string{"root:x:0:0:root:/root:/bin/bash"}, 1, "critical"},
		{"process object", []string{"value: [object process]"}, 1, "high"},
		{"clean logs", []string{"hello", "[api] query customers -> 2 record(s)"}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := a.AnalyzeLogs(tt.logs)
			if len(found) < tt.wantMinCount {
				t.Errorf("got %d findings, want >= %d", len(found), tt.wantMinCount)
				return
			}
			if tt.wantSeverity != "" && len(found) > 0 && found[0].Severity != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", found[0].Severity, tt.wantSeverity)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityCritical.String() != "critical" || Severity(42).String() != "unknown" {
		t.Error("unexpected severity names")
	}
}

func BenchmarkAnalyzeSource(b *testing.B) {
	a := NewScriptAnalyzer()
	src := strings.Repeat(`const customers = await api.query("customers", { where: { tier: "gold" } });
for (const c of customers) { console.log(c.name); assert(c.id, "id"); }
`, 50)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.AnalyzeSource(src)
	}
}
