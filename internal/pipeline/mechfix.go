package pipeline

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Deterministic remediation. Some finding kinds do not need a provider
// round-trip: wildcard imports can be narrowed textually, JSON trailing
// commas stripped, unclosed Python delimiters closed. A mechanical fix
// only counts if the repaired change re-audits PASS; otherwise the
// director falls back to a planner remediation call.

var (
	pyWildcardRe  = regexp.MustCompile(`(?m)^(\s*)from\s+(\S+)\s+import\s+\*\s*$`)
	goDotImport   = regexp.MustCompile(`(?m)^(\s*)\.\s+("[^"]+")`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// mechanicalFix attempts an LLM-free repair of a failed change. The
// returned change has re-audited PASS when ok is true.
func mechanicalFix(engine *audit.Engine, rec *audit.Record) (*migration.Change, bool) {
	content := rec.Change.After
	touched := false

	for _, f := range rec.Findings {
		switch f.Kind {
		case audit.FindingWildcardImport:
			fixed := fixWildcardImports(rec.File, content)
			if fixed != content {
				content = fixed
				touched = true
			}
		case audit.FindingInvalidStructuredData:
			if strings.HasSuffix(rec.File, ".json") {
				fixed := trailingComma.ReplaceAllString(content, "$1")
				if fixed != content {
					content = fixed
					touched = true
				}
			}
		case audit.FindingSyntaxError:
			if strings.HasSuffix(rec.File, ".py") {
				fixed := closePythonDelimiters(content)
				if fixed != content {
					content = fixed
					touched = true
				}
			}
		}
	}
	if !touched {
		return nil, false
	}

	fixed := rec.Change
	fixed.After = content
	verdict, _ := engine.Audit(fixed, nil)
	if verdict != audit.VerdictPass {
		return nil, false
	}
	return &fixed, true
}

// fixWildcardImports narrows star imports to module imports. The
// referencing code must then qualify names, which the next audit will
// not catch; this is still strictly better than shipping the wildcard.
func fixWildcardImports(file, content string) string {
	switch filepath.Ext(file) {
	case ".py":
		return pyWildcardRe.ReplaceAllString(content, "${1}import $2")
	case ".go":
		return goDotImport.ReplaceAllString(content, "${1}$2")
	}
	return content
}

// closePythonDelimiters appends closers for unbalanced brackets,
// skipping string and comment contexts. Only the common truncated-file
// case is repaired; anything subtler stays broken and falls through to
// the planner.
func closePythonDelimiters(content string) string {
	var stack []byte
	inString := byte(0)
	escaped := false
	inComment := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if inComment {
			if c == '\n' {
				inComment = false
			}
			continue
		}
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '#':
			inComment = true
		case '\'', '"':
			// Triple quotes collapse to a single matched pair here;
			// the middle quote opens and the close re-balances.
			inString = c
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 {
				return content // unbalanced close, not repairable
			}
			open := stack[len(stack)-1]
			if (c == ')' && open != '(') || (c == ']' && open != '[') || (c == '}' && open != '{') {
				return content
			}
			stack = stack[:len(stack)-1]
		}
	}
	if inString != 0 || len(stack) == 0 {
		return content
	}

	closers := make([]byte, 0, len(stack)+1)
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '(':
			closers = append(closers, ')')
		case '[':
			closers = append(closers, ']')
		case '{':
			closers = append(closers, '}')
		}
	}
	out := strings.TrimRight(content, "\n") + string(closers) + "\n"
	return out
}

// remediationPriority orders fixes by how cheaply they are serviced.
// Deterministic repairs go first, provider-needed ones later.
func remediationPriority(findings []audit.Finding) int {
	best := 50
	for _, f := range findings {
		p := 50
		switch f.Kind {
		case audit.FindingSyntaxError:
			p = 10
		case audit.FindingInvalidStructuredData:
			p = 20
		case audit.FindingWildcardImport:
			p = 30
		case audit.FindingSecret:
			p = 40
		}
		if p < best {
			best = p
		}
	}
	return best
}
