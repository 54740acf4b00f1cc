package audit

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var pythonWildcardImport = regexp.MustCompile(`(?m)^\s*from\s+\S+\s+import\s+\*`)

// checkSyntax dispatches structural checks by file extension. Unknown
// extensions are not checked.
func checkSyntax(path, content string) []Finding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return checkGoSource(path, content)
	case ".py":
		return checkPythonSource(content)
	case ".json":
		return checkJSONData(content)
	case ".yaml", ".yml":
		return checkYAMLData(content)
	case ".toml":
		return checkTOMLData(content)
	}
	return nil
}

func checkGoSource(path, content string) []Finding {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, filepath.Base(path), content, parser.AllErrors); err != nil {
		return []Finding{{
			Kind:    FindingSyntaxError,
			Message: fmt.Sprintf("Go parse error: %v", err),
		}}
	}
	return nil
}

// checkPythonSource runs a lightweight structural check: balanced
// delimiters outside strings and comments, and terminated triple quotes.
func checkPythonSource(content string) []Finding {
	var stack []byte
	inString := byte(0) // the active quote character, 0 when outside
	triple := false
	escaped := false
	line := 1

	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
			if inString != 0 && !triple {
				// Single-quoted strings do not span lines.
				inString = 0
			}
			escaped = false
			continue
		}

		if inString != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == inString:
				if triple {
					if i+2 < len(content) && content[i+1] == inString && content[i+2] == inString {
						inString = 0
						triple = false
						i += 2
					}
				} else {
					inString = 0
				}
			}
			continue
		}

		switch c {
		case '#':
			for i < len(content) && content[i] != '\n' {
				i++
			}
			line++
		case '\'', '"':
			inString = c
			if i+2 < len(content) && content[i+1] == c && content[i+2] == c {
				triple = true
				i += 2
			}
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || !delimMatches(stack[len(stack)-1], c) {
				return []Finding{{
					Kind:    FindingSyntaxError,
					Message: fmt.Sprintf("unbalanced %q", c),
					Line:    line,
				}}
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		return []Finding{{
			Kind:    FindingSyntaxError,
			Message: fmt.Sprintf("unclosed %q", stack[len(stack)-1]),
		}}
	}
	if triple {
		return []Finding{{
			Kind:    FindingSyntaxError,
			Message: "unterminated triple-quoted string",
		}}
	}
	return nil
}

func checkJSONData(content string) []Finding {
	if !json.Valid([]byte(content)) {
		return []Finding{{
			Kind:    FindingInvalidStructuredData,
			Message: "invalid JSON",
		}}
	}
	return nil
}

func checkYAMLData(content string) []Finding {
	var out any
	if err := yaml.Unmarshal([]byte(content), &out); err != nil {
		return []Finding{{
			Kind:    FindingInvalidStructuredData,
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}}
	}
	return nil
}

func checkTOMLData(content string) []Finding {
	var out map[string]any
	if err := toml.Unmarshal([]byte(content), &out); err != nil {
		return []Finding{{
			Kind:    FindingInvalidStructuredData,
			Message: fmt.Sprintf("invalid TOML: %v", err),
		}}
	}
	return nil
}

// checkWildcardImports flags wildcard-style imports in source files:
// `from x import *` in Python, dot imports in Go.
func checkWildcardImports(path, content string) []Finding {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		if loc := pythonWildcardImport.FindStringIndex(content); loc != nil {
			return []Finding{{
				Kind:    FindingWildcardImport,
				Message: "wildcard import (from ... import *)",
				Line:    strings.Count(content[:loc[0]], "\n") + 1,
			}}
		}
	case ".go":
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, filepath.Base(path), content, parser.ImportsOnly)
		if err != nil {
			return nil // syntax findings come from checkGoSource
		}
		for _, imp := range file.Imports {
			if imp.Name != nil && imp.Name.Name == "." {
				return []Finding{{
					Kind:    FindingWildcardImport,
					Message: fmt.Sprintf("dot import of %s", imp.Path.Value),
					Line:    fset.Position(imp.Pos()).Line,
				}}
			}
		}
	}
	return nil
}

func delimMatches(open, close byte) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	case '{':
		return close == '}'
	}
	return false
}
